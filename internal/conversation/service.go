package conversation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"comms-pipeline/internal/calls"
	"comms-pipeline/internal/messages"
)

var ErrInvalidRequest = errors.New("conversation: invalid request")

// CallLister and MessageLister are the ledger reads a thread needs.
//
// IMPORTANT: implementations must enforce workspace filtering.
type CallLister interface {
	ListByContact(ctx context.Context, workspaceID, contactKey string, limit int) ([]calls.CallRecord, error)
}

type MessageLister interface {
	ListByContact(ctx context.Context, workspaceID, contactKey string, limit int) ([]messages.Message, error)
}

type Service struct {
	calls    CallLister
	messages MessageLister
	limit    int
}

// NewService builds the projection. limit caps rows read per ledger; <= 0 means 200.
func NewService(c CallLister, m MessageLister, limit int) *Service {
	if limit <= 0 {
		limit = 200
	}
	return &Service{calls: c, messages: m, limit: limit}
}

func (s *Service) Get(ctx context.Context, workspaceID, contactKey string) (Thread, error) {
	contactKey = strings.TrimSpace(contactKey)
	if workspaceID == "" || contactKey == "" {
		return Thread{}, ErrInvalidRequest
	}
	if s.calls == nil || s.messages == nil {
		return Thread{}, errors.New("conversation: ledgers not configured")
	}

	callRows, err := s.calls.ListByContact(ctx, workspaceID, contactKey, s.limit)
	if err != nil {
		return Thread{}, fmt.Errorf("conversation: list calls: %w", err)
	}
	msgRows, err := s.messages.ListByContact(ctx, workspaceID, contactKey, s.limit)
	if err != nil {
		return Thread{}, fmt.Errorf("conversation: list messages: %w", err)
	}

	return Merge(workspaceID, contactKey, callRows, msgRows), nil
}

// Merge orders calls and messages by event time, breaking ties by kind then ID.
func Merge(workspaceID, contactKey string, callRows []calls.CallRecord, msgRows []messages.Message) Thread {
	entries := make([]Entry, 0, len(callRows)+len(msgRows))
	for i := range callRows {
		c := callRows[i].Clone()
		entries = append(entries, Entry{
			Kind:      KindCall,
			ID:        c.CallSID,
			At:        c.CreatedAt,
			Direction: string(c.Direction),
			Call:      &c,
		})
	}
	for i := range msgRows {
		m := msgRows[i].Clone()
		kind := KindSMS
		if m.Channel == messages.ChannelEmail {
			kind = KindEmail
		}
		entries = append(entries, Entry{
			Kind:      kind,
			ID:        m.ID,
			At:        messageTime(m),
			Direction: string(m.Direction),
			Message:   &m,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.At.Equal(b.At) {
			return a.At.Before(b.At)
		}
		if a.Kind != b.Kind {
			return a.Kind.rank() < b.Kind.rank()
		}
		return a.ID < b.ID
	})

	return Thread{WorkspaceID: workspaceID, ContactKey: contactKey, Entries: entries}
}

// messageTime is when the message happened from the contact's point of view:
// sent, else scheduled, else created.
func messageTime(m messages.Message) time.Time {
	if m.SentAt != nil {
		return *m.SentAt
	}
	if m.ScheduledFor != nil {
		return *m.ScheduledFor
	}
	return m.CreatedAt
}
