package conversation

import (
	"context"
	"errors"
	"testing"
	"time"

	"comms-pipeline/internal/calls"
	"comms-pipeline/internal/messages"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func at(min int) time.Time { return base.Add(time.Duration(min) * time.Minute) }

func ptr(t time.Time) *time.Time { return &t }

func seed(t *testing.T) *Service {
	t.Helper()
	ctx := context.Background()

	callRepo := calls.NewMemoryRepo()
	for _, c := range []calls.CallRecord{
		{CallSID: "CA2", Direction: calls.DirectionOutbound, WorkspaceID: "w1", ContactKey: "lead-7", CreatedAt: at(10)},
		{CallSID: "CA1", Direction: calls.DirectionInbound, WorkspaceID: "w1", ContactKey: "lead-7", CreatedAt: at(0)},
		{CallSID: "CA9", WorkspaceID: "w2", ContactKey: "lead-7", CreatedAt: at(1)},
	} {
		if _, err := callRepo.Ensure(ctx, c); err != nil {
			t.Fatalf("Ensure: %v", err)
		}
	}

	msgRepo := messages.NewMemoryRepo()
	for _, m := range []messages.Message{
		// created first, sent later
		{ID: "m-sms", Channel: messages.ChannelSMS, Direction: messages.DirectionOutbound, WorkspaceID: "w1", ContactKey: "lead-7", CreatedAt: at(-5), SentAt: ptr(at(5))},
		// scheduled after every other entry
		{ID: "m-later", Channel: messages.ChannelEmail, Direction: messages.DirectionOutbound, WorkspaceID: "w1", ContactKey: "lead-7", CreatedAt: at(1), ScheduledFor: ptr(at(60))},
		// ties with CA2
		{ID: "m-email", Channel: messages.ChannelEmail, Direction: messages.DirectionOutbound, WorkspaceID: "w1", ContactKey: "lead-7", CreatedAt: at(10)},
		{ID: "m-in", Channel: messages.ChannelSMS, Direction: messages.DirectionInbound, WorkspaceID: "w1", ContactKey: "lead-7", CreatedAt: at(10)},
		{ID: "m-other", Channel: messages.ChannelSMS, WorkspaceID: "w1", ContactKey: "lead-8", CreatedAt: at(2)},
	} {
		if err := msgRepo.Create(ctx, m); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	return NewService(callRepo, msgRepo, 0)
}

func TestService_GetMergesInEventOrder(t *testing.T) {
	th, err := seed(t).Get(context.Background(), "w1", "lead-7")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	want := []string{"CA1", "m-sms", "CA2", "m-email", "m-in", "m-later"}
	if len(th.Entries) != len(want) {
		t.Fatalf("got %d entries, want %d: %+v", len(th.Entries), len(want), th.Entries)
	}
	for i, id := range want {
		if th.Entries[i].ID != id {
			t.Fatalf("entry %d = %s, want %s", i, th.Entries[i].ID, id)
		}
	}
	if th.Entries[0].Call == nil || th.Entries[0].Message != nil {
		t.Fatalf("call entry should carry only the call")
	}
	if th.Entries[3].Kind != KindEmail || th.Entries[4].Kind != KindSMS {
		t.Fatalf("tie should order email before sms")
	}
}

func TestMerge_IsDeterministic(t *testing.T) {
	callRows := []calls.CallRecord{{CallSID: "CB", CreatedAt: base}, {CallSID: "CA", CreatedAt: base}}
	msgRows := []messages.Message{{ID: "b", Channel: messages.ChannelSMS, CreatedAt: base}, {ID: "a", Channel: messages.ChannelSMS, CreatedAt: base}}

	first := Merge("w1", "k", callRows, msgRows)
	second := Merge("w1", "k", []calls.CallRecord{callRows[1], callRows[0]}, []messages.Message{msgRows[1], msgRows[0]})

	want := []string{"CA", "CB", "a", "b"}
	for i, id := range want {
		if first.Entries[i].ID != id || second.Entries[i].ID != id {
			t.Fatalf("entry %d: %s / %s, want %s", i, first.Entries[i].ID, second.Entries[i].ID, id)
		}
	}
}

func TestService_GetValidates(t *testing.T) {
	s := seed(t)
	if _, err := s.Get(context.Background(), "", "lead-7"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if _, err := s.Get(context.Background(), "w1", "  "); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestService_GetEmptyThread(t *testing.T) {
	th, err := seed(t).Get(context.Background(), "w1", "nobody")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(th.Entries) != 0 {
		t.Fatalf("expected empty thread, got %+v", th.Entries)
	}
}
