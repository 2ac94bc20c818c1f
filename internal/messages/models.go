package messages

import (
	"strings"
	"time"
)

// Message is one SMS or email row. Outbound rows are keyed by an internal id
// until the provider accepts them; ProviderMessageID is set exactly once.
type Message struct {
	ID        string    `json:"id"`
	Channel   Channel   `json:"channel"`
	Direction Direction `json:"direction"`

	To      string `json:"to"`
	From    string `json:"from"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`

	Status            Status     `json:"status"`
	ProviderMessageID string     `json:"provider_message_id,omitempty"`
	ScheduledFor      *time.Time `json:"scheduled_for,omitempty"`

	Attempts      int    `json:"attempts"`
	SweepAttempts int    `json:"sweep_attempts"`
	LastError     string `json:"last_error,omitempty"`
	ErrorCode     string `json:"error_code,omitempty"`

	OwnerUserID string `json:"owner_user_id,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	ContactKey  string `json:"contact_key,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`

	Version int64 `json:"version"`
}

// DueAt is when the message became eligible for submission.
func (m Message) DueAt() time.Time {
	if m.ScheduledFor != nil {
		return *m.ScheduledFor
	}
	return m.CreatedAt
}

func (m Message) Clone() Message {
	out := m
	out.ScheduledFor = cloneTime(m.ScheduledFor)
	out.SentAt = cloneTime(m.SentAt)
	out.DeliveredAt = cloneTime(m.DeliveredAt)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

func (c Channel) Valid() bool { return c == ChannelSMS || c == ChannelEmail }

type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	// StatusReceived marks inbound rows.
	StatusReceived Status = "received"
)

// Rank orders statuses for monotonic advance; delivered and failed are both
// final.
func (s Status) Rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusSending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered, StatusFailed, StatusReceived:
		return 3
	default:
		return -1
	}
}

func (s Status) Final() bool { return s.Rank() == 3 }

// ParseProviderStatus maps a provider delivery status.
func ParseProviderStatus(raw string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "accepted", "scheduled", "queued":
		return StatusQueued, true
	case "sending":
		return StatusSending, true
	case "sent":
		return StatusSent, true
	case "delivered", "read":
		return StatusDelivered, true
	case "failed", "undelivered", "canceled":
		return StatusFailed, true
	case "received", "receiving":
		return StatusReceived, true
	default:
		return "", false
	}
}
