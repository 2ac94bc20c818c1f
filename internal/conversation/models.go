package conversation

import (
	"time"

	"comms-pipeline/internal/calls"
	"comms-pipeline/internal/messages"
)

// Kind orders entries that share a timestamp: calls, then email, then sms.
type Kind string

const (
	KindCall  Kind = "call"
	KindEmail Kind = "email"
	KindSMS   Kind = "sms"
)

func (k Kind) rank() int {
	switch k {
	case KindCall:
		return 0
	case KindEmail:
		return 1
	case KindSMS:
		return 2
	default:
		return 3
	}
}

// Entry is one communication in a thread. Exactly one of Call or Message is set.
type Entry struct {
	Kind      Kind      `json:"kind"`
	ID        string    `json:"id"`
	At        time.Time `json:"at"`
	Direction string    `json:"direction"`

	Call    *calls.CallRecord `json:"call,omitempty"`
	Message *messages.Message `json:"message,omitempty"`
}

// Thread is the read-time merge of every communication with one contact.
// It is never persisted.
type Thread struct {
	WorkspaceID string  `json:"workspace_id"`
	ContactKey  string  `json:"contact_key"`
	Entries     []Entry `json:"entries"`
}
