package audit

import "time"

// Event is an immutable, append-only journal record.
//
// Invariants:
// - Events are never updated or deleted.
// - Subject is the ledger key the event concerns (call SID, message ID).
// - Journal writes are best-effort; never block a webhook or a sweep on them.
type Event struct {
	ID   string    `json:"id" db:"id"`
	Type EventType `json:"type" db:"type"`

	// Subject is the call SID or message ID.
	Subject     string `json:"subject" db:"subject"`
	WorkspaceID string `json:"workspace_id,omitempty" db:"workspace_id"`

	// Source names the producer: a webhook route, "sweeper", "pipeline".
	Source string `json:"source,omitempty" db:"source"`

	// IPAddress is the resolved client IP for webhook-originated events.
	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventWebhookApplied EventType = "webhook_applied"
	EventWebhookIgnored EventType = "webhook_ignored"
	EventWebhookDropped EventType = "webhook_dropped"
	EventStageOutcome   EventType = "stage_outcome"
	EventSweepOutcome   EventType = "sweep_outcome"
	EventRouteDecision  EventType = "route_decision"
)
