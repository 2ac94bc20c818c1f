package messages

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("messages: not found")
	ErrDuplicate       = errors.New("messages: duplicate provider id")
	ErrInvalidArgument = errors.New("messages: invalid argument")
)

type Transition struct {
	Before  Message
	After   Message
	Changed bool
}

// Repository is the message ledger. Mutate has the same contract as the call
// ledger: fn is pure and its result is written atomically against the row it
// was computed from.
type Repository interface {
	Create(ctx context.Context, m Message) error
	Get(ctx context.Context, id string) (Message, error)
	GetByProviderID(ctx context.Context, providerID string) (Message, error)
	Mutate(ctx context.Context, id string, fn Mutation) (Transition, error)

	// ListDue returns queued, never-attempted outbound rows due at or before
	// now, oldest due first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]Message, error)
	// ListStale returns queued or sending outbound rows without a provider id
	// whose due time is at or before cutoff, oldest first. Sending rows claimed
	// after cutoff are excluded.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]Message, error)
	ListByContact(ctx context.Context, workspaceID, contactKey string, limit int) ([]Message, error)
}
