package calls

import (
	"context"
	"errors"
)

var (
	ErrNotFound        = errors.New("calls: not found")
	ErrInvalidArgument = errors.New("calls: invalid argument")
)

// Transition is the result of one Mutate: the snapshot before and after the
// write, and whether anything was persisted.
type Transition struct {
	Before  CallRecord
	After   CallRecord
	Changed bool
}

// Repository is the call ledger.
//
// Mutate must run fn against the latest committed row and persist its result
// atomically (row lock or compare-and-swap on Version). fn must be pure; it
// can be invoked while the row is locked.
type Repository interface {
	// Ensure inserts seed when no row exists for seed.CallSID and returns the
	// stored row either way.
	Ensure(ctx context.Context, seed CallRecord) (CallRecord, error)
	Get(ctx context.Context, callSID string) (CallRecord, error)
	Mutate(ctx context.Context, callSID string, fn Mutation) (Transition, error)
	ListByContact(ctx context.Context, workspaceID, contactKey string, limit int) ([]CallRecord, error)
}
