package calls

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepo is an in-memory ledger for tests and local runs.
type MemoryRepo struct {
	mu    sync.Mutex
	calls map[string]CallRecord
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{calls: map[string]CallRecord{}} }

func (r *MemoryRepo) Ensure(ctx context.Context, seed CallRecord) (CallRecord, error) {
	if seed.CallSID == "" {
		return CallRecord{}, ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.calls[seed.CallSID]; ok {
		return cur.Clone(), nil
	}
	seed.Version = 1
	r.calls[seed.CallSID] = seed.Clone()
	return seed.Clone(), nil
}

func (r *MemoryRepo) Get(ctx context.Context, callSID string) (CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.calls[callSID]
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	return cur.Clone(), nil
}

func (r *MemoryRepo) Mutate(ctx context.Context, callSID string, fn Mutation) (Transition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.calls[callSID]
	if !ok {
		return Transition{}, ErrNotFound
	}
	next, changed := fn(cur.Clone())
	if !changed {
		return Transition{Before: cur.Clone(), After: cur.Clone()}, nil
	}
	next.CallSID = cur.CallSID
	next.Version = cur.Version + 1
	r.calls[callSID] = next.Clone()
	return Transition{Before: cur.Clone(), After: next.Clone(), Changed: true}, nil
}

func (r *MemoryRepo) ListByContact(ctx context.Context, workspaceID, contactKey string, limit int) ([]CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []CallRecord
	for _, c := range r.calls {
		if c.WorkspaceID == workspaceID && c.ContactKey == contactKey {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].CallSID < out[j].CallSID
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
