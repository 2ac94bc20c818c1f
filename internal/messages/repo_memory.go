package messages

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-memory ledger for tests and local runs.
type MemoryRepo struct {
	mu   sync.Mutex
	rows map[string]Message
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{rows: map[string]Message{}} }

func (r *MemoryRepo) Create(ctx context.Context, m Message) error {
	if m.ID == "" {
		return ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[m.ID]; ok {
		return ErrDuplicate
	}
	if m.ProviderMessageID != "" {
		for _, cur := range r.rows {
			if cur.ProviderMessageID == m.ProviderMessageID {
				return ErrDuplicate
			}
		}
	}
	m.Version = 1
	r.rows[m.ID] = m.Clone()
	return nil
}

func (r *MemoryRepo) Get(ctx context.Context, id string) (Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.rows[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return m.Clone(), nil
}

func (r *MemoryRepo) GetByProviderID(ctx context.Context, providerID string) (Message, error) {
	if providerID == "" {
		return Message{}, ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.rows {
		if m.ProviderMessageID == providerID {
			return m.Clone(), nil
		}
	}
	return Message{}, ErrNotFound
}

func (r *MemoryRepo) Mutate(ctx context.Context, id string, fn Mutation) (Transition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.rows[id]
	if !ok {
		return Transition{}, ErrNotFound
	}
	next, changed := fn(cur.Clone())
	if !changed {
		return Transition{Before: cur.Clone(), After: cur.Clone()}, nil
	}
	if next.ProviderMessageID != "" && next.ProviderMessageID != cur.ProviderMessageID {
		for otherID, other := range r.rows {
			if otherID != id && other.ProviderMessageID == next.ProviderMessageID {
				return Transition{}, ErrDuplicate
			}
		}
	}
	next.ID = cur.ID
	next.Version = cur.Version + 1
	r.rows[id] = next.Clone()
	return Transition{Before: cur.Clone(), After: next.Clone(), Changed: true}, nil
}

func (r *MemoryRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]Message, error) {
	return r.list(limit, func(m Message) bool {
		return m.Direction == DirectionOutbound && m.Status == StatusQueued &&
			m.ProviderMessageID == "" && m.Attempts == 0 && !m.DueAt().After(now)
	}), nil
}

func (r *MemoryRepo) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]Message, error) {
	return r.list(limit, func(m Message) bool {
		return m.Direction == DirectionOutbound && m.ProviderMessageID == "" &&
			(m.Status == StatusQueued || m.Status == StatusSending) && !m.DueAt().After(cutoff) &&
			// a sending row claimed after cutoff is still in flight
			(m.Status == StatusQueued || !m.UpdatedAt.After(cutoff))
	}), nil
}

func (r *MemoryRepo) list(limit int, match func(Message) bool) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	for _, m := range r.rows {
		if match(m) {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueAt().Equal(out[j].DueAt()) {
			return out[i].DueAt().Before(out[j].DueAt())
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *MemoryRepo) ListByContact(ctx context.Context, workspaceID, contactKey string, limit int) ([]Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	for _, m := range r.rows {
		if m.WorkspaceID == workspaceID && m.ContactKey == contactKey {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
