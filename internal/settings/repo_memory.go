package settings

import (
	"context"
	"sync"
)

// MemoryRepo is an in-memory Reader for tests and local runs.
type MemoryRepo struct {
	mu    sync.RWMutex
	users map[string]VoIP
}

func NewMemoryRepo(rows ...VoIP) *MemoryRepo {
	r := &MemoryRepo{users: map[string]VoIP{}}
	for _, v := range rows {
		r.Put(v)
	}
	return r
}

func (r *MemoryRepo) Put(v VoIP) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[v.UserID] = v
}

func (r *MemoryRepo) ForUser(ctx context.Context, userID string) (VoIP, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.users[userID]
	if !ok {
		return VoIP{}, ErrNotFound
	}
	return v, nil
}

func (r *MemoryRepo) ForNumber(ctx context.Context, number string) (VoIP, error) {
	return r.find(func(v VoIP) bool { return number != "" && v.AssignedNumber == number })
}

func (r *MemoryRepo) ForIdentity(ctx context.Context, identity string) (VoIP, error) {
	return r.find(func(v VoIP) bool { return identity != "" && v.ClientIdentity == identity })
}

func (r *MemoryRepo) find(match func(VoIP) bool) (VoIP, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, v := range r.users {
		if match(v) {
			return v, nil
		}
	}
	return VoIP{}, ErrNotFound
}
