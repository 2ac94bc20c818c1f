package settings

import (
	"context"
	"database/sql"
	"errors"
	"sync"
)

// ContactResolver maps a counterparty address (E.164 number or email) to the
// dashboard's contact key within a workspace. Implementations return
// ErrNotFound when the address is unknown.
type ContactResolver interface {
	ResolveContact(ctx context.Context, workspaceID, address string) (string, error)
}

// MemoryContacts is a map-backed resolver.
type MemoryContacts struct {
	mu   sync.RWMutex
	keys map[string]string
}

func NewMemoryContacts() *MemoryContacts { return &MemoryContacts{keys: map[string]string{}} }

func (m *MemoryContacts) Put(workspaceID, address, contactKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[workspaceID+"|"+address] = contactKey
}

func (m *MemoryContacts) ResolveContact(ctx context.Context, workspaceID, address string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[workspaceID+"|"+address]
	if !ok {
		return "", ErrNotFound
	}
	return k, nil
}

// PostgresContacts reads the contact_addresses table maintained by the dashboard.
type PostgresContacts struct {
	db *sql.DB
}

func NewPostgresContacts(db *sql.DB) *PostgresContacts { return &PostgresContacts{db: db} }

func (p *PostgresContacts) ResolveContact(ctx context.Context, workspaceID, address string) (string, error) {
	if workspaceID == "" || address == "" {
		return "", ErrNotFound
	}
	var key string
	err := p.db.QueryRowContext(ctx,
		`SELECT contact_key FROM contact_addresses WHERE workspace_id = $1 AND address = $2 LIMIT 1`,
		workspaceID, address,
	).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return key, err
}

// ResolveOrAddress returns the resolved contact key, or the address itself
// when no resolver is configured or the address is unknown. Lookup errors
// other than ErrNotFound are returned with the address fallback.
func ResolveOrAddress(ctx context.Context, r ContactResolver, workspaceID, address string) (string, error) {
	if address == "" {
		return "", nil
	}
	if r == nil {
		return address, nil
	}
	key, err := r.ResolveContact(ctx, workspaceID, address)
	switch {
	case err == nil && key != "":
		return key, nil
	case err == nil, errors.Is(err, ErrNotFound):
		return address, nil
	default:
		return address, err
	}
}
