package identity

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-process Store used for tests and single-node
// development deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	logins  map[string]string
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		logins:  make(map[string]string),
	}
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) FindByLogin(ctx context.Context, login string) (*Record, error) {
	m.mu.RLock()
	id, ok := m.logins[NormalizeLogin(login)]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) Create(_ context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = NewID()
	}
	keys := loginKeys(rec)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ID]; ok {
		return fmt.Errorf("%s: %w", rec.ID, ErrExists)
	}
	for _, k := range keys {
		if _, ok := m.logins[k]; ok {
			return fmt.Errorf("%s: %w", k, ErrExists)
		}
	}
	m.records[rec.ID] = rec.Clone()
	for _, k := range keys {
		m.logins[k] = rec.ID
	}
	return nil
}

func (m *MemoryStore) UpdateTOTP(_ context.Context, id string, fn func(*TOTPSecret) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	next := rec.TOTP.clone()
	if err := fn(&next); err != nil {
		return err
	}
	rec.TOTP = next
	return nil
}

func (m *MemoryStore) Close() error { return nil }

func loginKeys(rec *Record) []string {
	var keys []string
	if rec.Email != "" {
		keys = append(keys, NormalizeLogin(rec.Email))
	}
	if rec.Username != "" {
		if u := NormalizeLogin(rec.Username); len(keys) == 0 || keys[0] != u {
			keys = append(keys, u)
		}
	}
	return keys
}
