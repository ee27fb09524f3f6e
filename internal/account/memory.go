package account

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process account store used by tests and
// single-node trials.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*Account)}
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *acct
	return &cp, nil
}

func (s *MemoryStore) Put(_ context.Context, acct *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *acct
	now := time.Now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.accounts[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) SetStatus(_ context.Context, id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	acct.Status = status
	acct.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) SetSyncCursor(_ context.Context, id string, cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	acct.SyncCursor = cursor
	acct.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) RecordSend(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	acct.LastSentAt = at
	acct.TotalSent++
	acct.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Account, 0, len(s.accounts))
	for _, acct := range s.accounts {
		cp := *acct
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[id]; !ok {
		return ErrNotFound
	}
	delete(s.accounts, id)
	return nil
}
