package credential

import (
	"context"
	"sync"
)

type account struct {
	free, held uint64
}

// MemoryStore implements Store in memory.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]*account
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*account)}
}

func (s *MemoryStore) acct(label, holder string) *account {
	k := key(label, holder)
	a, ok := s.accounts[k]
	if !ok {
		a = &account{}
		s.accounts[k] = a
	}
	return a
}

func (s *MemoryStore) Balance(_ context.Context, label, holder string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acct(label, holder).free, nil
}

func (s *MemoryStore) Held(_ context.Context, label, holder string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acct(label, holder).held, nil
}

func (s *MemoryStore) Mint(_ context.Context, label, holder string, amount uint64) error {
	if amount == 0 {
		return ErrZeroAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acct(label, holder).free += amount
	return nil
}

func (s *MemoryStore) Hold(_ context.Context, label, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.acct(label, holder)
	if a.free == 0 {
		return ErrInsufficient
	}
	a.free--
	a.held++
	return nil
}

func (s *MemoryStore) Burn(_ context.Context, label, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.acct(label, holder)
	if a.held == 0 {
		return ErrNoHold
	}
	a.held--
	return nil
}

func (s *MemoryStore) Refund(_ context.Context, label, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.acct(label, holder)
	if a.held == 0 {
		return ErrNoHold
	}
	a.held--
	a.free++
	return nil
}

func key(label, holder string) string {
	return "credential:" + label + ":" + holder
}
