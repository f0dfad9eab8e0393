package policy

import (
	"context"
	"sort"
	"sync"
)

// Store is the authorization table.
type Store interface {
	Get(ctx context.Context, label string) (Authorization, error)
	List(ctx context.Context) ([]Authorization, error)
	Create(ctx context.Context, a Authorization) error
	Modify(ctx context.Context, m Modification) (Authorization, error)
	SetState(ctx context.Context, label string, state State) error
}

// MemoryStore implements Store in memory.
// Thread-safe via RWMutex; entries are copied in and out.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Authorization
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Authorization)}
}

func (s *MemoryStore) Get(_ context.Context, label string) (Authorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.entries[NormalizeLabel(label)]
	if !ok {
		return Authorization{}, ErrNotFound
	}
	return a.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context) ([]Authorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Authorization, 0, len(s.entries))
	for _, a := range s.entries {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out, nil
}

// Create validates and inserts a new authorization. Labels are unique.
func (s *MemoryStore) Create(_ context.Context, a Authorization) error {
	a = a.WithDefaults()
	if err := a.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[a.Label]; exists {
		return ErrDuplicateLabel
	}
	s.entries[a.Label] = a.Clone()
	return nil
}

func (s *MemoryStore) Modify(_ context.Context, m Modification) (Authorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	label := NormalizeLabel(m.Label)
	cur, ok := s.entries[label]
	if !ok {
		return Authorization{}, ErrNotFound
	}
	next, err := m.Apply(cur)
	if err != nil {
		return Authorization{}, err
	}
	s.entries[label] = next
	return next.Clone(), nil
}

func (s *MemoryStore) SetState(_ context.Context, label string, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	label = NormalizeLabel(label)
	cur, ok := s.entries[label]
	if !ok {
		return ErrNotFound
	}
	cur.State = state
	if err := cur.Validate(); err != nil {
		return err
	}
	s.entries[label] = cur
	return nil
}
