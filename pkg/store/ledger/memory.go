package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/xdomain/pkg/contracts"
)

// MemoryLedger keeps records in process.
type MemoryLedger struct {
	mu      sync.RWMutex
	records map[uint64]Record
	now     func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: make(map[uint64]Record), now: time.Now}
}

func cloneRecord(r Record) Record {
	r.Messages = contracts.CloneMessages(r.Messages)
	r.ErrorData = append([]byte(nil), r.ErrorData...)
	return r
}

func (l *MemoryLedger) Create(_ context.Context, rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.records[rec.ExecutionID]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicate, rec.ExecutionID)
	}
	now := l.now().UTC()
	rec = cloneRecord(rec)
	if rec.Result.Kind == "" {
		rec.Result = contracts.InProcess()
	}
	rec.CreatedAt, rec.UpdatedAt = now, now
	l.records[rec.ExecutionID] = rec
	return nil
}

func (l *MemoryLedger) Get(_ context.Context, id uint64) (Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return cloneRecord(r), nil
}

func (l *MemoryLedger) UpdateResult(_ context.Context, id uint64, res contracts.ExecutionResult, errorData []byte) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if r.Terminal() {
		return Record{}, fmt.Errorf("%w: %d", ErrAlreadyTerminal, id)
	}
	r.Result = res
	r.ErrorData = append([]byte(nil), errorData...)
	r.UpdatedAt = l.now().UTC()
	l.records[id] = r
	return cloneRecord(r), nil
}

func (l *MemoryLedger) SetTTL(_ context.Context, id uint64, ttl contracts.Bound) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if r.Terminal() {
		return fmt.Errorf("%w: %d", ErrAlreadyTerminal, id)
	}
	r.TTL = ttl
	r.UpdatedAt = l.now().UTC()
	l.records[id] = r
	return nil
}

func (l *MemoryLedger) ReleaseCredential(_ context.Context, id uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	r.CredentialHeld = false
	r.UpdatedAt = l.now().UTC()
	l.records[id] = r
	return nil
}

func (l *MemoryLedger) InFlight(_ context.Context, label string, countAwaiting bool) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, r := range l.records {
		if inFlight(r, label, countAwaiting) {
			n++
		}
	}
	return n, nil
}

func (l *MemoryLedger) List(_ context.Context, f Filter) ([]Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Record, 0)
	for _, r := range l.records {
		if f.match(r) {
			out = append(out, cloneRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutionID < out[j].ExecutionID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (l *MemoryLedger) LastID(_ context.Context) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var max uint64
	for id := range l.records {
		if id > max {
			max = id
		}
	}
	return max, nil
}
