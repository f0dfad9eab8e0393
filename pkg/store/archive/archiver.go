package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/xdomain/pkg/evaluator"
	"github.com/Mindburn-Labs/xdomain/pkg/store/ledger"
)

// Archiver copies every terminal execution record into a Store and
// remembers the content address per execution.
type Archiver struct {
	store  Store
	mu     sync.RWMutex
	index  map[uint64]string
	logger *slog.Logger
}

func NewArchiver(store Store) *Archiver {
	return &Archiver{
		store:  store,
		index:  make(map[uint64]string),
		logger: slog.Default().With("component", "archive"),
	}
}

// Admission is a no-op; only results are archived.
func (a *Archiver) Admission(context.Context, string, uint64, evaluator.DenyCode) {}

// Result archives a terminal record. Failures are logged and do not
// affect settlement.
func (a *Archiver) Result(ctx context.Context, rec ledger.Record) {
	if _, err := a.Archive(ctx, rec); err != nil {
		a.logger.WarnContext(ctx, "archive failed", "execution_id", rec.ExecutionID, "error", err)
	}
}

// Archive stores rec in canonical JSON form and returns its address.
func (a *Archiver) Archive(ctx context.Context, rec ledger.Record) (string, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal record %d: %w", rec.ExecutionID, err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize record %d: %w", rec.ExecutionID, err)
	}
	hash, err := a.store.Put(ctx, canonical)
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	a.index[rec.ExecutionID] = hash
	a.mu.Unlock()
	return hash, nil
}

// Lookup returns the address archived for an execution.
func (a *Archiver) Lookup(id uint64) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	h, ok := a.index[id]
	return h, ok
}

// Load fetches an archived record by address.
func (a *Archiver) Load(ctx context.Context, hash string) (ledger.Record, error) {
	data, err := a.store.Get(ctx, hash)
	if err != nil {
		return ledger.Record{}, err
	}
	var rec ledger.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return ledger.Record{}, fmt.Errorf("decode archived record: %w", err)
	}
	return rec, nil
}
