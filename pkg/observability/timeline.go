package observability

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/xdomain/pkg/evaluator"
	"github.com/Mindburn-Labs/xdomain/pkg/store/ledger"
)

// EntryType categorizes timeline entries.
type EntryType string

const (
	EntryAccepted EntryType = "ACCEPTED"
	EntryRejected EntryType = "REJECTED"
	EntryResult   EntryType = "RESULT"
)

// TimelineEntry is one event in the life of an execution.
type TimelineEntry struct {
	EntryID     string         `json:"entry_id"`
	Type        EntryType      `json:"type"`
	ExecutionID uint64         `json:"execution_id,omitempty"`
	Label       string         `json:"label"`
	Timestamp   time.Time      `json:"timestamp"`
	Summary     string         `json:"summary"`
	ContentHash string         `json:"content_hash"`
	Details     map[string]any `json:"details,omitempty"`
}

// TimelineQuery filters entries. Zero fields match everything.
type TimelineQuery struct {
	ExecutionID uint64     `json:"execution_id,omitempty"`
	Label       string     `json:"label,omitempty"`
	Type        EntryType  `json:"type,omitempty"`
	After       *time.Time `json:"after,omitempty"`
	Before      *time.Time `json:"before,omitempty"`
	Limit       int        `json:"limit,omitempty"`
}

// Timeline keeps an in-memory, queryable history of admissions and results.
// Rejected requests carry no execution id.
type Timeline struct {
	mu      sync.RWMutex
	entries []TimelineEntry
	index   map[uint64][]int
	seq     int64
	clock   func() time.Time
}

func NewTimeline() *Timeline {
	return &Timeline{
		index: make(map[uint64][]int),
		clock: time.Now,
	}
}

// WithClock overrides clock for testing.
func (t *Timeline) WithClock(clock func() time.Time) *Timeline {
	t.clock = clock
	return t
}

// Record appends an entry, stamping id, time and a hash of its details.
func (t *Timeline) Record(entry TimelineEntry) error {
	raw, err := json.Marshal(entry.Details)
	if err != nil {
		return err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return fmt.Errorf("canonicalize details: %w", err)
	}
	h := sha256.Sum256(canonical)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	if entry.EntryID == "" {
		entry.EntryID = fmt.Sprintf("tl-%d", t.seq)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = t.clock()
	}
	entry.ContentHash = "sha256:" + hex.EncodeToString(h[:])

	t.entries = append(t.entries, entry)
	if entry.ExecutionID != 0 {
		t.index[entry.ExecutionID] = append(t.index[entry.ExecutionID], len(t.entries)-1)
	}
	return nil
}

// Query returns matching entries ordered by time.
func (t *Timeline) Query(q TimelineQuery) []TimelineEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var candidates []TimelineEntry
	if q.ExecutionID != 0 {
		for _, i := range t.index[q.ExecutionID] {
			candidates = append(candidates, t.entries[i])
		}
	} else {
		candidates = t.entries
	}

	var results []TimelineEntry
	for _, e := range candidates {
		if q.Label != "" && e.Label != q.Label {
			continue
		}
		if q.Type != "" && e.Type != q.Type {
			continue
		}
		if q.After != nil && e.Timestamp.Before(*q.After) {
			continue
		}
		if q.Before != nil && e.Timestamp.After(*q.Before) {
			continue
		}
		results = append(results, e)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Timestamp.Before(results[j].Timestamp)
	})
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results
}

// Count returns total entries.
func (t *Timeline) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Admission records an admission decision. An empty code means accepted.
func (t *Timeline) Admission(_ context.Context, label string, id uint64, code evaluator.DenyCode) {
	e := TimelineEntry{Type: EntryAccepted, ExecutionID: id, Label: label, Summary: "execution accepted"}
	if code != "" {
		e.Type = EntryRejected
		e.Summary = "request rejected"
		e.Details = map[string]any{"code": string(code)}
	}
	_ = t.Record(e)
}

// Result records a terminal execution result.
func (t *Timeline) Result(_ context.Context, rec ledger.Record) {
	_ = t.Record(TimelineEntry{
		Type:        EntryResult,
		ExecutionID: rec.ExecutionID,
		Label:       rec.Label,
		Summary:     rec.Result.String(),
		Details: map[string]any{
			"domain":          rec.Domain,
			"kind":            string(rec.Result.Kind),
			"executed":        rec.Result.ExecutedCount,
			"credential_held": rec.CredentialHeld,
		},
	})
}
