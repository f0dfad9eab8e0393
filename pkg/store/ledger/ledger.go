// Package ledger is the authorization side's callback ledger: one record per
// execution id, holding what was dispatched and the latest result. A record
// takes a terminal result exactly once.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/Mindburn-Labs/xdomain/pkg/contracts"
)

var (
	ErrNotFound        = errors.New("execution not found")
	ErrDuplicate       = errors.New("execution id already recorded")
	ErrAlreadyTerminal = errors.New("execution already has a terminal result")
)

// Record is the ledger entry of one execution id.
type Record struct {
	ExecutionID    uint64                    `json:"execution_id"`
	Initiator      string                    `json:"initiator"`
	Domain         string                    `json:"domain"`
	Label          string                    `json:"label"`
	Messages       []contracts.Message       `json:"messages"`
	TTL            contracts.Bound           `json:"ttl"`
	Result         contracts.ExecutionResult `json:"result"`
	CredentialHeld bool                      `json:"credential_held"`
	ErrorData      []byte                    `json:"error_data,omitempty"`
	CreatedAt      time.Time                 `json:"created_at"`
	UpdatedAt      time.Time                 `json:"updated_at"`
}

// Terminal reports whether the record carries its final result.
func (r Record) Terminal() bool { return r.Result.IsTerminal() }

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Label     string
	Initiator string
	OpenOnly  bool
	Limit     int
}

// Ledger persists execution records.
type Ledger interface {
	// Create stores a new record with an InProcess result.
	Create(ctx context.Context, rec Record) error

	Get(ctx context.Context, id uint64) (Record, error)

	// UpdateResult replaces the result of a non-terminal record and returns
	// the updated record.
	UpdateResult(ctx context.Context, id uint64, res contracts.ExecutionResult, errorData []byte) (Record, error)

	// ReleaseCredential clears CredentialHeld once the escrowed unit has been
	// burned or refunded.
	ReleaseCredential(ctx context.Context, id uint64) error

	// SetTTL moves the bridge deadline of a non-terminal record.
	SetTTL(ctx context.Context, id uint64, ttl contracts.Bound) error

	// InFlight counts the non-terminal records of a label. Records parked on
	// a confirmation are counted only when countAwaiting is set.
	InFlight(ctx context.Context, label string, countAwaiting bool) (int, error)

	List(ctx context.Context, f Filter) ([]Record, error)

	// LastID is the highest recorded execution id, zero when empty.
	LastID(ctx context.Context) (uint64, error)
}

func inFlight(r Record, label string, countAwaiting bool) bool {
	if r.Label != label || r.Terminal() {
		return false
	}
	return countAwaiting || !r.Result.AwaitingConfirmation
}

func (f Filter) match(r Record) bool {
	if f.Label != "" && r.Label != f.Label {
		return false
	}
	if f.Initiator != "" && r.Initiator != f.Initiator {
		return false
	}
	return !f.OpenOnly || !r.Terminal()
}
