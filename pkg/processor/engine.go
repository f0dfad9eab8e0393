// Package processor implements the per-domain execution engine: priority
// queues of message batches advanced one step per tick, with atomic and
// non-atomic execution, retries, callback confirmations and expiration.
package processor

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/xdomain/pkg/backend"
	"github.com/Mindburn-Labs/xdomain/pkg/contracts"
)

var (
	ErrUnsupported      = errors.New("operation not supported by this engine")
	ErrDuplicateBatch   = errors.New("execution id already known to this engine")
	ErrInvalidBatch     = errors.New("invalid message batch")
	ErrPosition         = errors.New("queue position out of range")
	ErrUnknownExecution = errors.New("execution id is not awaiting confirmation")
	ErrUnauthorized     = errors.New("caller is not authorized")
)

// Outcome names what a tick did.
type Outcome string

const (
	OutcomeIdle           Outcome = "idle"
	OutcomePaused         Outcome = "paused"
	OutcomeRotated        Outcome = "rotated"
	OutcomeRetryScheduled Outcome = "retry_scheduled"
	OutcomeAdvanced       Outcome = "advanced"
	OutcomeAwaiting       Outcome = "awaiting_confirmation"
	OutcomeCompleted      Outcome = "completed"
)

// TickReport describes one tick.
type TickReport struct {
	Outcome     Outcome                    `json:"outcome"`
	ExecutionID uint64                     `json:"execution_id,omitempty"`
	Priority    contracts.Priority         `json:"priority,omitempty"`
	Result      *contracts.ExecutionResult `json:"result,omitempty"`
}

// Engine is a domain's execution engine.
type Engine interface {
	Domain() string
	Enqueue(ctx context.Context, batch contracts.MessageBatch) error
	Tick(ctx context.Context) (TickReport, error)
	Pause(ctx context.Context)
	Resume(ctx context.Context)
	Paused() bool
	Confirm(ctx context.Context, id uint64, sender string, payload []byte) error
	InsertAt(ctx context.Context, priority contracts.Priority, position int, batch contracts.MessageBatch) error
	EvictAt(ctx context.Context, priority contracts.Priority, position int) (uint64, error)
	EvictAwaiting(ctx context.Context, id uint64) error
	Snapshot(priority contracts.Priority) []contracts.MessageBatch
	Awaiting() []contracts.MessageBatch
}

// CallbackSink receives the results an engine emits.
type CallbackSink interface {
	Deliver(ctx context.Context, cb contracts.Callback) error
}

// SinkFunc adapts a function to CallbackSink.
type SinkFunc func(ctx context.Context, cb contracts.Callback) error

func (f SinkFunc) Deliver(ctx context.Context, cb contracts.Callback) error { return f(ctx, cb) }

// Tracker records spans and RED metrics for engine operations.
type Tracker interface {
	TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error))
}

type noopTracker struct{}

func (noopTracker) TrackOperation(ctx context.Context, _ string, _ ...attribute.KeyValue) (context.Context, func(error)) {
	return ctx, func(error) {}
}

// Option configures an engine.
type Option func(*settings)

type settings struct {
	clock     contracts.Clock
	predicate backend.SuccessPredicate
	tracker   Tracker
	logger    *slog.Logger
}

func defaults(domain string) settings {
	return settings{
		clock:     contracts.SystemClock{},
		predicate: backend.ExistenceCheckedPredicate,
		tracker:   noopTracker{},
		logger:    slog.Default().With("component", "processor", "domain", domain),
	}
}

// WithClock sets the domain time reference.
func WithClock(c contracts.Clock) Option { return func(s *settings) { s.clock = c } }

// WithPredicate sets how call results are judged.
func WithPredicate(p backend.SuccessPredicate) Option { return func(s *settings) { s.predicate = p } }

// WithTracker sets the telemetry tracker.
func WithTracker(t Tracker) Option { return func(s *settings) { s.tracker = t } }

// WithLogger overrides the engine logger.
func WithLogger(l *slog.Logger) Option { return func(s *settings) { s.logger = l } }

func validateBatch(domain string, b contracts.MessageBatch) error {
	if err := b.Subroutine.Validate(); err != nil {
		return errors.Join(ErrInvalidBatch, err)
	}
	if b.Domain() != domain {
		return errors.Join(ErrInvalidBatch, errors.New("batch targets domain "+b.Domain()))
	}
	if len(b.Messages) != len(b.Subroutine.Functions) {
		return errors.Join(ErrInvalidBatch, errors.New("message count does not match subroutine"))
	}
	if b.Cursor < 0 || b.Cursor >= len(b.Messages) {
		return errors.Join(ErrInvalidBatch, errors.New("cursor out of range"))
	}
	return nil
}
