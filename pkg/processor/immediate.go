package processor

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/xdomain/pkg/backend"
	"github.com/Mindburn-Labs/xdomain/pkg/contracts"
)

// ImmediateEngine executes each batch once, synchronously, when it arrives.
// It keeps no queue: there is no retry, no callback confirmation and no owner
// queue surgery. Ticking it does nothing.
type ImmediateEngine struct {
	domain string
	exec   executor
	sink   CallbackSink
	cfg    settings

	mu     sync.Mutex
	paused bool
	known  map[uint64]struct{}
}

// NewImmediateEngine creates a lite engine for domain.
func NewImmediateEngine(domain string, be backend.Backend, sink CallbackSink, opts ...Option) *ImmediateEngine {
	cfg := defaults(domain)
	for _, opt := range opts {
		opt(&cfg)
	}
	return &ImmediateEngine{
		domain: domain,
		exec:   executor{backend: be, predicate: cfg.predicate},
		sink:   sink,
		cfg:    cfg,
		known:  make(map[uint64]struct{}),
	}
}

func (e *ImmediateEngine) Domain() string { return e.domain }

// Enqueue runs the batch to completion and delivers its result before
// returning. A paused engine rejects the batch.
func (e *ImmediateEngine) Enqueue(ctx context.Context, batch contracts.MessageBatch) error {
	if err := validateBatch(e.domain, batch); err != nil {
		return err
	}
	ctx, done := e.cfg.tracker.TrackOperation(ctx, "processor.execute", attribute.String("domain", e.domain))

	e.mu.Lock()
	if _, dup := e.known[batch.ID]; dup {
		e.mu.Unlock()
		err := fmt.Errorf("%w: %d", ErrDuplicateBatch, batch.ID)
		done(err)
		return err
	}
	e.known[batch.ID] = struct{}{}
	res := e.run(ctx, batch)
	e.mu.Unlock()

	e.cfg.logger.InfoContext(ctx, "execution finished", "execution_id", batch.ID, "label", batch.Label, "result", res.String())
	err := e.sink.Deliver(ctx, contracts.NewCallback(batch.ID, e.domain, res))
	done(err)
	if err != nil {
		return fmt.Errorf("deliver result: %w", err)
	}
	return nil
}

func (e *ImmediateEngine) run(ctx context.Context, b contracts.MessageBatch) contracts.ExecutionResult {
	if e.paused {
		return contracts.Rejected("processor paused")
	}
	if b.ExpirationTime.Reached(e.cfg.clock.Now()) {
		return contracts.Expired(0)
	}
	for _, fn := range b.Subroutine.Functions {
		if fn.Callback != nil {
			return contracts.Rejected("callback confirmations are not supported by this processor")
		}
	}

	if b.Subroutine.Kind == contracts.Atomic {
		out := e.exec.runAtomic(ctx, b)
		switch {
		case out.err != nil:
			return contracts.UnexpectedError(out.err.Error())
		case !out.ok:
			return contracts.Rejected(out.reason)
		}
		res := contracts.Success()
		res.ExecutedCount = len(b.Messages)
		return res
	}

	for i := range b.Messages {
		out := e.exec.runStep(ctx, b, i)
		switch {
		case out.err != nil:
			res := contracts.UnexpectedError(out.err.Error())
			res.ExecutedCount = i
			return res
		case !out.ok && i > 0:
			return contracts.PartiallyExecuted(i, out.reason)
		case !out.ok:
			return contracts.Rejected(out.reason)
		}
	}
	res := contracts.Success()
	res.ExecutedCount = len(b.Messages)
	return res
}

// Tick is a no-op: batches never wait in an immediate engine.
func (e *ImmediateEngine) Tick(context.Context) (TickReport, error) {
	return TickReport{Outcome: OutcomeIdle}, nil
}

func (e *ImmediateEngine) Pause(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = true
	e.cfg.logger.InfoContext(ctx, "processor paused")
}

func (e *ImmediateEngine) Resume(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = false
	e.cfg.logger.InfoContext(ctx, "processor resumed")
}

func (e *ImmediateEngine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

func (e *ImmediateEngine) Confirm(context.Context, uint64, string, []byte) error {
	return ErrUnsupported
}

func (e *ImmediateEngine) InsertAt(context.Context, contracts.Priority, int, contracts.MessageBatch) error {
	return ErrUnsupported
}

func (e *ImmediateEngine) EvictAt(context.Context, contracts.Priority, int) (uint64, error) {
	return 0, ErrUnsupported
}

func (e *ImmediateEngine) EvictAwaiting(context.Context, uint64) error {
	return ErrUnsupported
}

func (e *ImmediateEngine) Snapshot(contracts.Priority) []contracts.MessageBatch { return nil }

func (e *ImmediateEngine) Awaiting() []contracts.MessageBatch { return nil }
