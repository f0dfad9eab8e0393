package processor

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/xdomain/pkg/backend"
	"github.com/Mindburn-Labs/xdomain/pkg/contracts"
	"github.com/Mindburn-Labs/xdomain/pkg/retry"
)

// QueueingEngine is the full execution engine. All mutations happen under
// one mutex, so a domain processes at most one batch step at a time.
// Callbacks are delivered after the mutex is released, in emission order;
// undeliverable callbacks stay in an outbox and are retried on later calls.
type QueueingEngine struct {
	domain string
	exec   executor
	sink   CallbackSink
	cfg    settings

	mu       sync.Mutex
	paused   bool
	queues   queues
	awaiting map[uint64]contracts.MessageBatch
	known    map[uint64]struct{}
	outbox   []contracts.Callback

	deliverMu sync.Mutex
}

// NewQueueingEngine creates an engine for domain executing on be and
// reporting results to sink.
func NewQueueingEngine(domain string, be backend.Backend, sink CallbackSink, opts ...Option) *QueueingEngine {
	cfg := defaults(domain)
	for _, opt := range opts {
		opt(&cfg)
	}
	return &QueueingEngine{
		domain:   domain,
		exec:     executor{backend: be, predicate: cfg.predicate},
		sink:     sink,
		cfg:      cfg,
		awaiting: make(map[uint64]contracts.MessageBatch),
		known:    make(map[uint64]struct{}),
	}
}

func (e *QueueingEngine) Domain() string { return e.domain }

// Enqueue appends a batch to the tail of its priority level.
func (e *QueueingEngine) Enqueue(ctx context.Context, batch contracts.MessageBatch) error {
	if err := validateBatch(e.domain, batch); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.known[batch.ID]; dup {
		return fmt.Errorf("%w: %d", ErrDuplicateBatch, batch.ID)
	}
	batch = batch.Clone()
	batch.Priority = batch.Priority.OrDefault()
	e.known[batch.ID] = struct{}{}
	e.queues.level(batch.Priority).push(batch)
	e.cfg.logger.DebugContext(ctx, "batch enqueued", "execution_id", batch.ID, "label", batch.Label, "priority", batch.Priority)
	return nil
}

// Tick advances the queues by one step. Ticking a paused or empty engine is
// a no-op.
func (e *QueueingEngine) Tick(ctx context.Context) (TickReport, error) {
	ctx, done := e.cfg.tracker.TrackOperation(ctx, "processor.tick", attribute.String("domain", e.domain))
	e.mu.Lock()
	rep := e.tickLocked(ctx)
	e.mu.Unlock()
	e.flush(ctx)
	done(nil)
	return rep, nil
}

func (e *QueueingEngine) tickLocked(ctx context.Context) TickReport {
	if e.paused {
		return TickReport{Outcome: OutcomePaused}
	}
	b, ok := e.queues.next()
	if !ok {
		return TickReport{Outcome: OutcomeIdle}
	}
	now := e.cfg.clock.Now()
	rep := TickReport{ExecutionID: b.ID, Priority: b.Priority}

	if b.ExpirationTime.Reached(now) {
		return e.finish(ctx, b, contracts.Expired(b.ExecutedCount()), rep)
	}
	if b.Retry != nil && !b.Retry.NextEligible.IsZero() && !b.Retry.NextEligible.Reached(now) {
		e.queues.level(b.Priority).push(b)
		rep.Outcome = OutcomeRotated
		return rep
	}

	if b.Subroutine.Kind == contracts.Atomic {
		out := e.exec.runAtomic(ctx, b)
		switch {
		case out.err != nil:
			return e.finish(ctx, b, contracts.UnexpectedError(out.err.Error()), rep)
		case out.ok:
			return e.finish(ctx, b, e.success(b), rep)
		default:
			return e.failAttempt(ctx, b, b.Subroutine.RetryPolicy, out.reason, now, rep)
		}
	}

	i := b.Cursor
	fn := b.Subroutine.Functions[i]
	out := e.exec.runStep(ctx, b, i)
	switch {
	case out.err != nil:
		res := contracts.UnexpectedError(out.err.Error())
		res.ExecutedCount = b.Cursor
		return e.finish(ctx, b, res, rep)
	case !out.ok:
		return e.failAttempt(ctx, b, fn.RetryPolicy, out.reason, now, rep)
	case fn.Callback != nil:
		b.Pending = &contracts.PendingConfirmation{
			FunctionIndex: i,
			Sender:        fn.Callback.Sender,
			Payload:       append([]byte(nil), fn.Callback.Payload...),
		}
		e.awaiting[b.ID] = b
		e.outbox = append(e.outbox, contracts.NewCallback(b.ID, e.domain, contracts.AwaitingConfirmation(b.Cursor)))
		rep.Outcome = OutcomeAwaiting
		e.cfg.logger.InfoContext(ctx, "awaiting confirmation", "execution_id", b.ID, "function", i, "sender", fn.Callback.Sender)
		return rep
	default:
		return e.advance(ctx, b, rep)
	}
}

func (e *QueueingEngine) success(b contracts.MessageBatch) contracts.ExecutionResult {
	res := contracts.Success()
	res.ExecutedCount = len(b.Messages)
	return res
}

// advance moves a non-atomic batch past its current function.
func (e *QueueingEngine) advance(ctx context.Context, b contracts.MessageBatch, rep TickReport) TickReport {
	b.Cursor++
	b.Retry = nil
	b.Pending = nil
	if b.Cursor == len(b.Messages) {
		return e.finish(ctx, b, e.success(b), rep)
	}
	e.queues.level(b.Priority).push(b)
	rep.Outcome = OutcomeAdvanced
	return rep
}

// failAttempt consumes one retry or terminates the batch.
func (e *QueueingEngine) failAttempt(ctx context.Context, b contracts.MessageBatch, policy *contracts.RetryPolicy, reason string, now contracts.BlockInfo, rep TickReport) TickReport {
	used := 0
	if b.Retry != nil {
		used = b.Retry.Attempts
	}
	if policy.CanRetry(used) {
		params := retry.BackoffParams{Label: b.Label, ExecutionID: b.ID, FunctionIndex: b.Cursor, AttemptIndex: used}
		b.Retry = &contracts.RetryState{
			Attempts:     used + 1,
			NextEligible: retry.NextEligible(policy.Interval, params, now),
		}
		e.queues.level(b.Priority).push(b)
		rep.Outcome = OutcomeRetryScheduled
		e.cfg.logger.InfoContext(ctx, "attempt failed, retry scheduled",
			"execution_id", b.ID, "attempt", used+1, "reason", reason)
		return rep
	}
	if b.Subroutine.Kind == contracts.NonAtomic && b.Cursor > 0 {
		return e.finish(ctx, b, contracts.PartiallyExecuted(b.Cursor, reason), rep)
	}
	return e.finish(ctx, b, contracts.Rejected(reason), rep)
}

func (e *QueueingEngine) finish(ctx context.Context, b contracts.MessageBatch, res contracts.ExecutionResult, rep TickReport) TickReport {
	e.outbox = append(e.outbox, contracts.NewCallback(b.ID, e.domain, res))
	rep.Outcome = OutcomeCompleted
	rep.Result = &res
	e.cfg.logger.InfoContext(ctx, "execution finished", "execution_id", b.ID, "label", b.Label, "result", res.String())
	return rep
}

// flush delivers queued callbacks in order, stopping at the first failure.
func (e *QueueingEngine) flush(ctx context.Context) {
	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()
	for {
		e.mu.Lock()
		if len(e.outbox) == 0 {
			e.mu.Unlock()
			return
		}
		cb := e.outbox[0]
		e.mu.Unlock()

		if err := e.sink.Deliver(ctx, cb); err != nil {
			e.cfg.logger.WarnContext(ctx, "callback delivery failed, will retry", "execution_id", cb.ExecutionID, "error", err)
			return
		}

		e.mu.Lock()
		e.outbox = e.outbox[1:]
		e.mu.Unlock()
	}
}

// Pending reports how many callbacks await delivery.
func (e *QueueingEngine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.outbox)
}

func (e *QueueingEngine) Pause(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = true
	e.cfg.logger.InfoContext(ctx, "processor paused")
}

func (e *QueueingEngine) Resume(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = false
	e.cfg.logger.InfoContext(ctx, "processor resumed")
}

func (e *QueueingEngine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Confirm resolves a batch parked on a callback confirmation. A confirmation
// from the expected sender with the expected payload completes the function;
// anything else counts as a failed attempt of it. A batch whose expiration
// has passed finishes Expired regardless.
func (e *QueueingEngine) Confirm(ctx context.Context, id uint64, sender string, payload []byte) error {
	e.mu.Lock()
	b, ok := e.awaiting[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownExecution, id)
	}
	delete(e.awaiting, id)
	pending := b.Pending
	b.Pending = nil
	rep := TickReport{ExecutionID: id, Priority: b.Priority}
	now := e.cfg.clock.Now()
	switch {
	case b.ExpirationTime.Reached(now):
		rep = e.finish(ctx, b, contracts.Expired(b.Cursor), rep)
	case sender == pending.Sender && bytes.Equal(payload, pending.Payload):
		rep = e.advance(ctx, b, rep)
	default:
		fn := b.Subroutine.Functions[pending.FunctionIndex]
		rep = e.failAttempt(ctx, b, fn.RetryPolicy, fmt.Sprintf("function %d: unexpected confirmation from %q", pending.FunctionIndex, sender), now, rep)
	}
	if rep.Outcome != OutcomeCompleted {
		// Back in the queue: the record must stop reading as parked.
		progress := contracts.InProcess()
		progress.ExecutedCount = b.Cursor
		if rep.Outcome == OutcomeAdvanced {
			progress.ExecutedCount++
		}
		e.outbox = append(e.outbox, contracts.NewCallback(id, e.domain, progress))
	}
	e.mu.Unlock()
	e.flush(ctx)
	return nil
}

// InsertAt places a batch at an arbitrary position of a priority level.
func (e *QueueingEngine) InsertAt(ctx context.Context, priority contracts.Priority, position int, batch contracts.MessageBatch) error {
	if err := validateBatch(e.domain, batch); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.known[batch.ID]; dup {
		return fmt.Errorf("%w: %d", ErrDuplicateBatch, batch.ID)
	}
	batch = batch.Clone()
	batch.Priority = priority.OrDefault()
	if !e.queues.level(batch.Priority).insertAt(position, batch) {
		return fmt.Errorf("%w: %d", ErrPosition, position)
	}
	e.known[batch.ID] = struct{}{}
	e.cfg.logger.InfoContext(ctx, "batch inserted by owner", "execution_id", batch.ID, "position", position, "priority", batch.Priority)
	return nil
}

// EvictAt removes the batch at a position and reports it RemovedByOwner.
func (e *QueueingEngine) EvictAt(ctx context.Context, priority contracts.Priority, position int) (uint64, error) {
	e.mu.Lock()
	b, ok := e.queues.level(priority).removeAt(position)
	if !ok {
		e.mu.Unlock()
		return 0, fmt.Errorf("%w: %d", ErrPosition, position)
	}
	e.evicted(ctx, b)
	e.mu.Unlock()
	e.flush(ctx)
	return b.ID, nil
}

// EvictAwaiting removes a batch parked on a confirmation.
func (e *QueueingEngine) EvictAwaiting(ctx context.Context, id uint64) error {
	e.mu.Lock()
	b, ok := e.awaiting[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownExecution, id)
	}
	delete(e.awaiting, id)
	e.evicted(ctx, b)
	e.mu.Unlock()
	e.flush(ctx)
	return nil
}

func (e *QueueingEngine) evicted(ctx context.Context, b contracts.MessageBatch) {
	res := contracts.RemovedByOwner()
	res.ExecutedCount = b.ExecutedCount()
	e.outbox = append(e.outbox, contracts.NewCallback(b.ID, e.domain, res))
	e.cfg.logger.InfoContext(ctx, "batch evicted by owner", "execution_id", b.ID)
}

// Snapshot returns a copy of one priority level, head first.
func (e *QueueingEngine) Snapshot(priority contracts.Priority) []contracts.MessageBatch {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queues.level(priority).snapshot()
}

// Awaiting returns the batches parked on confirmations, by execution id.
func (e *QueueingEngine) Awaiting() []contracts.MessageBatch {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]contracts.MessageBatch, 0, len(e.awaiting))
	for _, b := range e.awaiting {
		out = append(out, b.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len is the number of queued batches, excluding parked ones.
func (e *QueueingEngine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queues.len()
}

// StateHash is a deterministic digest of the queues.
func (e *QueueingEngine) StateHash() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queues.hash()
}
