package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/xdomain/pkg/backend"
	"github.com/Mindburn-Labs/xdomain/pkg/connector"
	"github.com/Mindburn-Labs/xdomain/pkg/contracts"
)

const domain = "main"

type recorder struct {
	mu   sync.Mutex
	cbs  []contracts.Callback
	down bool
}

func (r *recorder) Deliver(_ context.Context, cb contracts.Callback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return errors.New("receiver unavailable")
	}
	r.cbs = append(r.cbs, cb)
	return nil
}

func (r *recorder) setDown(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.down = v
}

func (r *recorder) all() []contracts.Callback {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]contracts.Callback(nil), r.cbs...)
}

func (r *recorder) last(t *testing.T) contracts.Callback {
	t.Helper()
	cbs := r.all()
	require.NotEmpty(t, cbs)
	return cbs[len(cbs)-1]
}

// vault writes params.key on "write" and reverts on "fail".
func newHost(t *testing.T) *backend.MemoryHost {
	t.Helper()
	h := backend.NewMemoryHost(backend.FlavorWasm)
	require.NoError(t, h.Deploy("vault", backend.Contract{Handlers: map[string]backend.Handler{
		"write": func(cc *backend.CallContext, msg contracts.Message) ([]byte, error) {
			cc.Set(fmt.Sprint(msg.Params["key"]), []byte("1"))
			return nil, nil
		},
		"fail": func(cc *backend.CallContext, _ contracts.Message) ([]byte, error) {
			cc.Set("dirty", []byte("1"))
			return nil, backend.ErrRevert
		},
	}}))
	return h
}

func write(key string) contracts.Message {
	return contracts.Structured("write", map[string]any{"key": key})
}

func fail() contracts.Message { return contracts.Structured("fail", nil) }

func spec() contracts.FunctionSpec {
	return contracts.FunctionSpec{
		Domain:   domain,
		Contract: "vault",
		Message:  contracts.MessageConstraint{Kind: contracts.MessageStructured, Name: "write"},
	}
}

func batch(id uint64, kind contracts.SubroutineKind, msgs ...contracts.Message) contracts.MessageBatch {
	fns := make([]contracts.FunctionSpec, len(msgs))
	for i := range fns {
		fns[i] = spec()
	}
	return contracts.MessageBatch{
		ID:         id,
		Label:      "test",
		Messages:   msgs,
		Subroutine: contracts.Subroutine{Kind: kind, Functions: fns},
	}
}

func startClock() *contracts.ManualClock {
	return contracts.NewManualClock(contracts.BlockInfo{Height: 100, Time: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)})
}

func tickUntilDone(t *testing.T, e Engine, max int) TickReport {
	t.Helper()
	for i := 0; i < max; i++ {
		rep, err := e.Tick(context.Background())
		require.NoError(t, err)
		if rep.Outcome == OutcomeCompleted {
			return rep
		}
	}
	t.Fatalf("batch did not complete within %d ticks", max)
	return TickReport{}
}

func TestTickOnEmptyEngineIsNoop(t *testing.T) {
	rec := &recorder{}
	e := NewQueueingEngine(domain, newHost(t), rec)
	rep, err := e.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeIdle, rep.Outcome)
	assert.Empty(t, rec.all())
}

func TestHighPriorityPreemptsMedium(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	e := NewQueueingEngine(domain, newHost(t), rec)

	medium := batch(1, contracts.Atomic, write("m"))
	high := batch(2, contracts.Atomic, write("h"))
	high.Priority = contracts.PriorityHigh
	require.NoError(t, e.Enqueue(ctx, medium))
	require.NoError(t, e.Enqueue(ctx, high))

	rep, err := e.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rep.ExecutionID)
	assert.Equal(t, contracts.PriorityHigh, rep.Priority)

	rep, err = e.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rep.ExecutionID)
}

func TestAtomicBatchIsAllOrNothing(t *testing.T) {
	const n = 3
	for k := 1; k <= n; k++ {
		t.Run(fmt.Sprintf("fail_at_%d", k), func(t *testing.T) {
			host := newHost(t)
			rec := &recorder{}
			e := NewQueueingEngine(domain, host, rec)

			msgs := make([]contracts.Message, n)
			for i := range msgs {
				msgs[i] = write(fmt.Sprint(i))
			}
			msgs[k-1] = fail()
			require.NoError(t, e.Enqueue(context.Background(), batch(1, contracts.Atomic, msgs...)))

			rep := tickUntilDone(t, e, 1)
			require.NotNil(t, rep.Result)
			assert.Equal(t, contracts.ResultRejected, rep.Result.Kind)
			assert.Contains(t, rep.Result.Reason, fmt.Sprintf("function %d", k-1))
			assert.Empty(t, host.Keys("vault"), "no effect of a failed atomic batch is visible")
			assert.Equal(t, contracts.ResultRejected, rec.last(t).Result.Kind)
		})
	}
}

func TestAtomicSuccess(t *testing.T) {
	host := newHost(t)
	rec := &recorder{}
	e := NewQueueingEngine(domain, host, rec)
	require.NoError(t, e.Enqueue(context.Background(), batch(7, contracts.Atomic, write("a"), write("b"))))

	rep := tickUntilDone(t, e, 1)
	assert.Equal(t, contracts.ResultSuccess, rep.Result.Kind)
	assert.Equal(t, []string{"a", "b"}, host.Keys("vault"))

	cb := rec.last(t)
	assert.Equal(t, uint64(7), cb.ExecutionID)
	assert.Equal(t, domain, cb.Domain)
	assert.Equal(t, 2, cb.ExecutedCount)
}

func TestNonAtomicPartialProgress(t *testing.T) {
	const n = 3
	for k := 1; k <= n; k++ {
		t.Run(fmt.Sprintf("fail_at_%d", k), func(t *testing.T) {
			host := newHost(t)
			rec := &recorder{}
			e := NewQueueingEngine(domain, host, rec)

			msgs := make([]contracts.Message, n)
			for i := range msgs {
				msgs[i] = write(fmt.Sprint(i))
			}
			msgs[k-1] = fail()
			require.NoError(t, e.Enqueue(context.Background(), batch(1, contracts.NonAtomic, msgs...)))

			rep := tickUntilDone(t, e, n)
			assert.Len(t, host.Keys("vault"), k-1)
			if k == 1 {
				assert.Equal(t, contracts.ResultRejected, rep.Result.Kind)
			} else {
				assert.Equal(t, contracts.ResultPartiallyExecuted, rep.Result.Kind)
				assert.Equal(t, k-1, rep.Result.ExecutedCount)
			}
		})
	}
}

func TestNonAtomicAdvancesOneStepPerTick(t *testing.T) {
	ctx := context.Background()
	host := newHost(t)
	rec := &recorder{}
	e := NewQueueingEngine(domain, host, rec)
	require.NoError(t, e.Enqueue(ctx, batch(1, contracts.NonAtomic, write("a"), write("b"), write("c"))))

	for i := 1; i < 3; i++ {
		rep, err := e.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, OutcomeAdvanced, rep.Outcome)
		assert.Len(t, host.Keys("vault"), i)
		assert.Equal(t, i, e.Snapshot(contracts.PriorityMedium)[0].Cursor)
	}
	rep, err := e.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, rep.Outcome)
	assert.Equal(t, contracts.ResultSuccess, rep.Result.Kind)
	assert.Len(t, rec.all(), 1)
}

func TestRetryRotationLeavesBatchUnchanged(t *testing.T) {
	ctx := context.Background()
	clock := startClock()
	rec := &recorder{}
	e := NewQueueingEngine(domain, newHost(t), rec, WithClock(clock))

	failing := batch(1, contracts.Atomic, fail())
	failing.Subroutine.RetryPolicy = &contracts.RetryPolicy{
		Times:    contracts.RetryTimes{Amount: 2},
		Interval: contracts.RetryInterval{Blocks: 5},
	}
	require.NoError(t, e.Enqueue(ctx, failing))
	require.NoError(t, e.Enqueue(ctx, batch(2, contracts.Atomic, write("b"))))

	rep, err := e.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetryScheduled, rep.Outcome)
	assert.Empty(t, rec.all(), "a scheduled retry emits no callback")

	require.NoError(t, e.Enqueue(ctx, batch(3, contracts.Atomic, write("c"))))
	rep, err = e.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rep.ExecutionID)

	before := e.Snapshot(contracts.PriorityMedium)
	require.Len(t, before, 2)
	require.Equal(t, uint64(1), before[0].ID)
	assert.Equal(t, 1, before[0].Retry.Attempts)
	assert.Equal(t, contracts.AtHeight(105), before[0].Retry.NextEligible)

	rep, err = e.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRotated, rep.Outcome)

	after := e.Snapshot(contracts.PriorityMedium)
	require.Len(t, after, 2)
	assert.Equal(t, uint64(3), after[0].ID)
	assert.Equal(t, before[0], after[1], "rotated batch keeps its exact state")

	clock.Advance(5, 0)
	rep, err = e.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), rep.ExecutionID)

	rep, err = e.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetryScheduled, rep.Outcome)
	assert.Equal(t, 2, e.Snapshot(contracts.PriorityMedium)[0].Retry.Attempts)

	clock.Advance(5, 0)
	rep, err = e.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, rep.Outcome)
	assert.Equal(t, contracts.ResultRejected, rep.Result.Kind)
}

func TestRotationDigestIsStable(t *testing.T) {
	ctx := context.Background()
	clock := startClock()
	e := NewQueueingEngine(domain, newHost(t), &recorder{}, WithClock(clock))

	b := batch(1, contracts.NonAtomic, write("a"))
	b.Retry = &contracts.RetryState{Attempts: 1, NextEligible: contracts.AtHeight(200)}
	require.NoError(t, e.Enqueue(ctx, b))

	before := e.StateHash()
	rep, err := e.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRotated, rep.Outcome)
	assert.Equal(t, before, e.StateHash())
}

func TestExpirationTakesPrecedence(t *testing.T) {
	ctx := context.Background()
	clock := startClock()
	host := newHost(t)
	rec := &recorder{}
	e := NewQueueingEngine(domain, host, rec, WithClock(clock))

	atomic := batch(1, contracts.Atomic, write("a"))
	atomic.ExpirationTime = contracts.AtHeight(100)
	require.NoError(t, e.Enqueue(ctx, atomic))

	rep := tickUntilDone(t, e, 1)
	assert.Equal(t, contracts.Expired(0), *rep.Result)
	assert.Empty(t, host.Keys("vault"), "an expired batch never executes")

	nonAtomic := batch(2, contracts.NonAtomic, write("a"), write("b"))
	nonAtomic.ExpirationTime = contracts.AtTime(clock.Now().Time.Add(time.Minute))
	require.NoError(t, e.Enqueue(ctx, nonAtomic))
	rep, err := e.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAdvanced, rep.Outcome)

	clock.Advance(1, time.Minute)
	rep = tickUntilDone(t, e, 1)
	assert.Equal(t, contracts.Expired(1), *rep.Result)
	assert.Equal(t, []string{"a"}, host.Keys("vault"))
}

func confirmingBatch(id uint64, retry *contracts.RetryPolicy) contracts.MessageBatch {
	b := batch(id, contracts.NonAtomic, write("a"), write("b"))
	b.Subroutine.Functions[0].Callback = &contracts.CallbackRequirement{Sender: "relayer", Payload: []byte("ack")}
	b.Subroutine.Functions[0].RetryPolicy = retry
	return b
}

func TestCallbackConfirmationAdvances(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	e := NewQueueingEngine(domain, newHost(t), rec)
	require.NoError(t, e.Enqueue(ctx, confirmingBatch(1, nil)))

	rep, err := e.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAwaiting, rep.Outcome)
	assert.Equal(t, 0, e.Len())
	require.Len(t, e.Awaiting(), 1)
	assert.True(t, rec.last(t).Result.AwaitingConfirmation)
	assert.False(t, rec.last(t).Result.IsTerminal())

	rep, err = e.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIdle, rep.Outcome, "a parked batch consumes no tick")

	require.NoError(t, e.Confirm(ctx, 1, "relayer", []byte("ack")))
	assert.Empty(t, e.Awaiting())
	assert.Equal(t, 1, e.Snapshot(contracts.PriorityMedium)[0].Cursor)
	progress := rec.last(t).Result
	assert.Equal(t, contracts.ResultInProcess, progress.Kind)
	assert.False(t, progress.AwaitingConfirmation, "a re-queued batch is no longer parked")
	assert.Equal(t, 1, progress.ExecutedCount)

	rep = tickUntilDone(t, e, 1)
	assert.Equal(t, contracts.ResultSuccess, rep.Result.Kind)
	assert.Equal(t, 2, rep.Result.ExecutedCount)

	assert.ErrorIs(t, e.Confirm(ctx, 1, "relayer", []byte("ack")), ErrUnknownExecution)
}

func TestMismatchedConfirmationIsFailedAttempt(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	e := NewQueueingEngine(domain, newHost(t), rec)
	require.NoError(t, e.Enqueue(ctx, confirmingBatch(1, &contracts.RetryPolicy{Times: contracts.RetryTimes{Amount: 1}})))

	_, err := e.Tick(ctx)
	require.NoError(t, err)
	require.NoError(t, e.Confirm(ctx, 1, "mallory", []byte("ack")))

	queued := e.Snapshot(contracts.PriorityMedium)
	require.Len(t, queued, 1)
	assert.Equal(t, 0, queued[0].Cursor)
	assert.Equal(t, 1, queued[0].Retry.Attempts)
	assert.Equal(t, contracts.InProcess(), rec.last(t).Result)

	rep, err := e.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAwaiting, rep.Outcome)

	require.NoError(t, e.Confirm(ctx, 1, "relayer", []byte("nack")))
	cb := rec.last(t)
	assert.Equal(t, contracts.ResultRejected, cb.Result.Kind)
	assert.Contains(t, cb.Result.Reason, "unexpected confirmation")
	assert.Zero(t, e.Len())
}

func TestConfirmationAfterExpiration(t *testing.T) {
	ctx := context.Background()
	clock := startClock()
	rec := &recorder{}
	e := NewQueueingEngine(domain, newHost(t), rec, WithClock(clock))
	b := confirmingBatch(1, nil)
	b.ExpirationTime = contracts.AtHeight(105)
	require.NoError(t, e.Enqueue(ctx, b))

	rep, err := e.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, OutcomeAwaiting, rep.Outcome)

	clock.Advance(10, time.Minute)
	require.NoError(t, e.Confirm(ctx, 1, "relayer", []byte("ack")))
	assert.Equal(t, contracts.Expired(0), rec.last(t).Result)
	assert.Zero(t, e.Len())
	assert.Empty(t, e.Awaiting())
}

type panicBackend struct{ rolledBack bool }

func (p *panicBackend) Name() string { return "panic" }

func (p *panicBackend) Begin(context.Context) (backend.Tx, error) { return panicTx{p}, nil }

type panicTx struct{ b *panicBackend }

func (panicTx) Call(context.Context, backend.FunctionCall) (backend.CallResult, error) {
	panic("host crashed")
}

func (panicTx) Commit(context.Context) error { return nil }

func (t panicTx) Rollback(context.Context) error {
	t.b.rolledBack = true
	return nil
}

func TestBackendPanicIsUnexpectedError(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	be := &panicBackend{}
	e := NewQueueingEngine(domain, be, rec)
	require.NoError(t, e.Enqueue(ctx, batch(1, contracts.Atomic, write("a"))))

	rep, err := e.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, rep.Outcome)
	cb := rec.last(t)
	assert.Equal(t, contracts.ResultUnexpectedError, cb.Result.Kind)
	assert.Contains(t, cb.Result.Reason, "host crashed")
	assert.True(t, be.rolledBack)

	// The engine stays usable.
	assert.Zero(t, e.Len())
	require.NoError(t, e.Enqueue(ctx, batch(2, contracts.Atomic, write("b"))))
	assert.Equal(t, 1, e.Len())

	im := NewImmediateEngine(domain, &panicBackend{}, rec)
	require.NoError(t, im.Enqueue(ctx, batch(3, contracts.Atomic, write("c"))))
	assert.Equal(t, contracts.ResultUnexpectedError, rec.last(t).Result.Kind)
}

func TestOwnerInsertAndEvict(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	e := NewQueueingEngine(domain, newHost(t), rec)
	require.NoError(t, e.Enqueue(ctx, batch(1, contracts.Atomic, write("a"))))
	require.NoError(t, e.Enqueue(ctx, batch(2, contracts.Atomic, write("b"))))

	require.NoError(t, e.InsertAt(ctx, contracts.PriorityMedium, 1, batch(3, contracts.Atomic, write("c"))))
	ids := func() []uint64 {
		var out []uint64
		for _, b := range e.Snapshot(contracts.PriorityMedium) {
			out = append(out, b.ID)
		}
		return out
	}
	assert.Equal(t, []uint64{1, 3, 2}, ids())

	assert.ErrorIs(t, e.InsertAt(ctx, contracts.PriorityMedium, 9, batch(4, contracts.Atomic, write("d"))), ErrPosition)
	assert.ErrorIs(t, e.InsertAt(ctx, contracts.PriorityMedium, 0, batch(1, contracts.Atomic, write("a"))), ErrDuplicateBatch)
	assert.ErrorIs(t, e.Enqueue(ctx, batch(3, contracts.Atomic, write("c"))), ErrDuplicateBatch)

	id, err := e.EvictAt(ctx, contracts.PriorityMedium, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), id)
	assert.Equal(t, []uint64{1, 2}, ids())
	assert.Equal(t, contracts.ResultRemovedByOwner, rec.last(t).Result.Kind)

	_, err = e.EvictAt(ctx, contracts.PriorityHigh, 0)
	assert.ErrorIs(t, err, ErrPosition)
}

func TestEvictAwaiting(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	e := NewQueueingEngine(domain, newHost(t), rec)
	require.NoError(t, e.Enqueue(ctx, confirmingBatch(5, nil)))
	_, err := e.Tick(ctx)
	require.NoError(t, err)

	require.NoError(t, e.EvictAwaiting(ctx, 5))
	assert.Equal(t, contracts.ResultRemovedByOwner, rec.last(t).Result.Kind)
	assert.ErrorIs(t, e.EvictAwaiting(ctx, 5), ErrUnknownExecution)
}

func TestPausedEngineDoesNothing(t *testing.T) {
	ctx := context.Background()
	host := newHost(t)
	e := NewQueueingEngine(domain, host, &recorder{})
	require.NoError(t, e.Enqueue(ctx, batch(1, contracts.Atomic, write("a"))))

	e.Pause(ctx)
	assert.True(t, e.Paused())
	rep, err := e.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomePaused, rep.Outcome)
	assert.Empty(t, host.Keys("vault"))

	e.Resume(ctx)
	tickUntilDone(t, e, 1)
	assert.Equal(t, []string{"a"}, host.Keys("vault"))
}

func TestUndeliveredCallbacksAreRetried(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	rec.setDown(true)
	e := NewQueueingEngine(domain, newHost(t), rec)
	require.NoError(t, e.Enqueue(ctx, batch(1, contracts.Atomic, write("a"))))

	tickUntilDone(t, e, 1)
	assert.Empty(t, rec.all())
	assert.Equal(t, 1, e.Pending())

	rec.setDown(false)
	_, err := e.Tick(ctx)
	require.NoError(t, err)
	assert.Len(t, rec.all(), 1)
	assert.Zero(t, e.Pending())
}

func TestEnqueueRejectsMalformedBatches(t *testing.T) {
	ctx := context.Background()
	e := NewQueueingEngine(domain, newHost(t), &recorder{})

	short := batch(1, contracts.Atomic, write("a"))
	short.Messages = nil
	assert.ErrorIs(t, e.Enqueue(ctx, short), ErrInvalidBatch)

	foreign := batch(2, contracts.Atomic, write("a"))
	foreign.Subroutine.Functions[0].Domain = "other"
	assert.ErrorIs(t, e.Enqueue(ctx, foreign), ErrInvalidBatch)
}

func TestSuccessPredicateDivergence(t *testing.T) {
	missing := func() contracts.MessageBatch {
		b := batch(1, contracts.Atomic, write("a"))
		b.Subroutine.Functions[0].Contract = "ghost"
		return b
	}

	wasm := NewQueueingEngine(domain, backend.NewMemoryHost(backend.FlavorWasm), &recorder{}, WithPredicate(backend.RawOutcomePredicate))
	require.NoError(t, wasm.Enqueue(context.Background(), missing()))
	assert.Equal(t, contracts.ResultRejected, tickUntilDone(t, wasm, 1).Result.Kind)

	evmRaw := NewQueueingEngine(domain, backend.NewMemoryHost(backend.FlavorEVM), &recorder{}, WithPredicate(backend.RawOutcomePredicate))
	require.NoError(t, evmRaw.Enqueue(context.Background(), missing()))
	assert.Equal(t, contracts.ResultSuccess, tickUntilDone(t, evmRaw, 1).Result.Kind, "raw outcome trusts a call to nothing")

	evmChecked := NewQueueingEngine(domain, backend.NewMemoryHost(backend.FlavorEVM), &recorder{})
	require.NoError(t, evmChecked.Enqueue(context.Background(), missing()))
	rep := tickUntilDone(t, evmChecked, 1)
	assert.Equal(t, contracts.ResultRejected, rep.Result.Kind)
	assert.Contains(t, rep.Result.Reason, "does not exist")
}

func TestImmediateEngine(t *testing.T) {
	ctx := context.Background()
	host := newHost(t)
	rec := &recorder{}
	e := NewImmediateEngine(domain, host, rec)

	require.NoError(t, e.Enqueue(ctx, batch(1, contracts.Atomic, write("a"), write("b"))))
	assert.Equal(t, contracts.ResultSuccess, rec.last(t).Result.Kind)
	assert.Equal(t, []string{"a", "b"}, host.Keys("vault"))

	require.NoError(t, e.Enqueue(ctx, batch(2, contracts.NonAtomic, write("c"), fail())))
	cb := rec.last(t)
	assert.Equal(t, contracts.ResultPartiallyExecuted, cb.Result.Kind)
	assert.Equal(t, 1, cb.ExecutedCount)

	require.NoError(t, e.Enqueue(ctx, confirmingBatch(3, nil)))
	assert.Equal(t, contracts.ResultRejected, rec.last(t).Result.Kind)

	e.Pause(ctx)
	require.NoError(t, e.Enqueue(ctx, batch(4, contracts.Atomic, write("d"))))
	assert.Equal(t, contracts.Rejected("processor paused"), rec.last(t).Result)
	e.Resume(ctx)

	assert.ErrorIs(t, e.Enqueue(ctx, batch(4, contracts.Atomic, write("d"))), ErrDuplicateBatch)
	assert.ErrorIs(t, e.Confirm(ctx, 1, "x", nil), ErrUnsupported)
	assert.ErrorIs(t, e.InsertAt(ctx, contracts.PriorityMedium, 0, batch(9, contracts.Atomic, write("z"))), ErrUnsupported)
	_, err := e.EvictAt(ctx, contracts.PriorityMedium, 0)
	assert.ErrorIs(t, err, ErrUnsupported)

	rep, err := e.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIdle, rep.Outcome)
}

func TestImmediateEngineExpiration(t *testing.T) {
	clock := startClock()
	host := newHost(t)
	rec := &recorder{}
	e := NewImmediateEngine(domain, host, rec, WithClock(clock))

	b := batch(1, contracts.Atomic, write("a"))
	b.ExpirationTime = contracts.AtHeight(50)
	require.NoError(t, e.Enqueue(context.Background(), b))
	assert.Equal(t, contracts.Expired(0), rec.last(t).Result)
	assert.Empty(t, host.Keys("vault"))
}

func TestProcessorGate(t *testing.T) {
	ctx := context.Background()
	e := NewQueueingEngine(domain, newHost(t), &recorder{})
	p := NewProcessor(e, "authorization", "relayer-proxy")

	assert.ErrorIs(t, p.Execute(ctx, "stranger", batch(1, contracts.Atomic, write("a"))), ErrUnauthorized)
	require.NoError(t, p.Execute(ctx, "authorization", batch(1, contracts.Atomic, write("a"))))
	require.NoError(t, p.Execute(ctx, "relayer-proxy", batch(2, contracts.Atomic, write("b"))))

	assert.ErrorIs(t, p.AuthorizeCaller("stranger", "stranger"), ErrUnauthorized)
	require.NoError(t, p.AuthorizeCaller("authorization", "stranger"))
	require.NoError(t, p.Execute(ctx, "stranger", batch(3, contracts.Atomic, write("c"))))
	require.NoError(t, p.RevokeCaller("authorization", "stranger"))
	assert.ErrorIs(t, p.Execute(ctx, "stranger", batch(4, contracts.Atomic, write("d"))), ErrUnauthorized)

	assert.ErrorIs(t, p.Pause(ctx, "relayer-proxy"), ErrUnauthorized)
	_, err := p.EvictAt(ctx, "relayer-proxy", EvictRequest{Position: 0})
	assert.ErrorIs(t, err, ErrUnauthorized)

	require.NoError(t, p.Pause(ctx, "authorization"))
	st := p.Status()
	assert.True(t, st.Paused)
	assert.Equal(t, 3, st.Medium)
	assert.Zero(t, st.High)

	rep, err := p.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomePaused, rep.Outcome)
}

func TestProcessorHandlesEnvelopes(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	e := NewQueueingEngine(domain, newHost(t), rec)
	p := NewProcessor(e, "authorization")

	env, err := connector.NewEnvelope(connector.KindExecute, domain, "authorization", 1, confirmingBatch(1, nil))
	require.NoError(t, err)
	require.NoError(t, p.HandleEnvelope(ctx, env))
	_, err = p.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, p.engine.Awaiting(), 1)

	confirm, err := connector.NewEnvelope(connector.KindConfirm, domain, "relayer", 1, ConfirmRequest{Payload: []byte("ack")})
	require.NoError(t, err)
	require.NoError(t, p.HandleEnvelope(ctx, confirm))
	assert.Len(t, p.Queue(contracts.PriorityMedium), 1)

	pause, err := connector.NewEnvelope(connector.KindPause, domain, "authorization", 0, nil)
	require.NoError(t, err)
	require.NoError(t, p.HandleEnvelope(ctx, pause))
	assert.True(t, p.Status().Paused)

	evict, err := connector.NewEnvelope(connector.KindEvict, domain, "authorization", 0, EvictRequest{Priority: contracts.PriorityMedium})
	require.NoError(t, err)
	require.NoError(t, p.HandleEnvelope(ctx, evict))
	assert.Equal(t, contracts.ResultRemovedByOwner, rec.last(t).Result.Kind)

	wrong, err := connector.NewEnvelope(connector.KindResume, "other", "authorization", 0, nil)
	require.NoError(t, err)
	assert.Error(t, p.HandleEnvelope(ctx, wrong))

	cb, err := connector.NewEnvelope(connector.KindCallback, domain, "authorization", 0, nil)
	require.NoError(t, err)
	assert.Error(t, p.HandleEnvelope(ctx, cb))
}

func TestTickerRoundStopsWhenIdle(t *testing.T) {
	ctx := context.Background()
	e := NewQueueingEngine(domain, newHost(t), &recorder{})
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, e.Enqueue(ctx, batch(i, contracts.Atomic, write(fmt.Sprint(i)))))
	}
	tk := NewTicker(e, time.Millisecond, 2)
	assert.Equal(t, 2, tk.Round(ctx))
	assert.Equal(t, 1, tk.Round(ctx))
	assert.Equal(t, 0, tk.Round(ctx))
}

func TestTickerRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	host := newHost(t)
	e := NewQueueingEngine(domain, host, &recorder{})
	require.NoError(t, e.Enqueue(ctx, batch(1, contracts.Atomic, write("a"))))

	done := make(chan error, 1)
	go func() { done <- NewTicker(e, 5*time.Millisecond, 1).Run(ctx) }()

	require.Eventually(t, func() bool { return len(host.Keys("vault")) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
