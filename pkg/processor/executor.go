package processor

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/xdomain/pkg/backend"
	"github.com/Mindburn-Labs/xdomain/pkg/contracts"
)

// executor runs batch functions against a backend. It is shared by the
// queueing and immediate engines.
type executor struct {
	backend   backend.Backend
	predicate backend.SuccessPredicate
}

// stepOutcome is the verdict for one execution attempt. err is set when the
// environment itself failed, which is reported as an unexpected error.
type stepOutcome struct {
	ok     bool
	reason string
	err    error
}

func (x executor) call(b contracts.MessageBatch, i int) backend.FunctionCall {
	return backend.FunctionCall{
		ExecutionID: b.ID,
		Index:       i,
		Contract:    b.Subroutine.Functions[i].Contract,
		Message:     b.Messages[i],
	}
}

// runAtomic executes every function in one transaction; effects are
// committed only if all of them succeed.
func (x executor) runAtomic(ctx context.Context, b contracts.MessageBatch) stepOutcome {
	return x.runRange(ctx, b, 0, len(b.Messages))
}

// runStep executes the function at index i in its own transaction.
func (x executor) runStep(ctx context.Context, b contracts.MessageBatch, i int) stepOutcome {
	return x.runRange(ctx, b, i, i+1)
}

// runRange converts a panicking backend or predicate into an environment
// failure and rolls the transaction back.
func (x executor) runRange(ctx context.Context, b contracts.MessageBatch, from, to int) (out stepOutcome) {
	var tx backend.Tx
	defer func() {
		if r := recover(); r != nil {
			if tx != nil {
				_ = tx.Rollback(ctx)
			}
			out = stepOutcome{err: fmt.Errorf("panic: %v", r)}
		}
	}()
	tx, err := x.backend.Begin(ctx)
	if err != nil {
		return stepOutcome{err: fmt.Errorf("begin: %w", err)}
	}
	for i := from; i < to; i++ {
		res, err := tx.Call(ctx, x.call(b, i))
		if err != nil {
			_ = tx.Rollback(ctx)
			return stepOutcome{err: fmt.Errorf("function %d: %w", i, err)}
		}
		if ok, reason := x.predicate.Succeeded(res); !ok {
			_ = tx.Rollback(ctx)
			return stepOutcome{reason: fmt.Sprintf("function %d: %s", i, reason)}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return stepOutcome{err: fmt.Errorf("commit: %w", err)}
	}
	return stepOutcome{ok: true}
}
