// Package evaluator decides whether a caller may execute a set of messages
// under a label. Evaluation is pure: it reads the policy table, credential
// balances and in-flight counts but never mutates them.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/xdomain/pkg/contracts"
	"github.com/Mindburn-Labs/xdomain/pkg/credential"
	"github.com/Mindburn-Labs/xdomain/pkg/policy"
)

// DenyCode is the typed reason for an admission denial.
type DenyCode string

const (
	LabelNotFound          DenyCode = "LABEL_NOT_FOUND"
	LabelDisabled          DenyCode = "LABEL_DISABLED"
	NotYetActive           DenyCode = "NOT_YET_ACTIVE"
	Expired                DenyCode = "EXPIRED"
	MissingCredential      DenyCode = "MISSING_CREDENTIAL"
	MessageCountMismatch   DenyCode = "MESSAGE_COUNT_MISMATCH"
	ContractMismatch       DenyCode = "CONTRACT_MISMATCH"
	MessageShapeMismatch   DenyCode = "MESSAGE_SHAPE_MISMATCH"
	ConcurrencyCapExceeded DenyCode = "CONCURRENCY_CAP_EXCEEDED"
)

// Request is one admission question.
type Request struct {
	Caller   string
	Label    string
	Messages []contracts.Message
	// At is the domain time reference the time window is checked against.
	At contracts.BlockInfo
}

// Decision is the evaluator's verdict.
type Decision struct {
	Allowed bool     `json:"allowed"`
	Code    DenyCode `json:"code,omitempty"`
	Reason  string   `json:"reason,omitempty"`
	// Authorization is the policy snapshot the decision was made against.
	Authorization policy.Authorization `json:"-"`
	// EscrowCredential is set when admission must hold one credential unit.
	EscrowCredential bool `json:"escrow_credential,omitempty"`
}

func allow(a policy.Authorization) Decision {
	return Decision{Allowed: true, Authorization: a, EscrowCredential: a.Mode == policy.PermissionedCallLimited}
}

func deny(code DenyCode, format string, args ...any) Decision {
	return Decision{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// InFlightCounter reports how many executions of a label are not terminal.
type InFlightCounter interface {
	InFlight(ctx context.Context, label string, countAwaiting bool) (int, error)
}

// Evaluator is the permission evaluator.
type Evaluator struct {
	policies      policy.Store
	credentials   credential.Store
	inFlight      InFlightCounter
	exprs         *expressionCache
	countAwaiting bool
	logger        *slog.Logger
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithCountAwaiting controls whether batches parked on a callback
// confirmation count toward max_concurrent_executions.
func WithCountAwaiting(count bool) Option {
	return func(e *Evaluator) { e.countAwaiting = count }
}

// New builds an evaluator. Awaiting batches count toward the concurrency cap
// unless configured otherwise.
func New(policies policy.Store, credentials credential.Store, inFlight InFlightCounter, opts ...Option) (*Evaluator, error) {
	exprs, err := newExpressionCache()
	if err != nil {
		return nil, err
	}
	e := &Evaluator{
		policies:      policies,
		credentials:   credentials,
		inFlight:      inFlight,
		exprs:         exprs,
		countAwaiting: true,
		logger:        slog.Default().With("component", "evaluator"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Evaluate runs every admission check in order and returns the first denial.
// Errors are reserved for infrastructure failures.
func (e *Evaluator) Evaluate(ctx context.Context, req Request) (Decision, error) {
	a, err := e.policies.Get(ctx, req.Label)
	if errors.Is(err, policy.ErrNotFound) {
		return deny(LabelNotFound, "label %q does not exist", req.Label), nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("policy lookup: %w", err)
	}

	if a.State != policy.Enabled {
		return deny(LabelDisabled, "label %q is disabled", a.Label), nil
	}
	if !a.NotBefore.IsZero() && !a.NotBefore.Reached(req.At) {
		return deny(NotYetActive, "label %q is not active yet", a.Label), nil
	}
	if a.Expiration.Reached(req.At) {
		return deny(Expired, "label %q has expired", a.Label), nil
	}

	if a.Mode.RequiresCredential() {
		bal, err := e.credentials.Balance(ctx, a.Label, req.Caller)
		if err != nil {
			return Decision{}, fmt.Errorf("credential lookup: %w", err)
		}
		if bal < 1 {
			return deny(MissingCredential, "caller %q holds no credential for %q", req.Caller, a.Label), nil
		}
	}

	if d, ok := e.matchMessages(a, req.Messages); !ok {
		return d, nil
	}

	n, err := e.inFlight.InFlight(ctx, a.Label, e.countAwaiting)
	if err != nil {
		return Decision{}, fmt.Errorf("in-flight count: %w", err)
	}
	if n >= a.MaxConcurrentExecutions {
		return deny(ConcurrencyCapExceeded, "label %q has %d executions in flight (max %d)", a.Label, n, a.MaxConcurrentExecutions), nil
	}

	e.logger.DebugContext(ctx, "admission allowed", "label", a.Label, "caller", req.Caller)
	return allow(a), nil
}

func (e *Evaluator) matchMessages(a policy.Authorization, msgs []contracts.Message) (Decision, bool) {
	fns := a.Subroutine.Functions
	if len(msgs) != len(fns) {
		return deny(MessageCountMismatch, "label %q expects %d messages, got %d", a.Label, len(fns), len(msgs)), false
	}
	for i, msg := range msgs {
		spec := fns[i]
		if msg.Contract != "" && msg.Contract != spec.Contract {
			return deny(ContractMismatch, "message %d targets %q, expected %q", i, msg.Contract, spec.Contract), false
		}
		if err := e.matchShape(spec.Message, msg); err != nil {
			return deny(MessageShapeMismatch, "message %d: %v", i, err), false
		}
	}
	return Decision{}, true
}
