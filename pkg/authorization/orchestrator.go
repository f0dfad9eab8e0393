// Package authorization is the central orchestrator: it admits message
// batches against the policy table, allocates execution ids, escrows
// credentials, dispatches batches to their domain and settles results as
// callbacks arrive.
package authorization

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/xdomain/pkg/contracts"
	"github.com/Mindburn-Labs/xdomain/pkg/credential"
	"github.com/Mindburn-Labs/xdomain/pkg/evaluator"
	"github.com/Mindburn-Labs/xdomain/pkg/policy"
	"github.com/Mindburn-Labs/xdomain/pkg/processor"
	"github.com/Mindburn-Labs/xdomain/pkg/routing"
	"github.com/Mindburn-Labs/xdomain/pkg/store/ledger"
	"github.com/Mindburn-Labs/xdomain/pkg/zk"
)

// Router is the dispatch surface the orchestrator drives.
type Router interface {
	Self() string
	Has(domain string) bool
	AddRemote(domain string, remote routing.Remote) error
	Dispatch(ctx context.Context, batch contracts.MessageBatch) (contracts.Bound, error)
	ClassifyTimeout(id uint64, ttl contracts.Bound) contracts.ExecutionResult
	Forget(id uint64)
	Pause(ctx context.Context, domain string) error
	Resume(ctx context.Context, domain string) error
	Insert(ctx context.Context, domain string, req processor.InsertRequest) error
	Evict(ctx context.Context, domain string, req processor.EvictRequest) error
	EvictAwaiting(ctx context.Context, domain string, id uint64) error
}

// Deps are the stores and the router the orchestrator composes.
type Deps struct {
	Policies    policy.Store
	Credentials credential.Store
	Ledger      ledger.Ledger
	Router      Router
	// ZK is optional; a nil registry disables proof-gated execution.
	ZK *zk.Registry
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithClock(c contracts.Clock) Option { return func(o *Orchestrator) { o.clock = c } }

func WithTracker(t processor.Tracker) Option { return func(o *Orchestrator) { o.tracker = t } }

func WithVerifier(v zk.Verifier) Option { return func(o *Orchestrator) { o.verifier = v } }

// Observer is told about admission decisions and terminal results. Calls
// happen synchronously, outside any orchestrator lock.
type Observer interface {
	// Admission reports an accepted execution, or a rejection when code is
	// set. Rejections carry id zero.
	Admission(ctx context.Context, label string, id uint64, code evaluator.DenyCode)
	Result(ctx context.Context, rec ledger.Record)
}

// WithObserver adds observers; each one sees every event.
func WithObserver(obs ...Observer) Option {
	return func(o *Orchestrator) { o.observers = append(o.observers, obs...) }
}

// WithCountAwaiting decides whether batches parked on a confirmation count
// toward max_concurrent_executions.
func WithCountAwaiting(count bool) Option {
	return func(o *Orchestrator) { o.countAwaiting = count }
}

// Orchestrator is safe for concurrent use. Admission is serialized so the
// concurrency cap holds; dispatch and settlement run without any lock held,
// which lets engines deliver callbacks synchronously.
type Orchestrator struct {
	policies      policy.Store
	credentials   credential.Store
	ledger        ledger.Ledger
	router        Router
	zk            *zk.Registry
	verifier      zk.Verifier
	evaluator     *evaluator.Evaluator
	clock         contracts.Clock
	tracker       processor.Tracker
	countAwaiting bool
	observers     []Observer
	logger        *slog.Logger

	admit sync.Mutex

	mu        sync.RWMutex
	owner     string
	subOwners map[string]struct{}
	trusted   map[string]string
	nextID    uint64
}

// New builds an orchestrator owned by owner. The id counter resumes after the
// highest id already in the ledger.
func New(ctx context.Context, owner string, deps Deps, opts ...Option) (*Orchestrator, error) {
	if owner == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidRequest)
	}
	if deps.Policies == nil || deps.Credentials == nil || deps.Ledger == nil || deps.Router == nil {
		return nil, fmt.Errorf("%w: policies, credentials, ledger and router are required", ErrInvalidRequest)
	}
	o := &Orchestrator{
		policies:      deps.Policies,
		credentials:   deps.Credentials,
		ledger:        deps.Ledger,
		router:        deps.Router,
		zk:            deps.ZK,
		verifier:      zk.Ed25519Verifier{},
		clock:         contracts.SystemClock{},
		tracker:       noopTracker{},
		countAwaiting: true,
		logger:        slog.Default().With("component", "authorization"),
		owner:         owner,
		subOwners:     make(map[string]struct{}),
		trusted:       make(map[string]string),
	}
	for _, opt := range opts {
		opt(o)
	}

	ev, err := evaluator.New(o.policies, o.credentials, o.ledger, evaluator.WithCountAwaiting(o.countAwaiting))
	if err != nil {
		return nil, err
	}
	o.evaluator = ev

	last, err := o.ledger.LastID(ctx)
	if err != nil {
		return nil, fmt.Errorf("resume id counter: %w", err)
	}
	o.nextID = last
	return o, nil
}

type noopTracker struct{}

func (noopTracker) TrackOperation(ctx context.Context, _ string, _ ...attribute.KeyValue) (context.Context, func(error)) {
	return ctx, func(error) {}
}

// Address is the identity the orchestrator presents to processors.
func (o *Orchestrator) Address() string { return o.router.Self() }

func (o *Orchestrator) allocateID() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextID++
	return o.nextID
}

// NextID is the id the next accepted request will receive.
func (o *Orchestrator) NextID() uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.nextID + 1
}

// TrustCallbacks registers sender as the only accepted callback source for
// domain. Local processors are registered this way at startup.
func (o *Orchestrator) TrustCallbacks(domain, sender string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.trusted[domain] = sender
}

func (o *Orchestrator) trusts(domain, sender string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	want, ok := o.trusted[domain]
	return ok && want == sender
}

// SendOption customizes one SendMsgs call.
type SendOption func(*contracts.MessageBatch)

// WithExpiration bounds how long the batch may wait in the processor queue.
func WithExpiration(b contracts.Bound) SendOption {
	return func(batch *contracts.MessageBatch) { batch.ExpirationTime = b }
}

// SendMsgs admits messages under label for caller and dispatches them. The id
// is returned as soon as the batch is handed to the router; the result
// arrives later through HandleCallback. Rejections are *RejectionError.
func (o *Orchestrator) SendMsgs(ctx context.Context, caller, label string, msgs []contracts.Message, opts ...SendOption) (uint64, error) {
	label = policy.NormalizeLabel(label)
	ctx, done := o.tracker.TrackOperation(ctx, "authorization.send_msgs", attribute.String("label", label))
	id, err := o.sendMsgs(ctx, caller, label, msgs, opts)
	done(err)
	return id, err
}

func (o *Orchestrator) sendMsgs(ctx context.Context, caller, label string, msgs []contracts.Message, opts []SendOption) (uint64, error) {
	batch, err := o.admitBatch(ctx, caller, label, msgs, opts)
	o.observeAdmission(ctx, label, batch.ID, err)
	if err != nil {
		return 0, err
	}
	o.logger.InfoContext(ctx, "request accepted", "execution_id", batch.ID, "label", batch.Label, "caller", caller)
	return batch.ID, o.dispatch(ctx, batch)
}

func (o *Orchestrator) observeAdmission(ctx context.Context, label string, id uint64, err error) {
	var code evaluator.DenyCode
	if err != nil {
		rej, ok := IsRejection(err)
		if !ok {
			return
		}
		code = rej.Code
	}
	for _, obs := range o.observers {
		obs.Admission(ctx, label, id, code)
	}
}

// admitBatch evaluates, escrows and records under the admission lock.
func (o *Orchestrator) admitBatch(ctx context.Context, caller, label string, msgs []contracts.Message, opts []SendOption) (contracts.MessageBatch, error) {
	o.admit.Lock()
	defer o.admit.Unlock()

	d, err := o.evaluator.Evaluate(ctx, evaluator.Request{
		Caller:   caller,
		Label:    label,
		Messages: msgs,
		At:       o.clock.Now(),
	})
	if err != nil {
		return contracts.MessageBatch{}, err
	}
	if !d.Allowed {
		o.logger.InfoContext(ctx, "request rejected", "label", label, "caller", caller, "code", d.Code)
		return contracts.MessageBatch{}, &RejectionError{Code: d.Code, Reason: d.Reason}
	}

	a := d.Authorization
	if d.EscrowCredential {
		if err := o.credentials.Hold(ctx, a.Label, caller); err != nil {
			if errors.Is(err, credential.ErrInsufficient) {
				return contracts.MessageBatch{}, reject(evaluator.MissingCredential, "caller %q has no free credential for %q", caller, a.Label)
			}
			return contracts.MessageBatch{}, fmt.Errorf("escrow credential: %w", err)
		}
	}

	batch := contracts.MessageBatch{
		ID:         o.allocateID(),
		Label:      a.Label,
		Messages:   contracts.CloneMessages(msgs),
		Subroutine: a.Subroutine.Clone(),
		Priority:   a.Priority.OrDefault(),
	}
	for _, opt := range opts {
		opt(&batch)
	}
	err = o.ledger.Create(ctx, ledger.Record{
		ExecutionID:    batch.ID,
		Initiator:      caller,
		Domain:         batch.Domain(),
		Label:          a.Label,
		Messages:       batch.Messages,
		Result:         contracts.InProcess(),
		CredentialHeld: d.EscrowCredential,
	})
	if err != nil {
		if d.EscrowCredential {
			if rerr := o.credentials.Refund(ctx, a.Label, caller); rerr != nil {
				o.logger.ErrorContext(ctx, "refund after ledger failure", "label", a.Label, "caller", caller, "error", rerr)
			}
		}
		return contracts.MessageBatch{}, fmt.Errorf("record execution %d: %w", batch.ID, err)
	}
	return batch, nil
}

// dispatch hands an accepted batch to the router. A synchronous failure
// settles the execution as an unexpected error.
func (o *Orchestrator) dispatch(ctx context.Context, batch contracts.MessageBatch) error {
	ttl, err := o.router.Dispatch(ctx, batch)
	if err != nil {
		o.logger.ErrorContext(ctx, "dispatch failed", "execution_id", batch.ID, "domain", batch.Domain(), "error", err)
		if ferr := o.finish(ctx, batch.ID, contracts.UnexpectedError(err.Error()), nil); ferr != nil {
			o.logger.ErrorContext(ctx, "settle failed dispatch", "execution_id", batch.ID, "error", ferr)
		}
		return fmt.Errorf("dispatch execution %d: %w", batch.ID, err)
	}
	if ttl.IsZero() {
		return nil
	}
	if err := o.ledger.SetTTL(ctx, batch.ID, ttl); err != nil && !errors.Is(err, ledger.ErrAlreadyTerminal) {
		return fmt.Errorf("record ttl of execution %d: %w", batch.ID, err)
	}
	return nil
}

// HandleCallback records a result reported for an execution. Only the
// domain's trusted sender is accepted, except for timeouts the router
// raises itself. Callbacks for executions that already have a terminal
// result are ignored.
func (o *Orchestrator) HandleCallback(ctx context.Context, sender string, cb contracts.Callback) error {
	ctx, done := o.tracker.TrackOperation(ctx, "authorization.callback",
		attribute.String("domain", cb.Domain),
		attribute.String("result", string(cb.Result.Kind)),
	)
	err := o.handleCallback(ctx, sender, cb)
	done(err)
	return err
}

func (o *Orchestrator) handleCallback(ctx context.Context, sender string, cb contracts.Callback) error {
	fromRouter := sender == o.router.Self()
	switch {
	case fromRouter && cb.Result.Kind != contracts.ResultTimeout:
		return fmt.Errorf("%w: router may only report timeouts", ErrUntrustedSender)
	case !fromRouter && !o.trusts(cb.Domain, sender):
		return fmt.Errorf("%w: %q for %q", ErrUntrustedSender, sender, cb.Domain)
	}

	rec, err := o.ledger.Get(ctx, cb.ExecutionID)
	if err != nil {
		return err
	}
	if rec.Domain != cb.Domain {
		return fmt.Errorf("%w: execution %d runs on %q, not %q", ErrUntrustedSender, rec.ExecutionID, rec.Domain, cb.Domain)
	}
	if rec.Terminal() {
		if rec.CredentialHeld {
			return o.settle(ctx, rec)
		}
		o.logger.DebugContext(ctx, "duplicate callback ignored", "execution_id", rec.ExecutionID, "result", cb.Result.String())
		return nil
	}

	res := cb.Result
	if res.Kind == contracts.ResultTimeout {
		res = o.router.ClassifyTimeout(rec.ExecutionID, rec.TTL)
	}
	return o.finish(ctx, rec.ExecutionID, res, cb.ErrorData)
}

// finish writes res and, when it is terminal, releases the escrowed
// credential. The record keeps CredentialHeld until settlement succeeds, so
// a redelivered callback finishes an interrupted settlement.
func (o *Orchestrator) finish(ctx context.Context, id uint64, res contracts.ExecutionResult, errorData []byte) error {
	rec, err := o.ledger.UpdateResult(ctx, id, res, errorData)
	if errors.Is(err, ledger.ErrAlreadyTerminal) {
		return nil
	}
	if err != nil {
		return err
	}
	if !res.IsTerminal() {
		o.logger.DebugContext(ctx, "execution progress", "execution_id", id, "result", res.String())
		return nil
	}

	o.router.Forget(id)
	o.logger.InfoContext(ctx, "execution finished", "execution_id", id, "label", rec.Label, "result", res.String())
	for _, obs := range o.observers {
		obs.Result(ctx, rec)
	}
	if !rec.CredentialHeld {
		return nil
	}
	return o.settle(ctx, rec)
}

// settle burns or refunds the unit escrowed for a terminal record.
func (o *Orchestrator) settle(ctx context.Context, rec ledger.Record) error {
	var err error
	if rec.Result.CommittedEffects() {
		err = o.credentials.Burn(ctx, rec.Label, rec.Initiator)
	} else {
		err = o.credentials.Refund(ctx, rec.Label, rec.Initiator)
	}
	if err != nil && !errors.Is(err, credential.ErrNoHold) {
		return fmt.Errorf("settle credential of execution %d: %w", rec.ExecutionID, err)
	}
	if err := o.ledger.ReleaseCredential(ctx, rec.ExecutionID); err != nil {
		return fmt.Errorf("settle credential of execution %d: %w", rec.ExecutionID, err)
	}
	return nil
}

// RetryBridgeTimeout resubmits an execution whose bridge timed out while its
// ttl had not elapsed. Anyone may call it. The batch is rebuilt from the
// recorded messages and the label's subroutine, which cannot change after
// creation.
func (o *Orchestrator) RetryBridgeTimeout(ctx context.Context, id uint64) error {
	rec, err := o.ledger.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Result.Kind != contracts.ResultTimeout || !rec.Result.Retriable {
		return fmt.Errorf("%w: %d is %s", ErrNotRetriable, id, rec.Result.String())
	}

	batch, err := o.rebuild(ctx, rec)
	if err != nil {
		return err
	}
	if _, err := o.ledger.UpdateResult(ctx, id, contracts.InProcess(), nil); err != nil {
		return err
	}
	o.logger.InfoContext(ctx, "retrying bridge timeout", "execution_id", id, "domain", rec.Domain)
	return o.dispatch(ctx, batch)
}

func (o *Orchestrator) rebuild(ctx context.Context, rec ledger.Record) (contracts.MessageBatch, error) {
	batch := contracts.MessageBatch{
		ID:       rec.ExecutionID,
		Label:    rec.Label,
		Messages: rec.Messages,
	}
	if o.zk != nil {
		if za, err := o.zk.Get(rec.Label); err == nil {
			batch.Subroutine = za.Subroutine
			batch.Priority = za.Priority.OrDefault()
			return batch, nil
		}
	}
	a, err := o.policies.Get(ctx, rec.Label)
	if err != nil {
		return contracts.MessageBatch{}, fmt.Errorf("rebuild execution %d: %w", rec.ExecutionID, err)
	}
	batch.Subroutine = a.Subroutine
	batch.Priority = a.Priority.OrDefault()
	return batch, nil
}

// Execution returns the ledger record of id.
func (o *Orchestrator) Execution(ctx context.Context, id uint64) (ledger.Record, error) {
	return o.ledger.Get(ctx, id)
}

// Executions lists ledger records matching f.
func (o *Orchestrator) Executions(ctx context.Context, f ledger.Filter) ([]ledger.Record, error) {
	return o.ledger.List(ctx, f)
}

// Authorizations lists the policy table.
func (o *Orchestrator) Authorizations(ctx context.Context) ([]policy.Authorization, error) {
	return o.policies.List(ctx)
}

// Check evaluates a request without admitting it.
func (o *Orchestrator) Check(ctx context.Context, caller, label string, msgs []contracts.Message) (evaluator.Decision, error) {
	return o.evaluator.Evaluate(ctx, evaluator.Request{
		Caller:   caller,
		Label:    policy.NormalizeLabel(label),
		Messages: msgs,
		At:       o.clock.Now(),
	})
}

// TrustedSenders returns the callback sender registered per domain.
func (o *Orchestrator) TrustedSenders() map[string]string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]string, len(o.trusted))
	for d, s := range o.trusted {
		out[d] = s
	}
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
