package authorization

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/xdomain/pkg/contracts"
	"github.com/Mindburn-Labs/xdomain/pkg/policy"
	"github.com/Mindburn-Labs/xdomain/pkg/processor"
	"github.com/Mindburn-Labs/xdomain/pkg/routing"
	"github.com/Mindburn-Labs/xdomain/pkg/store/ledger"
)

// RoleOf returns the administrative role of addr.
func (o *Orchestrator) RoleOf(addr string) Role {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if addr == o.owner {
		return RoleOwner
	}
	if _, ok := o.subOwners[addr]; ok {
		return RoleSubOwner
	}
	return RoleNone
}

func (o *Orchestrator) require(caller string, c Capability) error {
	if r := o.RoleOf(caller); !r.Can(c) {
		return fmt.Errorf("%w: %q (%s) cannot %s", ErrUnauthorized, caller, r, c)
	}
	return nil
}

func (o *Orchestrator) Owner() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.owner
}

func (o *Orchestrator) SubOwners() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return sortedKeys(o.subOwners)
}

// TransferOwnership hands the owner role to next.
func (o *Orchestrator) TransferOwnership(ctx context.Context, caller, next string) error {
	if err := o.require(caller, CapTransferOwnership); err != nil {
		return err
	}
	if next == "" {
		return fmt.Errorf("%w: new owner is empty", ErrInvalidRequest)
	}
	o.mu.Lock()
	o.owner = next
	delete(o.subOwners, next)
	o.mu.Unlock()
	o.logger.InfoContext(ctx, "ownership transferred", "from", caller, "to", next)
	return nil
}

func (o *Orchestrator) AddSubOwner(ctx context.Context, caller, addr string) error {
	if err := o.require(caller, CapManageSubOwners); err != nil {
		return err
	}
	if addr == "" || addr == o.Owner() {
		return fmt.Errorf("%w: invalid sub-owner %q", ErrInvalidRequest, addr)
	}
	o.mu.Lock()
	o.subOwners[addr] = struct{}{}
	o.mu.Unlock()
	o.logger.InfoContext(ctx, "sub-owner added", "address", addr)
	return nil
}

func (o *Orchestrator) RemoveSubOwner(ctx context.Context, caller, addr string) error {
	if err := o.require(caller, CapManageSubOwners); err != nil {
		return err
	}
	o.mu.Lock()
	_, ok := o.subOwners[addr]
	delete(o.subOwners, addr)
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q is not a sub-owner", ErrInvalidRequest, addr)
	}
	o.logger.InfoContext(ctx, "sub-owner removed", "address", addr)
	return nil
}

// CreateAuthorizations adds labels to the policy table and mints their
// initial grants. Every entry is validated before any is created.
func (o *Orchestrator) CreateAuthorizations(ctx context.Context, caller string, auths ...policy.Authorization) error {
	if err := o.require(caller, CapManageAuthorizations); err != nil {
		return err
	}
	prepared := make([]policy.Authorization, len(auths))
	seen := make(map[string]struct{}, len(auths))
	for i, a := range auths {
		a = a.WithDefaults()
		if err := o.checkNew(ctx, a); err != nil {
			return err
		}
		if _, dup := seen[a.Label]; dup {
			return fmt.Errorf("%w: %s", policy.ErrDuplicateLabel, a.Label)
		}
		seen[a.Label] = struct{}{}
		prepared[i] = a
	}
	for _, a := range prepared {
		if err := o.create(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) checkNew(ctx context.Context, a policy.Authorization) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if !o.router.Has(a.Domain()) {
		return fmt.Errorf("%w: %s (label %s)", ErrUnknownDomain, a.Domain(), a.Label)
	}
	for i, fn := range a.Subroutine.Functions {
		if fn.Message.Expression == "" {
			continue
		}
		if err := o.evaluator.CompileExpression(fn.Message.Expression); err != nil {
			return fmt.Errorf("%w: label %s function %d: %v", policy.ErrInvalid, a.Label, i, err)
		}
	}
	_, err := o.policies.Get(ctx, a.Label)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", policy.ErrDuplicateLabel, a.Label)
	case !errors.Is(err, policy.ErrNotFound):
		return err
	}
	return nil
}

func (o *Orchestrator) create(ctx context.Context, a policy.Authorization) error {
	if err := o.policies.Create(ctx, a); err != nil {
		return fmt.Errorf("create %s: %w", a.Label, err)
	}
	for _, g := range a.Grants {
		if err := o.credentials.Mint(ctx, a.Label, g.Holder, g.Amount); err != nil {
			return fmt.Errorf("grant %s to %s: %w", a.Label, g.Holder, err)
		}
	}
	o.logger.InfoContext(ctx, "authorization created", "label", a.Label, "mode", a.Mode, "domain", a.Domain())
	return nil
}

// ModifyAuthorization changes the mutable fields of a label.
func (o *Orchestrator) ModifyAuthorization(ctx context.Context, caller string, m policy.Modification) (policy.Authorization, error) {
	if err := o.require(caller, CapManageAuthorizations); err != nil {
		return policy.Authorization{}, err
	}
	a, err := o.policies.Modify(ctx, m)
	if err != nil {
		return policy.Authorization{}, err
	}
	o.logger.InfoContext(ctx, "authorization modified", "label", a.Label)
	return a, nil
}

func (o *Orchestrator) EnableAuthorization(ctx context.Context, caller, label string) error {
	return o.setState(ctx, caller, label, policy.Enabled)
}

func (o *Orchestrator) DisableAuthorization(ctx context.Context, caller, label string) error {
	return o.setState(ctx, caller, label, policy.Disabled)
}

func (o *Orchestrator) setState(ctx context.Context, caller, label string, s policy.State) error {
	if err := o.require(caller, CapManageAuthorizations); err != nil {
		return err
	}
	if err := o.policies.SetState(ctx, label, s); err != nil {
		return err
	}
	o.logger.InfoContext(ctx, "authorization state changed", "label", label, "state", s)
	return nil
}

// MintAuthorization issues credential units of a permissioned label.
func (o *Orchestrator) MintAuthorization(ctx context.Context, caller, label string, grants ...policy.Grant) error {
	if err := o.require(caller, CapMintCredentials); err != nil {
		return err
	}
	a, err := o.policies.Get(ctx, policy.NormalizeLabel(label))
	if err != nil {
		return err
	}
	if !a.Mode.RequiresCredential() {
		return fmt.Errorf("%w: %s is permissionless", ErrInvalidRequest, a.Label)
	}
	for _, g := range grants {
		if err := o.credentials.Mint(ctx, a.Label, g.Holder, g.Amount); err != nil {
			return fmt.Errorf("mint %s to %s: %w", a.Label, g.Holder, err)
		}
	}
	return nil
}

// ExternalDomain connects a remote domain and names the address trusted to
// report its callbacks.
type ExternalDomain struct {
	Name           string
	CallbackSender string
	Remote         routing.Remote
}

func (o *Orchestrator) AddExternalDomains(ctx context.Context, caller string, domains ...ExternalDomain) error {
	if err := o.require(caller, CapManageDomains); err != nil {
		return err
	}
	for _, d := range domains {
		if d.Name == "" || d.CallbackSender == "" {
			return fmt.Errorf("%w: external domain needs a name and a callback sender", ErrInvalidRequest)
		}
		if err := o.router.AddRemote(d.Name, d.Remote); err != nil {
			return err
		}
		o.TrustCallbacks(d.Name, d.CallbackSender)
		o.logger.InfoContext(ctx, "external domain added", "domain", d.Name, "sender", d.CallbackSender)
	}
	return nil
}

func (o *Orchestrator) PauseProcessor(ctx context.Context, caller, domain string) error {
	if err := o.require(caller, CapManageProcessors); err != nil {
		return err
	}
	return o.router.Pause(ctx, domain)
}

func (o *Orchestrator) ResumeProcessor(ctx context.Context, caller, domain string) error {
	if err := o.require(caller, CapManageProcessors); err != nil {
		return err
	}
	return o.router.Resume(ctx, domain)
}

// InsertRequest places owner-supplied messages for a label at a chosen queue
// position, bypassing admission.
type InsertRequest struct {
	Label    string              `json:"label"`
	Priority contracts.Priority  `json:"priority"`
	Position int                 `json:"position"`
	Messages []contracts.Message `json:"messages"`
}

// InsertMessages allocates an execution id for the inserted batch and returns
// it. The caller is recorded as initiator and no credential is escrowed.
func (o *Orchestrator) InsertMessages(ctx context.Context, caller string, req InsertRequest) (uint64, error) {
	if err := o.require(caller, CapManageQueues); err != nil {
		return 0, err
	}
	a, err := o.policies.Get(ctx, policy.NormalizeLabel(req.Label))
	if err != nil {
		return 0, err
	}
	if len(req.Messages) != len(a.Subroutine.Functions) {
		return 0, fmt.Errorf("%w: %s expects %d messages, got %d", ErrInvalidRequest, a.Label, len(a.Subroutine.Functions), len(req.Messages))
	}
	prio := req.Priority.OrDefault()
	if !prio.Valid() {
		return 0, fmt.Errorf("%w: priority %q", ErrInvalidRequest, req.Priority)
	}

	batch := contracts.MessageBatch{
		ID:         o.allocateID(),
		Label:      a.Label,
		Messages:   contracts.CloneMessages(req.Messages),
		Subroutine: a.Subroutine.Clone(),
		Priority:   prio,
	}
	if err := o.ledger.Create(ctx, ledger.Record{
		ExecutionID: batch.ID,
		Initiator:   caller,
		Domain:      batch.Domain(),
		Label:       a.Label,
		Messages:    batch.Messages,
		Result:      contracts.InProcess(),
	}); err != nil {
		return 0, fmt.Errorf("record execution %d: %w", batch.ID, err)
	}

	err = o.router.Insert(ctx, batch.Domain(), processor.InsertRequest{Priority: prio, Position: req.Position, Batch: batch})
	if err != nil {
		if ferr := o.finish(ctx, batch.ID, contracts.UnexpectedError(err.Error()), nil); ferr != nil {
			o.logger.ErrorContext(ctx, "settle failed insert", "execution_id", batch.ID, "error", ferr)
		}
		return batch.ID, fmt.Errorf("insert execution %d: %w", batch.ID, err)
	}
	o.logger.InfoContext(ctx, "messages inserted", "execution_id", batch.ID, "label", a.Label, "position", req.Position)
	return batch.ID, nil
}

// EvictMessages removes the batch at position of a domain's queue. The
// processor reports it as removed by owner.
func (o *Orchestrator) EvictMessages(ctx context.Context, caller, domain string, priority contracts.Priority, position int) error {
	if err := o.require(caller, CapManageQueues); err != nil {
		return err
	}
	return o.router.Evict(ctx, domain, processor.EvictRequest{Priority: priority.OrDefault(), Position: position})
}

// EvictAwaiting removes a batch parked on a confirmation.
func (o *Orchestrator) EvictAwaiting(ctx context.Context, caller, domain string, id uint64) error {
	if err := o.require(caller, CapManageQueues); err != nil {
		return err
	}
	return o.router.EvictAwaiting(ctx, domain, id)
}
