package authorization

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/xdomain/pkg/contracts"
	"github.com/Mindburn-Labs/xdomain/pkg/evaluator"
	"github.com/Mindburn-Labs/xdomain/pkg/store/ledger"
	"github.com/Mindburn-Labs/xdomain/pkg/zk"
)

var errNoZK = fmt.Errorf("%w: proof-gated execution is not configured", ErrInvalidRequest)

func (o *Orchestrator) AddZKAuthorizations(ctx context.Context, caller string, auths ...zk.Authorization) error {
	if err := o.require(caller, CapManageZK); err != nil {
		return err
	}
	if o.zk == nil {
		return errNoZK
	}
	for _, a := range auths {
		if !o.router.Has(a.Subroutine.Domain()) {
			return fmt.Errorf("%w: %s (zk label %s)", ErrUnknownDomain, a.Subroutine.Domain(), a.Label)
		}
	}
	if err := o.zk.Add(auths...); err != nil {
		return err
	}
	o.logger.InfoContext(ctx, "zk authorizations added", "count", len(auths))
	return nil
}

func (o *Orchestrator) RemoveZKAuthorizations(ctx context.Context, caller string, labels ...string) error {
	if err := o.require(caller, CapManageZK); err != nil {
		return err
	}
	if o.zk == nil {
		return errNoZK
	}
	if err := o.zk.Remove(labels...); err != nil {
		return err
	}
	o.logger.InfoContext(ctx, "zk authorizations removed", "labels", labels)
	return nil
}

// ExecuteZKMessage admits a proof-gated message. inputs are the public inputs
// of the proof, a JSON encoded zk.Message. Checks run before anything is
// recorded; from dispatch onwards the execution follows the SendMsgs path.
func (o *Orchestrator) ExecuteZKMessage(ctx context.Context, sender string, inputs, proof []byte) (uint64, error) {
	ctx, done := o.tracker.TrackOperation(ctx, "authorization.execute_zk")
	id, err := o.executeZK(ctx, sender, inputs, proof)
	done(err)
	return id, err
}

func (o *Orchestrator) executeZK(ctx context.Context, sender string, inputs, proof []byte) (uint64, error) {
	if o.zk == nil {
		return 0, errNoZK
	}
	msg, err := zk.ParseMessage(inputs)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	batch, err := o.admitZK(ctx, sender, msg, inputs, proof)
	o.observeAdmission(ctx, msg.Label, batch.ID, err)
	if err != nil {
		return 0, err
	}
	o.logger.InfoContext(ctx, "zk message accepted", "execution_id", batch.ID, "label", batch.Label, "block", msg.BlockNumber)
	return batch.ID, o.dispatch(ctx, batch)
}

func (o *Orchestrator) admitZK(ctx context.Context, sender string, msg zk.Message, inputs, proof []byte) (contracts.MessageBatch, error) {
	o.admit.Lock()
	defer o.admit.Unlock()

	a, err := o.zk.Get(msg.Label)
	if errors.Is(err, zk.ErrNotFound) {
		return contracts.MessageBatch{}, reject(ZKLabelNotFound, "zk label %q does not exist", msg.Label)
	}
	if err != nil {
		return contracts.MessageBatch{}, err
	}
	if msg.Registry != a.Registry {
		return contracts.MessageBatch{}, reject(ZKRegistryMismatch, "message registry %d, label uses %d", msg.Registry, a.Registry)
	}
	if msg.Authorization != "" && msg.Authorization != o.router.Self() {
		return contracts.MessageBatch{}, reject(ZKWrongTarget, "message is bound to %q", msg.Authorization)
	}
	if !a.Allows(sender) {
		return contracts.MessageBatch{}, reject(ZKSenderNotAllowed, "sender %q may not submit for %q", sender, a.Label)
	}
	if err := o.zk.CheckBlock(a.Label, msg.BlockNumber); err != nil {
		if errors.Is(err, zk.ErrReplay) {
			return contracts.MessageBatch{}, reject(ZKReplay, "%v", err)
		}
		return contracts.MessageBatch{}, err
	}
	ok, err := o.verifier.Verify(a.VerifyingKey, inputs, proof)
	if err != nil {
		return contracts.MessageBatch{}, fmt.Errorf("verify proof: %w", err)
	}
	if !ok {
		return contracts.MessageBatch{}, reject(ZKInvalidProof, "proof does not verify for %q", a.Label)
	}
	if len(msg.Messages) != len(a.Subroutine.Functions) {
		return contracts.MessageBatch{}, reject(evaluator.MessageCountMismatch, "zk label %q expects %d messages, got %d", a.Label, len(a.Subroutine.Functions), len(msg.Messages))
	}

	batch := contracts.MessageBatch{
		ID:         o.allocateID(),
		Label:      a.Label,
		Messages:   msg.Messages,
		Subroutine: a.Subroutine,
		Priority:   a.Priority.OrDefault(),
	}
	if err := o.ledger.Create(ctx, ledger.Record{
		ExecutionID: batch.ID,
		Initiator:   sender,
		Domain:      batch.Domain(),
		Label:       a.Label,
		Messages:    batch.Messages,
		Result:      contracts.InProcess(),
	}); err != nil {
		return contracts.MessageBatch{}, fmt.Errorf("record execution %d: %w", batch.ID, err)
	}
	o.zk.RecordBlock(a.Label, msg.BlockNumber)
	return batch, nil
}
