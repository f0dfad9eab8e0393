package processor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Mindburn-Labs/xdomain/pkg/connector"
	"github.com/Mindburn-Labs/xdomain/pkg/contracts"
)

// InsertRequest is the body of an insert envelope.
type InsertRequest struct {
	Priority contracts.Priority     `json:"priority"`
	Position int                    `json:"position"`
	Batch    contracts.MessageBatch `json:"batch"`
}

// EvictRequest is the body of an evict envelope.
type EvictRequest struct {
	Priority contracts.Priority `json:"priority"`
	Position int                `json:"position"`
}

// ConfirmRequest is the body of a confirm envelope. The confirming sender is
// the envelope sender.
type ConfirmRequest struct {
	Payload []byte `json:"payload,omitempty"`
}

// Status summarizes a processor for inspection.
type Status struct {
	Domain   string `json:"domain"`
	Paused   bool   `json:"paused"`
	High     int    `json:"high"`
	Medium   int    `json:"medium"`
	Awaiting int    `json:"awaiting"`
}

// Processor guards an engine. Batches are accepted only from the
// authorization address or an explicitly authorized direct caller; queue
// surgery and pause/resume are reserved to the authorization address. Tick
// and confirmations are open to anyone.
type Processor struct {
	engine        Engine
	authorization string
	logger        *slog.Logger

	mu      sync.RWMutex
	callers map[string]struct{}
}

// NewProcessor wraps engine for a processor owned by authorization.
func NewProcessor(engine Engine, authorization string, directCallers ...string) *Processor {
	p := &Processor{
		engine:        engine,
		authorization: authorization,
		logger:        slog.Default().With("component", "processor_gate", "domain", engine.Domain()),
		callers:       make(map[string]struct{}),
	}
	for _, c := range directCallers {
		p.callers[c] = struct{}{}
	}
	return p
}

func (p *Processor) Domain() string { return p.engine.Domain() }

// Engine exposes the guarded engine for local wiring.
func (p *Processor) Engine() Engine { return p.engine }

func (p *Processor) requireAuthorization(caller string) error {
	if caller != p.authorization {
		return fmt.Errorf("%w: %q", ErrUnauthorized, caller)
	}
	return nil
}

func (p *Processor) canExecute(caller string) bool {
	if caller == p.authorization {
		return true
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.callers[caller]
	return ok
}

// AuthorizeCaller lets caller submit batches directly.
func (p *Processor) AuthorizeCaller(caller, addr string) error {
	if err := p.requireAuthorization(caller); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callers[addr] = struct{}{}
	return nil
}

// RevokeCaller removes a direct caller.
func (p *Processor) RevokeCaller(caller, addr string) error {
	if err := p.requireAuthorization(caller); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.callers, addr)
	return nil
}

// Execute enqueues a batch.
func (p *Processor) Execute(ctx context.Context, caller string, batch contracts.MessageBatch) error {
	if !p.canExecute(caller) {
		p.logger.WarnContext(ctx, "batch from unauthorized caller", "caller", caller, "execution_id", batch.ID)
		return fmt.Errorf("%w: %q", ErrUnauthorized, caller)
	}
	return p.engine.Enqueue(ctx, batch)
}

// Tick is permissionless.
func (p *Processor) Tick(ctx context.Context) (TickReport, error) {
	return p.engine.Tick(ctx)
}

func (p *Processor) Pause(ctx context.Context, caller string) error {
	if err := p.requireAuthorization(caller); err != nil {
		return err
	}
	p.engine.Pause(ctx)
	return nil
}

func (p *Processor) Resume(ctx context.Context, caller string) error {
	if err := p.requireAuthorization(caller); err != nil {
		return err
	}
	p.engine.Resume(ctx)
	return nil
}

func (p *Processor) InsertAt(ctx context.Context, caller string, req InsertRequest) error {
	if err := p.requireAuthorization(caller); err != nil {
		return err
	}
	return p.engine.InsertAt(ctx, req.Priority, req.Position, req.Batch)
}

func (p *Processor) EvictAt(ctx context.Context, caller string, req EvictRequest) (uint64, error) {
	if err := p.requireAuthorization(caller); err != nil {
		return 0, err
	}
	return p.engine.EvictAt(ctx, req.Priority, req.Position)
}

func (p *Processor) EvictAwaiting(ctx context.Context, caller string, id uint64) error {
	if err := p.requireAuthorization(caller); err != nil {
		return err
	}
	return p.engine.EvictAwaiting(ctx, id)
}

// Confirm forwards an external confirmation for a parked batch.
func (p *Processor) Confirm(ctx context.Context, sender string, id uint64, payload []byte) error {
	return p.engine.Confirm(ctx, id, sender, payload)
}

func (p *Processor) Status() Status {
	return Status{
		Domain:   p.engine.Domain(),
		Paused:   p.engine.Paused(),
		High:     len(p.engine.Snapshot(contracts.PriorityHigh)),
		Medium:   len(p.engine.Snapshot(contracts.PriorityMedium)),
		Awaiting: len(p.engine.Awaiting()),
	}
}

// Queue returns one priority level, head first.
func (p *Processor) Queue(priority contracts.Priority) []contracts.MessageBatch {
	return p.engine.Snapshot(priority)
}

// HandleEnvelope dispatches an inbound envelope. The envelope sender is the
// caller identity as established by the transport.
func (p *Processor) HandleEnvelope(ctx context.Context, env connector.Envelope) error {
	if env.Domain != p.engine.Domain() {
		return fmt.Errorf("envelope for domain %q delivered to %q", env.Domain, p.engine.Domain())
	}
	switch env.Kind {
	case connector.KindExecute:
		var batch contracts.MessageBatch
		if err := env.Decode(&batch); err != nil {
			return err
		}
		return p.Execute(ctx, env.Sender, batch)
	case connector.KindInsert:
		var req InsertRequest
		if err := env.Decode(&req); err != nil {
			return err
		}
		return p.InsertAt(ctx, env.Sender, req)
	case connector.KindEvict:
		var req EvictRequest
		if err := env.Decode(&req); err != nil {
			return err
		}
		_, err := p.EvictAt(ctx, env.Sender, req)
		return err
	case connector.KindEvictAwaiting:
		return p.EvictAwaiting(ctx, env.Sender, env.ExecutionID)
	case connector.KindPause:
		return p.Pause(ctx, env.Sender)
	case connector.KindResume:
		return p.Resume(ctx, env.Sender)
	case connector.KindConfirm:
		var req ConfirmRequest
		if len(env.Body) > 0 {
			if err := env.Decode(&req); err != nil {
				return err
			}
		}
		return p.Confirm(ctx, env.Sender, env.ExecutionID, req.Payload)
	default:
		return fmt.Errorf("processor cannot handle %q envelopes", env.Kind)
	}
}
