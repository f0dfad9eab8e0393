// Package routing forwards accepted batches to the processor of their target
// domain, either by direct call when the processor runs in this process or
// through a connector, and carries results back to the authorization side.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/xdomain/pkg/connector"
	"github.com/Mindburn-Labs/xdomain/pkg/contracts"
	"github.com/Mindburn-Labs/xdomain/pkg/encoding"
	"github.com/Mindburn-Labs/xdomain/pkg/processor"
)

var (
	ErrUnknownDomain = errors.New("unknown domain")
	ErrDomainExists  = errors.New("domain already routed")
	ErrNoHandler     = errors.New("no result handler attached")
)

// LocalProcessor is a processor reachable by direct call.
type LocalProcessor interface {
	Domain() string
	Execute(ctx context.Context, caller string, batch contracts.MessageBatch) error
	Pause(ctx context.Context, caller string) error
	Resume(ctx context.Context, caller string) error
	InsertAt(ctx context.Context, caller string, req processor.InsertRequest) error
	EvictAt(ctx context.Context, caller string, req processor.EvictRequest) (uint64, error)
	EvictAwaiting(ctx context.Context, caller string, id uint64) error
}

// ResultHandler consumes callbacks; sender is the identity that delivered it.
type ResultHandler interface {
	HandleCallback(ctx context.Context, sender string, cb contracts.Callback) error
}

// Remote describes how to reach an external domain.
type Remote struct {
	Connector connector.Connector
	// TTL bounds how long the bridge may take before a timeout becomes
	// final. Zero means timeouts are always retriable.
	TTL time.Duration
	// Bridge names the decoder for inbound callbacks; empty uses JSON.
	Bridge string
}

// Router is safe for concurrent use. It never holds its lock while calling a
// processor or connector, so callbacks may re-enter it synchronously.
type Router struct {
	self     string
	encoders *encoding.Registry
	clock    contracts.Clock
	logger   *slog.Logger

	mu      sync.RWMutex
	local   map[string]LocalProcessor
	remote  map[string]Remote
	ttls    map[uint64]contracts.Bound
	results ResultHandler
}

// New creates a router that identifies itself to processors as self.
func New(self string, encoders *encoding.Registry, clock contracts.Clock) *Router {
	if encoders == nil {
		encoders = encoding.NewRegistry()
	}
	if clock == nil {
		clock = contracts.SystemClock{}
	}
	return &Router{
		self:     self,
		encoders: encoders,
		clock:    clock,
		logger:   slog.Default().With("component", "router"),
		local:    make(map[string]LocalProcessor),
		remote:   make(map[string]Remote),
		ttls:     make(map[uint64]contracts.Bound),
	}
}

// Self is the identity the router presents to processors.
func (r *Router) Self() string { return r.self }

// SetResultHandler attaches the consumer of callbacks.
func (r *Router) SetResultHandler(h ResultHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = h
}

func (r *Router) AddLocal(p LocalProcessor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := p.Domain()
	if r.known(d) {
		return fmt.Errorf("%w: %s", ErrDomainExists, d)
	}
	r.local[d] = p
	return nil
}

func (r *Router) AddRemote(domain string, remote Remote) error {
	if remote.Connector == nil {
		return fmt.Errorf("remote %s: connector required", domain)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.known(domain) {
		return fmt.Errorf("%w: %s", ErrDomainExists, domain)
	}
	r.remote[domain] = remote
	return nil
}

func (r *Router) known(domain string) bool {
	_, l := r.local[domain]
	_, e := r.remote[domain]
	return l || e
}

// Has reports whether domain is routable.
func (r *Router) Has(domain string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.known(domain)
}

// Domains lists routable domains in order.
func (r *Router) Domains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.local)+len(r.remote))
	for d := range r.local {
		out = append(out, d)
	}
	for d := range r.remote {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func (r *Router) target(domain string) (LocalProcessor, *Remote, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.local[domain]; ok {
		return p, nil, nil
	}
	if rem, ok := r.remote[domain]; ok {
		return nil, &rem, nil
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrUnknownDomain, domain)
}

// Dispatch sends a batch to its domain. For remote domains the returned
// bound is the bridge ttl; local dispatch returns an unset bound.
func (r *Router) Dispatch(ctx context.Context, batch contracts.MessageBatch) (contracts.Bound, error) {
	domain := batch.Domain()
	p, rem, err := r.target(domain)
	if err != nil {
		return contracts.Bound{}, err
	}
	if p != nil {
		return contracts.Bound{}, p.Execute(ctx, r.self, batch)
	}

	encoded, err := r.encoders.EncodeBatch(batch)
	if err != nil {
		return contracts.Bound{}, fmt.Errorf("encode batch %d: %w", batch.ID, err)
	}
	env, err := connector.NewEnvelope(connector.KindExecute, domain, r.self, batch.ID, encoded)
	if err != nil {
		return contracts.Bound{}, err
	}
	if err := rem.Connector.Send(ctx, env); err != nil {
		return contracts.Bound{}, fmt.Errorf("send batch %d to %s: %w", batch.ID, domain, err)
	}

	var ttl contracts.Bound
	if rem.TTL > 0 {
		ttl = contracts.AtTime(r.clock.Now().Time.Add(rem.TTL))
		r.mu.Lock()
		r.ttls[batch.ID] = ttl
		r.mu.Unlock()
	}
	r.logger.DebugContext(ctx, "batch sent to remote domain", "execution_id", batch.ID, "domain", domain)
	return ttl, nil
}

// ClassifyTimeout turns a bridge timeout for id into a result: retriable
// while the ttl has not elapsed, final afterwards. ttl is the fallback
// bound used when the router does not track id.
func (r *Router) ClassifyTimeout(id uint64, ttl contracts.Bound) contracts.ExecutionResult {
	r.mu.RLock()
	if tracked, ok := r.ttls[id]; ok {
		ttl = tracked
	}
	r.mu.RUnlock()
	if ttl.IsZero() || !ttl.Reached(r.clock.Now()) {
		return contracts.Timeout(true)
	}
	return contracts.Timeout(false)
}

// OnDeliveryFailure reports that the bridge to domain lost execution id. The
// classified timeout reaches the result handler with the router as sender.
func (r *Router) OnDeliveryFailure(ctx context.Context, domain string, id uint64, ttl contracts.Bound) error {
	res := r.ClassifyTimeout(id, ttl)
	r.logger.WarnContext(ctx, "bridge delivery failed", "execution_id", id, "domain", domain, "retriable", res.Retriable)
	return r.OnRemoteResult(ctx, domain, r.self, contracts.NewCallback(id, domain, res))
}

// Forget drops ttl tracking for a finished execution.
func (r *Router) Forget(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ttls, id)
}

func (r *Router) command(ctx context.Context, domain string, kind connector.Kind, id uint64, body any, local func(LocalProcessor) error) error {
	p, rem, err := r.target(domain)
	if err != nil {
		return err
	}
	if p != nil {
		return local(p)
	}
	env, err := connector.NewEnvelope(kind, domain, r.self, id, body)
	if err != nil {
		return err
	}
	if err := rem.Connector.Send(ctx, env); err != nil {
		return fmt.Errorf("send %s to %s: %w", kind, domain, err)
	}
	return nil
}

func (r *Router) Pause(ctx context.Context, domain string) error {
	return r.command(ctx, domain, connector.KindPause, 0, nil, func(p LocalProcessor) error {
		return p.Pause(ctx, r.self)
	})
}

func (r *Router) Resume(ctx context.Context, domain string) error {
	return r.command(ctx, domain, connector.KindResume, 0, nil, func(p LocalProcessor) error {
		return p.Resume(ctx, r.self)
	})
}

func (r *Router) Insert(ctx context.Context, domain string, req processor.InsertRequest) error {
	return r.command(ctx, domain, connector.KindInsert, req.Batch.ID, req, func(p LocalProcessor) error {
		return p.InsertAt(ctx, r.self, req)
	})
}

func (r *Router) Evict(ctx context.Context, domain string, req processor.EvictRequest) error {
	return r.command(ctx, domain, connector.KindEvict, 0, req, func(p LocalProcessor) error {
		_, err := p.EvictAt(ctx, r.self, req)
		return err
	})
}

func (r *Router) EvictAwaiting(ctx context.Context, domain string, id uint64) error {
	return r.command(ctx, domain, connector.KindEvictAwaiting, id, nil, func(p LocalProcessor) error {
		return p.EvictAwaiting(ctx, r.self, id)
	})
}

// OnRemoteResult is the uniform inbound entrypoint for callbacks.
func (r *Router) OnRemoteResult(ctx context.Context, domain, sender string, cb contracts.Callback) error {
	r.mu.RLock()
	h := r.results
	r.mu.RUnlock()
	if h == nil {
		return ErrNoHandler
	}
	if cb.Domain == "" {
		cb.Domain = domain
	}
	if cb.Domain != domain {
		return fmt.Errorf("callback for domain %q arrived from %q", cb.Domain, domain)
	}
	return h.HandleCallback(ctx, sender, cb)
}

// HandleEnvelope accepts callback envelopes from remote processors.
func (r *Router) HandleEnvelope(ctx context.Context, env connector.Envelope) error {
	if env.Kind != connector.KindCallback {
		return fmt.Errorf("router cannot handle %q envelopes", env.Kind)
	}
	_, rem, err := r.target(env.Domain)
	if err != nil {
		return err
	}
	var dec encoding.Decoder = encoding.JSONCallbackDecoder{}
	if rem != nil && rem.Bridge != "" {
		if dec, err = r.encoders.Decoder(rem.Bridge); err != nil {
			return err
		}
	}
	cb, err := dec.Decode(env.Body)
	if err != nil {
		return err
	}
	return r.OnRemoteResult(ctx, env.Domain, env.Sender, cb)
}

// LocalSink is the callback sink for a processor running in this process.
func (r *Router) LocalSink(domain, sender string) processor.CallbackSink {
	return processor.SinkFunc(func(ctx context.Context, cb contracts.Callback) error {
		return r.OnRemoteResult(ctx, domain, sender, cb)
	})
}

// ConnectorSink sends a remote processor's callbacks back over a connector.
type ConnectorSink struct {
	Connector connector.Connector
	Domain    string
	Sender    string
}

func (s ConnectorSink) Deliver(ctx context.Context, cb contracts.Callback) error {
	env, err := connector.NewEnvelope(connector.KindCallback, s.Domain, s.Sender, cb.ExecutionID, cb)
	if err != nil {
		return err
	}
	return s.Connector.Send(ctx, env)
}
