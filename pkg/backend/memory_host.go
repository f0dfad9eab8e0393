package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/xdomain/pkg/contracts"
)

// Flavor selects how the host treats calls to missing targets.
type Flavor string

const (
	// FlavorWasm fails calls to missing contracts or entry points.
	FlavorWasm Flavor = "wasm"
	// FlavorEVM lets calls to missing contracts return without error and
	// routes unknown entry points to a fallback handler when one exists.
	FlavorEVM Flavor = "evm"
)

// Handler implements one entry point of an in-memory contract. Returning an
// error reverts the call.
type Handler func(cc *CallContext, msg contracts.Message) ([]byte, error)

// Contract is a set of entry points. Raw handles opaque messages; Fallback
// receives structured messages whose entry point is not in Handlers.
type Contract struct {
	Handlers map[string]Handler
	Raw      Handler
	Fallback Handler
}

// MemoryHost is an in-process execution environment over a key-value state.
// Each Tx journals its writes and applies them on Commit.
type MemoryHost struct {
	flavor Flavor

	mu        sync.RWMutex
	contracts map[string]Contract
	state     map[string][]byte
}

// NewMemoryHost creates an empty host of the given flavor.
func NewMemoryHost(flavor Flavor) *MemoryHost {
	return &MemoryHost{
		flavor:    flavor,
		contracts: make(map[string]Contract),
		state:     make(map[string][]byte),
	}
}

func (h *MemoryHost) Name() string { return "memory-" + string(h.flavor) }

// Deploy registers a contract at address.
func (h *MemoryHost) Deploy(address string, c Contract) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.contracts[address]; ok {
		return fmt.Errorf("%s: %w", address, ErrAlreadyExists)
	}
	h.contracts[address] = c
	return nil
}

// Get reads committed state of a contract.
func (h *MemoryHost) Get(contract, key string) ([]byte, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, ok := h.state[stateKey(contract, key)]
	return append([]byte(nil), v...), ok
}

// Keys lists the committed keys of a contract.
func (h *MemoryHost) Keys(contract string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	prefix := contract + "/"
	var out []string
	for k := range h.state {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, k[len(prefix):])
		}
	}
	sort.Strings(out)
	return out
}

func (h *MemoryHost) Begin(_ context.Context) (Tx, error) {
	return &memoryTx{host: h, writes: make(map[string]*[]byte)}, nil
}

type memoryTx struct {
	host   *MemoryHost
	writes map[string]*[]byte // nil pointer value marks a delete
	done   bool
}

func (tx *memoryTx) read(k string) ([]byte, bool) {
	if w, ok := tx.writes[k]; ok {
		if w == nil {
			return nil, false
		}
		return *w, true
	}
	tx.host.mu.RLock()
	defer tx.host.mu.RUnlock()
	v, ok := tx.host.state[k]
	return v, ok
}

func (tx *memoryTx) Call(ctx context.Context, call FunctionCall) (res CallResult, err error) {
	if tx.done {
		return CallResult{}, ErrTxClosed
	}

	tx.host.mu.RLock()
	c, exists := tx.host.contracts[call.Contract]
	tx.host.mu.RUnlock()

	if !exists {
		if tx.host.flavor == FlavorEVM {
			return CallResult{TargetExists: false}, nil
		}
		return CallResult{Reverted: true, RevertReason: fmt.Sprintf("contract %q not found", call.Contract)}, nil
	}
	res.TargetExists = true

	handler, found := c.entryPoint(call.Message)
	res.EntryPointFound = found
	if !found {
		if c.Fallback == nil {
			res.Reverted = true
			res.RevertReason = fmt.Sprintf("entry point %q not found", call.Message.Name)
			return res, nil
		}
		handler = c.Fallback
		res.FallbackInvoked = true
	}

	cc := &CallContext{ctx: ctx, tx: tx, contract: call.Contract, executionID: call.ExecutionID, staged: make(map[string]*[]byte)}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("contract %q panicked: %v", call.Contract, r)
		}
	}()

	out, herr := handler(cc, call.Message)
	if herr != nil {
		res.Reverted = true
		res.RevertReason = herr.Error()
		return res, nil
	}
	for k, v := range cc.staged {
		tx.writes[k] = v
	}
	res.ReturnData = out
	return res, nil
}

func (tx *memoryTx) Commit(_ context.Context) error {
	if tx.done {
		return ErrTxClosed
	}
	tx.done = true
	tx.host.mu.Lock()
	defer tx.host.mu.Unlock()
	for k, v := range tx.writes {
		if v == nil {
			delete(tx.host.state, k)
			continue
		}
		tx.host.state[k] = *v
	}
	return nil
}

func (tx *memoryTx) Rollback(_ context.Context) error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.writes = nil
	return nil
}

func (c Contract) entryPoint(msg contracts.Message) (Handler, bool) {
	if msg.Kind == contracts.MessageRaw {
		return c.Raw, c.Raw != nil
	}
	h, ok := c.Handlers[msg.Name]
	return h, ok
}

// CallContext is the view a handler has of contract state during one call.
// Writes are staged and discarded if the handler reverts.
type CallContext struct {
	ctx         context.Context
	tx          *memoryTx
	contract    string
	executionID uint64
	staged      map[string]*[]byte
}

func (cc *CallContext) Context() context.Context { return cc.ctx }

func (cc *CallContext) ExecutionID() uint64 { return cc.executionID }

func (cc *CallContext) Contract() string { return cc.contract }

func (cc *CallContext) Get(key string) ([]byte, bool) {
	k := stateKey(cc.contract, key)
	if w, ok := cc.staged[k]; ok {
		if w == nil {
			return nil, false
		}
		return append([]byte(nil), *w...), true
	}
	v, ok := cc.tx.read(k)
	return append([]byte(nil), v...), ok
}

func (cc *CallContext) Set(key string, value []byte) {
	v := append([]byte(nil), value...)
	cc.staged[stateKey(cc.contract, key)] = &v
}

func (cc *CallContext) Delete(key string) {
	cc.staged[stateKey(cc.contract, key)] = nil
}

// ErrRevert is a convenience for handlers that reject a call.
var ErrRevert = errors.New("reverted")

func stateKey(contract, key string) string { return contract + "/" + key }
