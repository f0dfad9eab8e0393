package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// WasmHost executes calls as exported functions of WebAssembly modules.
// A structured message's name selects the export; the export takes no
// parameters and returns an i32 status where 0 reverts the call. Calls to
// missing modules or exports always fail. Modules are instantiated fresh for
// every call and keep no state, so Commit and Rollback have nothing to apply.
type WasmHost struct {
	runtime wazero.Runtime
	timeout time.Duration

	mu      sync.RWMutex
	modules map[string]wazero.CompiledModule
}

// NewWasmHost creates a host with a memory ceiling in 64KiB pages and a
// per-call timeout. Zero values mean no limit.
func NewWasmHost(ctx context.Context, memoryPages uint32, timeout time.Duration) *WasmHost {
	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if memoryPages > 0 {
		cfg = cfg.WithMemoryLimitPages(memoryPages)
	}
	return &WasmHost{
		runtime: wazero.NewRuntimeWithConfig(ctx, cfg),
		timeout: timeout,
		modules: make(map[string]wazero.CompiledModule),
	}
}

func (h *WasmHost) Name() string { return "wasm" }

// Deploy compiles a module and registers it at address.
func (h *WasmHost) Deploy(ctx context.Context, address string, wasm []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.modules[address]; ok {
		return fmt.Errorf("%s: %w", address, ErrAlreadyExists)
	}
	compiled, err := h.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return fmt.Errorf("wasm: compilation failed: %w", err)
	}
	h.modules[address] = compiled
	return nil
}

func (h *WasmHost) Begin(_ context.Context) (Tx, error) {
	return &wasmTx{host: h}, nil
}

// Close releases the runtime and every compiled module.
func (h *WasmHost) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}

type wasmTx struct {
	host *WasmHost
	done bool
}

func (tx *wasmTx) Call(ctx context.Context, call FunctionCall) (CallResult, error) {
	if tx.done {
		return CallResult{}, ErrTxClosed
	}
	tx.host.mu.RLock()
	compiled, ok := tx.host.modules[call.Contract]
	tx.host.mu.RUnlock()
	if !ok {
		return CallResult{Reverted: true, RevertReason: fmt.Sprintf("contract %q not found", call.Contract)}, nil
	}
	res := CallResult{TargetExists: true}

	def, found := compiled.ExportedFunctions()[call.Message.Name]
	if !found || len(def.ParamTypes()) != 0 || len(def.ResultTypes()) != 1 || def.ResultTypes()[0] != api.ValueTypeI32 {
		res.Reverted = true
		res.RevertReason = fmt.Sprintf("entry point %q not found", call.Message.Name)
		return res, nil
	}
	res.EntryPointFound = true

	if tx.host.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, tx.host.timeout)
		defer cancel()
	}

	mod, err := tx.host.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName("").WithStartFunctions())
	if err != nil {
		return CallResult{}, fmt.Errorf("wasm: instantiation failed: %w", err)
	}
	defer func() { _ = mod.Close(ctx) }()

	out, err := mod.ExportedFunction(call.Message.Name).Call(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return CallResult{}, fmt.Errorf("wasm: execution timed out: %w", ctx.Err())
		}
		res.Reverted = true
		res.RevertReason = err.Error()
		return res, nil
	}
	if api.DecodeI32(out[0]) == 0 {
		res.Reverted = true
		res.RevertReason = "returned status 0"
		return res, nil
	}
	return res, nil
}

func (tx *wasmTx) Commit(_ context.Context) error {
	if tx.done {
		return ErrTxClosed
	}
	tx.done = true
	return nil
}

func (tx *wasmTx) Rollback(_ context.Context) error {
	tx.done = true
	return nil
}
