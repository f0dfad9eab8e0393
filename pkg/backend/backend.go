// Package backend abstracts the execution environment a processor runs
// function calls against. A Tx groups calls into one all-or-nothing unit.
package backend

import (
	"context"
	"errors"

	"github.com/Mindburn-Labs/xdomain/pkg/contracts"
)

var (
	ErrTxClosed      = errors.New("transaction already finished")
	ErrAlreadyExists = errors.New("contract already deployed")
)

// FunctionCall is one message delivered to a target contract.
type FunctionCall struct {
	ExecutionID uint64
	Index       int
	Contract    string
	Message     contracts.Message
}

// CallResult is the raw outcome of a call as the environment reports it.
// Whether it counts as success is decided by a SuccessPredicate.
type CallResult struct {
	TargetExists    bool   `json:"target_exists"`
	EntryPointFound bool   `json:"entry_point_found"`
	FallbackInvoked bool   `json:"fallback_invoked"`
	Reverted        bool   `json:"reverted"`
	RevertReason    string `json:"revert_reason,omitempty"`
	ReturnData      []byte `json:"return_data,omitempty"`
}

// Tx is a unit of calls whose effects become visible only on Commit.
type Tx interface {
	// Call executes one function. A reverted call reports Reverted and leaves
	// no effects; an error means the environment itself failed.
	Call(ctx context.Context, call FunctionCall) (CallResult, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Backend is an execution environment.
type Backend interface {
	Name() string
	Begin(ctx context.Context) (Tx, error)
}
