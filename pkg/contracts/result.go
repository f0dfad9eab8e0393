package contracts

import "fmt"

// ResultKind classifies an ExecutionResult.
type ResultKind string

const (
	ResultInProcess         ResultKind = "in_process"
	ResultSuccess           ResultKind = "success"
	ResultRejected          ResultKind = "rejected"
	ResultPartiallyExecuted ResultKind = "partially_executed"
	ResultExpired           ResultKind = "expired"
	ResultRemovedByOwner    ResultKind = "removed_by_owner"
	ResultTimeout           ResultKind = "timeout"
	ResultUnexpectedError   ResultKind = "unexpected_error"
)

// ExecutionResult is the outcome of an execution id. Every id receives exactly
// one terminal result; InProcess and retriable Timeout are intermediate.
type ExecutionResult struct {
	Kind          ResultKind `json:"kind"`
	Reason        string     `json:"reason,omitempty"`
	ExecutedCount int        `json:"executed_count,omitempty"`
	Retriable     bool       `json:"retriable,omitempty"`
	// AwaitingConfirmation marks an InProcess result for a batch parked on a
	// function-level callback confirmation.
	AwaitingConfirmation bool `json:"awaiting_confirmation,omitempty"`
}

func InProcess() ExecutionResult { return ExecutionResult{Kind: ResultInProcess} }

func AwaitingConfirmation(executed int) ExecutionResult {
	return ExecutionResult{Kind: ResultInProcess, ExecutedCount: executed, AwaitingConfirmation: true}
}

func Success() ExecutionResult { return ExecutionResult{Kind: ResultSuccess} }

func Rejected(reason string) ExecutionResult {
	return ExecutionResult{Kind: ResultRejected, Reason: reason}
}

func PartiallyExecuted(executed int, reason string) ExecutionResult {
	return ExecutionResult{Kind: ResultPartiallyExecuted, ExecutedCount: executed, Reason: reason}
}

func Expired(executed int) ExecutionResult {
	return ExecutionResult{Kind: ResultExpired, ExecutedCount: executed}
}

func RemovedByOwner() ExecutionResult { return ExecutionResult{Kind: ResultRemovedByOwner} }

func Timeout(retriable bool) ExecutionResult {
	return ExecutionResult{Kind: ResultTimeout, Retriable: retriable}
}

func UnexpectedError(reason string) ExecutionResult {
	return ExecutionResult{Kind: ResultUnexpectedError, Reason: reason}
}

// IsTerminal reports whether no further result may follow this one.
func (r ExecutionResult) IsTerminal() bool {
	switch r.Kind {
	case ResultInProcess, "":
		return false
	case ResultTimeout:
		return !r.Retriable
	default:
		return true
	}
}

// CommittedEffects reports whether any target-visible effect was committed.
func (r ExecutionResult) CommittedEffects() bool {
	switch r.Kind {
	case ResultSuccess:
		return true
	case ResultPartiallyExecuted, ResultExpired:
		return r.ExecutedCount > 0
	}
	return false
}

func (r ExecutionResult) String() string {
	switch r.Kind {
	case ResultRejected, ResultUnexpectedError:
		return fmt.Sprintf("%s(%s)", r.Kind, r.Reason)
	case ResultPartiallyExecuted:
		return fmt.Sprintf("%s(%d, %s)", r.Kind, r.ExecutedCount, r.Reason)
	case ResultExpired:
		return fmt.Sprintf("%s(%d)", r.Kind, r.ExecutedCount)
	case ResultTimeout:
		return fmt.Sprintf("%s(retriable=%t)", r.Kind, r.Retriable)
	default:
		return string(r.Kind)
	}
}

// Callback is the immutable result report a processor sends back to the
// authorization side.
type Callback struct {
	ExecutionID   uint64          `json:"execution_id"`
	Domain        string          `json:"domain"`
	Result        ExecutionResult `json:"result"`
	ExecutedCount int             `json:"executed_count"`
	ErrorData     []byte          `json:"error_data,omitempty"`
}

// NewCallback builds a callback for an execution id.
func NewCallback(id uint64, domain string, res ExecutionResult) Callback {
	return Callback{
		ExecutionID:   id,
		Domain:        domain,
		Result:        res,
		ExecutedCount: res.ExecutedCount,
	}
}
