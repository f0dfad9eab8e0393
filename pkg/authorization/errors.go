package authorization

import (
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/xdomain/pkg/evaluator"
)

var (
	ErrUnauthorized    = errors.New("caller lacks the required capability")
	ErrUntrustedSender = errors.New("callback sender is not trusted for domain")
	ErrUnknownDomain   = errors.New("domain is not routable")
	ErrNotRetriable    = errors.New("execution is not in a retriable timeout")
	ErrInvalidRequest  = errors.New("invalid request")
)

// Admission codes raised by the orchestrator itself, alongside the
// evaluator's codes.
const (
	ZKLabelNotFound    evaluator.DenyCode = "ZK_LABEL_NOT_FOUND"
	ZKRegistryMismatch evaluator.DenyCode = "ZK_REGISTRY_MISMATCH"
	ZKWrongTarget      evaluator.DenyCode = "ZK_WRONG_AUTHORIZATION"
	ZKSenderNotAllowed evaluator.DenyCode = "ZK_SENDER_NOT_ALLOWED"
	ZKReplay           evaluator.DenyCode = "ZK_REPLAY"
	ZKInvalidProof     evaluator.DenyCode = "ZK_INVALID_PROOF"
)

// RejectionError is a synchronous admission rejection. Nothing was mutated.
type RejectionError struct {
	Code   evaluator.DenyCode `json:"code"`
	Reason string             `json:"reason"`
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("rejected (%s): %s", e.Code, e.Reason)
}

func reject(code evaluator.DenyCode, format string, args ...any) *RejectionError {
	return &RejectionError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// IsRejection reports whether err is an admission rejection and returns it.
func IsRejection(err error) (*RejectionError, bool) {
	var rej *RejectionError
	ok := errors.As(err, &rej)
	return rej, ok
}
