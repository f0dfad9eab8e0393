package backend

import "fmt"

// SuccessPredicate decides whether a call result is a genuine success. A
// false verdict carries the reason reported to the caller.
type SuccessPredicate interface {
	Succeeded(res CallResult) (bool, string)
}

// PredicateFunc adapts a function to SuccessPredicate.
type PredicateFunc func(res CallResult) (bool, string)

func (f PredicateFunc) Succeeded(res CallResult) (bool, string) { return f(res) }

// RawOutcomePredicate trusts the raw call outcome: anything that did not
// revert is a success. Calls to missing targets or swallowed entry points on
// permissive environments pass.
var RawOutcomePredicate SuccessPredicate = PredicateFunc(func(res CallResult) (bool, string) {
	if res.Reverted {
		return false, revertReason(res)
	}
	return true, ""
})

// ExistenceCheckedPredicate additionally requires the target to exist and the
// requested entry point to have run, rejecting fallback-handled calls.
var ExistenceCheckedPredicate SuccessPredicate = PredicateFunc(func(res CallResult) (bool, string) {
	switch {
	case res.Reverted:
		return false, revertReason(res)
	case !res.TargetExists:
		return false, "target contract does not exist"
	case res.FallbackInvoked || !res.EntryPointFound:
		return false, "entry point not found; call handled by fallback"
	}
	return true, ""
})

func revertReason(res CallResult) string {
	if res.RevertReason != "" {
		return fmt.Sprintf("call reverted: %s", res.RevertReason)
	}
	return "call reverted"
}
