// Package retry computes cooldowns between execution attempts.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/xdomain/pkg/contracts"
)

// BackoffParams identifies one attempt; the jitter derived from it is stable
// across processes so every replica schedules the same retry.
type BackoffParams struct {
	Label         string
	ExecutionID   uint64
	FunctionIndex int
	AttemptIndex  int
}

// BackoffPolicy is the millisecond form of a time-based retry interval.
type BackoffPolicy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	Exponential bool
}

// PolicyFor converts a retry interval into a BackoffPolicy.
func PolicyFor(iv contracts.RetryInterval) BackoffPolicy {
	p := BackoffPolicy{
		BaseMs:      iv.Duration.Std().Milliseconds(),
		MaxMs:       iv.MaxDuration.Std().Milliseconds(),
		Exponential: iv.Exponential,
	}
	if p.MaxMs == 0 {
		p.MaxMs = p.BaseMs
		if p.Exponential {
			p.MaxMs = p.BaseMs << 10
		}
	}
	return p
}

// ComputeBackoff returns the delay before the given attempt.
func ComputeBackoff(params BackoffParams, policy BackoffPolicy) time.Duration {
	factor := int64(1)
	if policy.Exponential && params.AttemptIndex > 0 {
		if params.AttemptIndex > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << params.AttemptIndex
		}
	}

	delay := policy.BaseMs * factor
	if delay > policy.MaxMs || delay < 0 {
		delay = policy.MaxMs
	}

	return time.Duration(delay+ComputeDeterministicJitter(params, policy)) * time.Millisecond
}

func ComputeDeterministicJitter(params BackoffParams, policy BackoffPolicy) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%d:%d:%d",
		params.Label,
		params.ExecutionID,
		params.FunctionIndex,
		params.AttemptIndex,
	)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs is positive
}

// NextEligible returns the bound before which the next attempt must not run.
// Block intervals are measured from the current height; time intervals from
// the current timestamp. A zero interval yields an unset bound.
func NextEligible(iv contracts.RetryInterval, params BackoffParams, now contracts.BlockInfo) contracts.Bound {
	if iv.Blocks > 0 {
		blocks := iv.Blocks
		if iv.Exponential && params.AttemptIndex > 0 {
			shift := params.AttemptIndex
			if shift > 30 {
				shift = 30
			}
			blocks <<= uint(shift)
		}
		return contracts.AtHeight(now.Height + blocks)
	}
	if iv.Duration <= 0 {
		return contracts.Bound{}
	}
	return contracts.AtTime(now.Time.Add(ComputeBackoff(params, PolicyFor(iv))))
}
