package retry

import (
	"time"

	"github.com/Mindburn-Labs/xdomain/pkg/contracts"
)

// Schedule is one planned attempt.
type Schedule struct {
	AttemptIndex int       `json:"attempt_index"`
	DelayMs      int64     `json:"delay_ms"`
	ScheduledAt  time.Time `json:"scheduled_at"`
}

// Plan previews the time-based schedule a retry policy produces for an
// execution, capped at limit attempts for indefinite policies. Attempt zero
// runs immediately.
func Plan(policy contracts.RetryPolicy, params BackoffParams, now time.Time, limit int) []Schedule {
	attempts := policy.Times.Amount + 1
	if policy.Times.Indefinitely || attempts > limit {
		attempts = limit
	}
	bp := PolicyFor(policy.Interval)
	out := make([]Schedule, 0, attempts)
	at := now
	for i := 0; i < attempts; i++ {
		var delay time.Duration
		if i > 0 {
			p := params
			p.AttemptIndex = i - 1
			delay = ComputeBackoff(p, bp)
		}
		at = at.Add(delay)
		out = append(out, Schedule{AttemptIndex: i, DelayMs: delay.Milliseconds(), ScheduledAt: at})
	}
	return out
}
