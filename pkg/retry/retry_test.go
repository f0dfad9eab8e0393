package retry

import (
	"testing"
	"time"

	"github.com/Mindburn-Labs/xdomain/pkg/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeBackoffExponential(t *testing.T) {
	policy := BackoffPolicy{BaseMs: 100, MaxMs: 1000, Exponential: true}
	params := BackoffParams{Label: "withdraw", ExecutionID: 7}

	for attempt, want := range []int64{100, 200, 400, 800, 1000, 1000} {
		params.AttemptIndex = attempt
		assert.Equal(t, time.Duration(want)*time.Millisecond, ComputeBackoff(params, policy), "attempt %d", attempt)
	}
}

func TestComputeBackoffFlat(t *testing.T) {
	policy := PolicyFor(contracts.RetryInterval{Duration: contracts.Duration(2 * time.Second)})
	params := BackoffParams{AttemptIndex: 5}
	assert.Equal(t, 2*time.Second, ComputeBackoff(params, policy))
}

func TestDeterministicJitter(t *testing.T) {
	policy := BackoffPolicy{MaxJitterMs: 1000}
	params := BackoffParams{Label: "l", ExecutionID: 1}

	j1 := ComputeDeterministicJitter(params, policy)
	j2 := ComputeDeterministicJitter(params, policy)
	assert.Equal(t, j1, j2)
	assert.GreaterOrEqual(t, j1, int64(0))
	assert.Less(t, j1, int64(1000))

	assert.Zero(t, ComputeDeterministicJitter(params, BackoffPolicy{}))
}

func TestNextEligible(t *testing.T) {
	now := contracts.BlockInfo{Height: 100, Time: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}

	blocks := NextEligible(contracts.RetryInterval{Blocks: 3}, BackoffParams{}, now)
	assert.Equal(t, contracts.AtHeight(103), blocks)

	expBlocks := NextEligible(contracts.RetryInterval{Blocks: 3, Exponential: true}, BackoffParams{AttemptIndex: 2}, now)
	assert.Equal(t, contracts.AtHeight(112), expBlocks)

	timed := NextEligible(contracts.RetryInterval{Duration: contracts.Duration(time.Minute)}, BackoffParams{}, now)
	assert.Equal(t, contracts.AtTime(now.Time.Add(time.Minute)), timed)

	assert.True(t, NextEligible(contracts.RetryInterval{}, BackoffParams{}, now).IsZero())
}

func TestPlan(t *testing.T) {
	now := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)
	policy := contracts.RetryPolicy{
		Times:    contracts.RetryTimes{Amount: 3},
		Interval: contracts.RetryInterval{Duration: contracts.Duration(100 * time.Millisecond), Exponential: true},
	}

	plan := Plan(policy, BackoffParams{Label: "l"}, now, 10)
	require.Len(t, plan, 4)
	assert.Equal(t, int64(0), plan[0].DelayMs)
	assert.True(t, plan[0].ScheduledAt.Equal(now))
	assert.Equal(t, int64(100), plan[1].DelayMs)
	assert.Equal(t, int64(200), plan[2].DelayMs)
	assert.True(t, plan[2].ScheduledAt.Equal(now.Add(300*time.Millisecond)))

	forever := policy
	forever.Times = contracts.RetryTimes{Indefinitely: true}
	assert.Len(t, Plan(forever, BackoffParams{}, now, 5), 5)
}
