package observability

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"
	"time"
)

// Objective is the latency and success target of one tracked operation.
type Objective struct {
	Operation   string        `json:"operation"`
	Description string        `json:"description,omitempty"`
	LatencyP99  time.Duration `json:"latency_p99"`
	SuccessRate float64       `json:"success_rate"`
	Window      time.Duration `json:"window"`
}

// Sample is one completed operation as seen by TrackOperation.
type Sample struct {
	Operation string
	Latency   time.Duration
	Failed    bool
	At        time.Time
}

// ObjectiveStatus is an objective evaluated over its window.
type ObjectiveStatus struct {
	Objective
	Samples  int           `json:"samples"`
	Failures int           `json:"failures"`
	Success  float64       `json:"current_success_rate"`
	P99      time.Duration `json:"current_p99"`
	Healthy  bool          `json:"healthy"`
	// BurnRate is failures over the failures the window's budget allows.
	BurnRate        float64 `json:"burn_rate"`
	BudgetRemaining float64 `json:"budget_remaining"`
}

// series keeps the in-window samples of one operation, oldest first.
type series struct {
	objective Objective
	samples   []Sample
}

func (s *series) prune(now time.Time) {
	cutoff := now.Add(-s.objective.Window)
	i := sort.Search(len(s.samples), func(i int) bool { return s.samples[i].At.After(cutoff) })
	s.samples = slices.Delete(s.samples, 0, i)
}

// SLOTracker evaluates objectives for the operations it has one for.
// Samples of other operations are dropped.
type SLOTracker struct {
	mu     sync.Mutex
	series map[string]*series
	now    func() time.Time
}

func NewSLOTracker() *SLOTracker {
	return &SLOTracker{series: make(map[string]*series), now: time.Now}
}

// WithClock overrides the wall clock.
func (t *SLOTracker) WithClock(now func() time.Time) *SLOTracker {
	t.now = now
	return t
}

// SetObjective installs or replaces the objective of an operation. Samples
// already recorded for it are kept.
func (t *SLOTracker) SetObjective(o Objective) {
	if o.Window <= 0 {
		o.Window = 24 * time.Hour
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.series[o.Operation]; ok {
		s.objective = o
		return
	}
	t.series[o.Operation] = &series{objective: o}
}

func (t *SLOTracker) Record(s Sample) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ser, ok := t.series[s.Operation]
	if !ok {
		return
	}
	if s.At.IsZero() {
		s.At = t.now()
	}
	// Samples arrive roughly in order; keep the slice sorted for prune.
	i := len(ser.samples)
	for i > 0 && ser.samples[i-1].At.After(s.At) {
		i--
	}
	ser.samples = slices.Insert(ser.samples, i, s)
	ser.prune(t.now())
}

// DefaultObjectives covers admission, callback handling and processor ticks.
func DefaultObjectives() []Objective {
	return []Objective{
		{Operation: "authorization.send_msgs", Description: "message admission", LatencyP99: 250 * time.Millisecond, SuccessRate: 0.99, Window: 24 * time.Hour},
		{Operation: "authorization.callback", Description: "callback handling", LatencyP99: 100 * time.Millisecond, SuccessRate: 0.999, Window: 24 * time.Hour},
		{Operation: "processor.tick", Description: "processor tick", LatencyP99: time.Second, SuccessRate: 0.99, Window: 24 * time.Hour},
	}
}

// Statuses evaluates every objective, sorted by operation.
func (t *SLOTracker) Statuses() []ObjectiveStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ObjectiveStatus, 0, len(t.series))
	for _, s := range t.series {
		out = append(out, t.evaluate(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}

func (t *SLOTracker) Status(operation string) (ObjectiveStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.series[operation]
	if !ok {
		return ObjectiveStatus{}, fmt.Errorf("no objective for operation %q", operation)
	}
	return t.evaluate(s), nil
}

func (t *SLOTracker) evaluate(s *series) ObjectiveStatus {
	s.prune(t.now())
	st := ObjectiveStatus{Objective: s.objective, Samples: len(s.samples), Success: 1, Healthy: true, BudgetRemaining: 1}
	if st.Samples == 0 {
		return st
	}

	latencies := make([]time.Duration, len(s.samples))
	for i, sm := range s.samples {
		latencies[i] = sm.Latency
		if sm.Failed {
			st.Failures++
		}
	}
	slices.Sort(latencies)
	// Nearest rank.
	rank := int(math.Ceil(0.99*float64(len(latencies)))) - 1
	st.P99 = latencies[max(rank, 0)]
	st.Success = float64(st.Samples-st.Failures) / float64(st.Samples)

	allowed := (1 - s.objective.SuccessRate) * float64(st.Samples)
	switch {
	case allowed > 0:
		st.BurnRate = float64(st.Failures) / allowed
		st.BudgetRemaining = math.Max(0, 1-st.BurnRate)
	case st.Failures > 0:
		st.BudgetRemaining = 0
	}
	st.Healthy = st.P99 <= s.objective.LatencyP99 && st.Success >= s.objective.SuccessRate
	return st
}
