package processor

import (
	"context"
	"log/slog"
	"time"
)

// Ticker drives an engine's permissionless tick on an interval. Each round
// ticks up to Burst times and stops early once the engine is idle or paused.
type Ticker struct {
	engine   Engine
	interval time.Duration
	burst    int
	logger   *slog.Logger
}

func NewTicker(engine Engine, interval time.Duration, burst int) *Ticker {
	if burst < 1 {
		burst = 1
	}
	return &Ticker{
		engine:   engine,
		interval: interval,
		burst:    burst,
		logger:   slog.Default().With("component", "ticker", "domain", engine.Domain()),
	}
}

// Round performs one round of ticks and returns how many did work.
func (t *Ticker) Round(ctx context.Context) int {
	worked := 0
	for i := 0; i < t.burst; i++ {
		rep, err := t.engine.Tick(ctx)
		if err != nil {
			t.logger.WarnContext(ctx, "tick failed", "error", err)
			return worked
		}
		if rep.Outcome == OutcomeIdle || rep.Outcome == OutcomePaused {
			return worked
		}
		worked++
	}
	return worked
}

// Run ticks until ctx is cancelled.
func (t *Ticker) Run(ctx context.Context) error {
	tk := time.NewTicker(t.interval)
	defer tk.Stop()
	t.logger.InfoContext(ctx, "ticker started", "interval", t.interval, "burst", t.burst)
	for {
		select {
		case <-ctx.Done():
			t.logger.InfoContext(ctx, "ticker stopped")
			return nil
		case <-tk.C:
			t.Round(ctx)
		}
	}
}
