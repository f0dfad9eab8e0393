package contracts

import (
	"sync"
	"time"
)

// BlockInfo is a domain's time reference: a block height and a wall-clock
// timestamp. Domains that have no notion of height leave it at zero.
type BlockInfo struct {
	Height uint64    `json:"height"`
	Time   time.Time `json:"time"`
}

// Bound is an optional point in a domain's time, expressed either as a block
// height or as a timestamp. The zero Bound means "no bound".
type Bound struct {
	Height uint64    `json:"height,omitempty" yaml:"height,omitempty"`
	Time   time.Time `json:"time,omitempty" yaml:"time,omitempty"`
}

// AtHeight returns a height bound.
func AtHeight(h uint64) Bound { return Bound{Height: h} }

// AtTime returns a timestamp bound.
func AtTime(t time.Time) Bound { return Bound{Time: t} }

// IsZero reports whether the bound is unset.
func (b Bound) IsZero() bool {
	return b.Height == 0 && b.Time.IsZero()
}

// Reached reports whether the domain time has reached the bound.
// An unset bound is never reached.
func (b Bound) Reached(at BlockInfo) bool {
	switch {
	case b.Height > 0:
		return at.Height >= b.Height
	case !b.Time.IsZero():
		return !at.Time.Before(b.Time)
	default:
		return false
	}
}

// Clock yields the current time reference of a domain.
type Clock interface {
	Now() BlockInfo
}

// SystemClock reads the wall clock. Height is always zero, so height bounds
// never elapse under it.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() BlockInfo {
	return BlockInfo{Time: time.Now().UTC()}
}

// ManualClock is a Clock advanced explicitly, used by tests and simulations.
type ManualClock struct {
	mu  sync.Mutex
	cur BlockInfo
}

// NewManualClock creates a clock positioned at the given block.
func NewManualClock(start BlockInfo) *ManualClock {
	return &ManualClock{cur: start}
}

// Now implements Clock.
func (c *ManualClock) Now() BlockInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

// Advance moves the clock forward by the given number of blocks and duration.
func (c *ManualClock) Advance(blocks uint64, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur.Height += blocks
	c.cur.Time = c.cur.Time.Add(d)
}

// Set repositions the clock.
func (c *ManualClock) Set(at BlockInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = at
}
