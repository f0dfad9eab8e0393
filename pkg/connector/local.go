package connector

import (
	"context"
	"sync"
)

// LocalConnector hands envelopes straight to an in-process handler. It is
// used when several domains share one process and in tests.
type LocalConnector struct {
	mu      sync.RWMutex
	handler Handler
	closed  bool
}

func NewLocalConnector(h Handler) *LocalConnector {
	return &LocalConnector{handler: h}
}

// Bind replaces the receiving handler.
func (c *LocalConnector) Bind(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

func (c *LocalConnector) Send(ctx context.Context, env Envelope) error {
	c.mu.RLock()
	h, closed := c.handler, c.closed
	c.mu.RUnlock()
	if closed || h == nil {
		return ErrClosed
	}
	return h.HandleEnvelope(ctx, env)
}

func (c *LocalConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
