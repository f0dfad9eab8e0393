package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// InboxKey is the Redis list a domain's envelopes are pushed to.
func InboxKey(domain string) string { return "xdomain:inbox:" + domain }

// DeadLetterKey collects envelopes the handler could not process.
func DeadLetterKey(domain string) string { return "xdomain:dead:" + domain }

// RedisConnector pushes envelopes onto the destination domain's inbox list.
type RedisConnector struct {
	client redis.UniversalClient
	domain string
}

func NewRedisConnector(client redis.UniversalClient, domain string) *RedisConnector {
	return &RedisConnector{client: client, domain: domain}
}

func (c *RedisConnector) Send(ctx context.Context, env Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	if err := c.client.LPush(ctx, InboxKey(c.domain), data).Err(); err != nil {
		return fmt.Errorf("redis send to %s: %w", c.domain, err)
	}
	return nil
}

func (c *RedisConnector) Close() error { return nil }

// RedisReceiver pops envelopes from a domain inbox in FIFO order.
type RedisReceiver struct {
	client redis.UniversalClient
	domain string
	wait   time.Duration
	logger *slog.Logger
}

func NewRedisReceiver(client redis.UniversalClient, domain string) *RedisReceiver {
	return &RedisReceiver{
		client: client,
		domain: domain,
		wait:   time.Second,
		logger: slog.Default().With("component", "redis_receiver", "domain", domain),
	}
}

// Poll handles at most one envelope, waiting up to the receiver's wait time.
// It reports whether an envelope was consumed.
func (r *RedisReceiver) Poll(ctx context.Context, h Handler) (bool, error) {
	res, err := r.client.BRPop(ctx, r.wait, InboxKey(r.domain)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis receive on %s: %w", r.domain, err)
	}
	raw := res[1]
	env, err := Unmarshal([]byte(raw))
	if err == nil {
		err = h.HandleEnvelope(ctx, env)
	}
	if err != nil {
		r.logger.WarnContext(ctx, "envelope rejected, moved to dead letters", "error", err)
		if dlErr := r.client.LPush(ctx, DeadLetterKey(r.domain), raw).Err(); dlErr != nil {
			return true, fmt.Errorf("dead-letter push: %w", dlErr)
		}
	}
	return true, nil
}

func (r *RedisReceiver) Run(ctx context.Context, h Handler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := r.Poll(ctx, h); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.WarnContext(ctx, "receive failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(r.wait):
			}
		}
	}
}
