package credential

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// moveScript atomically moves one unit between two hash fields.
// KEYS[1] = account hash
// ARGV[1] = source field ("free" or "held")
// ARGV[2] = destination field, or "" to destroy the unit
// Returns 1 on success, 0 when the source field is empty.
var moveScript = redis.NewScript(`
local key = KEYS[1]
local src = ARGV[1]
local dst = ARGV[2]

local have = tonumber(redis.call("HGET", key, src) or "0")
if have < 1 then
    return 0
end

redis.call("HINCRBY", key, src, -1)
if dst ~= "" then
    redis.call("HINCRBY", key, dst, 1)
end
return 1
`)

// RedisStore implements Store on a Redis hash per (label, holder).
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) field(ctx context.Context, label, holder, field string) (uint64, error) {
	v, err := s.client.HGet(ctx, key(label, holder), field).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("credential read failed: %w", err)
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("credential field %s is corrupt: %w", field, err)
	}
	return n, nil
}

func (s *RedisStore) Balance(ctx context.Context, label, holder string) (uint64, error) {
	return s.field(ctx, label, holder, "free")
}

func (s *RedisStore) Held(ctx context.Context, label, holder string) (uint64, error) {
	return s.field(ctx, label, holder, "held")
}

func (s *RedisStore) Mint(ctx context.Context, label, holder string, amount uint64) error {
	if amount == 0 {
		return ErrZeroAmount
	}
	if err := s.client.HIncrBy(ctx, key(label, holder), "free", int64(amount)).Err(); err != nil { //nolint:gosec // amounts are small
		return fmt.Errorf("credential mint failed: %w", err)
	}
	return nil
}

func (s *RedisStore) move(ctx context.Context, label, holder, src, dst string, empty error) error {
	res, err := moveScript.Run(ctx, s.client, []string{key(label, holder)}, src, dst).Int64()
	if err != nil {
		return fmt.Errorf("credential script failed: %w", err)
	}
	if res != 1 {
		return empty
	}
	return nil
}

func (s *RedisStore) Hold(ctx context.Context, label, holder string) error {
	return s.move(ctx, label, holder, "free", "held", ErrInsufficient)
}

func (s *RedisStore) Burn(ctx context.Context, label, holder string) error {
	return s.move(ctx, label, holder, "held", "", ErrNoHold)
}

func (s *RedisStore) Refund(ctx context.Context, label, holder string) error {
	return s.move(ctx, label, holder, "held", "free", ErrNoHold)
}
