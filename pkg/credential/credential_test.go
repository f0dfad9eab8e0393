package credential

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(client),
	}
}

func TestStoreLifecycle(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			bal, err := s.Balance(ctx, "withdraw", "alice")
			require.NoError(t, err)
			assert.Zero(t, bal)
			assert.ErrorIs(t, s.Hold(ctx, "withdraw", "alice"), ErrInsufficient)

			require.NoError(t, s.Mint(ctx, "withdraw", "alice", 2))
			assert.ErrorIs(t, s.Mint(ctx, "withdraw", "alice", 0), ErrZeroAmount)

			require.NoError(t, s.Hold(ctx, "withdraw", "alice"))
			require.NoError(t, s.Hold(ctx, "withdraw", "alice"))
			assert.ErrorIs(t, s.Hold(ctx, "withdraw", "alice"), ErrInsufficient)

			held, err := s.Held(ctx, "withdraw", "alice")
			require.NoError(t, err)
			assert.Equal(t, uint64(2), held)

			require.NoError(t, s.Burn(ctx, "withdraw", "alice"))
			require.NoError(t, s.Refund(ctx, "withdraw", "alice"))
			assert.ErrorIs(t, s.Refund(ctx, "withdraw", "alice"), ErrNoHold)
			assert.ErrorIs(t, s.Burn(ctx, "withdraw", "alice"), ErrNoHold)

			bal, err = s.Balance(ctx, "withdraw", "alice")
			require.NoError(t, err)
			assert.Equal(t, uint64(1), bal)

			other, err := s.Balance(ctx, "deposit", "alice")
			require.NoError(t, err)
			assert.Zero(t, other)
		})
	}
}
