package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisGate(t *testing.T, limits map[string]Limit) (*RedisGate, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisGate(client, limits), mr
}

func TestRedisGateAcquire(t *testing.T) {
	limits := map[string]Limit{"flash": {Capacity: 3, Window: time.Minute}}

	t.Run("admits up to capacity without waiting", func(t *testing.T) {
		g, _ := newTestRedisGate(t, limits)
		g.sleep = func(ctx context.Context, d time.Duration) error {
			t.Fatal("should not sleep under capacity")
			return nil
		}

		for i := 0; i < 3; i++ {
			require.NoError(t, g.Acquire(context.Background(), "flash"))
		}
	})

	t.Run("blocks when window is full, admits after rollover", func(t *testing.T) {
		g, _ := newTestRedisGate(t, limits)

		base := time.Unix(1700000000, 0)
		g.now = func() time.Time { return base }

		for i := 0; i < 3; i++ {
			require.NoError(t, g.Acquire(context.Background(), "flash"))
		}

		slept := false
		g.sleep = func(ctx context.Context, d time.Duration) error {
			slept = true
			// Waits no longer than a window plus jitter.
			assert.LessOrEqual(t, d, time.Minute+maxJitter)
			base = base.Add(time.Minute)
			return nil
		}

		require.NoError(t, g.Acquire(context.Background(), "flash"))
		assert.True(t, slept)
	})

	t.Run("unknown model is admitted immediately", func(t *testing.T) {
		g, _ := newTestRedisGate(t, limits)
		require.NoError(t, g.Acquire(context.Background(), "unknown-model"))
	})

	t.Run("cancelled context returns ErrCancelled", func(t *testing.T) {
		g, _ := newTestRedisGate(t, limits)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, g.Acquire(ctx, "flash"), ErrCancelled)
	})

	t.Run("redis outage returns ErrUnavailable", func(t *testing.T) {
		g, mr := newTestRedisGate(t, limits)
		mr.Close()
		assert.ErrorIs(t, g.Acquire(context.Background(), "flash"), ErrUnavailable)
	})

	t.Run("counter key expires", func(t *testing.T) {
		g, mr := newTestRedisGate(t, limits)
		now := time.Unix(1700000000, 0)
		g.now = func() time.Time { return now }

		require.NoError(t, g.Acquire(context.Background(), "flash"))

		key := windowKey("flash", now, time.Minute)
		assert.True(t, mr.Exists(key))
		ttl := mr.TTL(key)
		assert.Equal(t, 2*time.Minute, ttl)
	})
}

func TestMemoryGateAcquire(t *testing.T) {
	limits := map[string]Limit{"pro": {Capacity: 2, Window: time.Minute}}

	t.Run("admits up to capacity then blocks until rollover", func(t *testing.T) {
		g := NewMemoryGate(limits)
		base := time.Unix(1700000000, 0)
		g.now = func() time.Time { return base }

		require.NoError(t, g.Acquire(context.Background(), "pro"))
		require.NoError(t, g.Acquire(context.Background(), "pro"))

		slept := 0
		g.sleep = func(ctx context.Context, d time.Duration) error {
			slept++
			base = base.Add(time.Minute)
			return nil
		}

		require.NoError(t, g.Acquire(context.Background(), "pro"))
		assert.Equal(t, 1, slept)
	})

	t.Run("cancelled context returns ErrCancelled", func(t *testing.T) {
		g := NewMemoryGate(limits)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, g.Acquire(ctx, "pro"), ErrCancelled)
	})

	t.Run("models are limited independently", func(t *testing.T) {
		g := NewMemoryGate(map[string]Limit{
			"flash": {Capacity: 1, Window: time.Minute},
			"pro":   {Capacity: 1, Window: time.Minute},
		})
		base := time.Unix(1700000000, 0)
		g.now = func() time.Time { return base }

		require.NoError(t, g.Acquire(context.Background(), "flash"))
		require.NoError(t, g.Acquire(context.Background(), "pro"))
	})
}
