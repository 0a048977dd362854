// Package ratelimit provides a blocking admission gate in front of the image
// generation provider. The gate enforces a fixed-window requests-per-minute
// cap per model, shared across all worker processes through Redis.
//
// Acquire blocks until a slot is free in the current window or the context is
// cancelled. Workers holding a slot proceed to the provider call immediately;
// there is no token return, the window simply rolls over.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/masstock/masstock/metrics"
)

var (
	// ErrCancelled is returned when the caller's context ends while waiting.
	ErrCancelled = errors.New("rate gate wait cancelled")
	// ErrUnavailable is returned when the shared counter backend cannot be
	// reached. Callers treat this as a transient task failure.
	ErrUnavailable = errors.New("rate gate unavailable")
)

// maxJitter spreads wakeups of workers that blocked on the same window
// boundary so they do not stampede the counter.
const maxJitter = 250 * time.Millisecond

// Gate admits callers at a bounded rate per model.
type Gate interface {
	// Acquire blocks until the caller may issue one request for model, or
	// until ctx is done.
	Acquire(ctx context.Context, model string) error
}

// Limit is the per-model capacity of one window.
type Limit struct {
	Capacity int
	Window   time.Duration
}

// RedisGate is a fixed-window counter gate shared across processes.
type RedisGate struct {
	client  redis.Cmdable
	limits  map[string]Limit
	metrics metrics.Metrics // nil disables recording
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewRedisGate creates a gate over the given Redis client with per-model
// limits. Models absent from limits are admitted without waiting.
func NewRedisGate(client redis.Cmdable, limits map[string]Limit) *RedisGate {
	return &RedisGate{
		client: client,
		limits: limits,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// WithMetrics is a method to inject a metrics backend into the gate.
func (g *RedisGate) WithMetrics(m metrics.Metrics) *RedisGate {
	g.metrics = m
	return g
}

// windowKey returns the counter key for a model in the window containing t.
// The window index is derived from wall time so every process agrees on the
// current window without coordination.
func windowKey(model string, t time.Time, window time.Duration) string {
	idx := t.UnixMilli() / window.Milliseconds()
	return fmt.Sprintf("MASSTOCK_RL_{%s}_%d", model, idx)
}

// Acquire implements Gate. Each attempt increments the current window's
// counter; a result within capacity is an admission, anything above means the
// window is full and the caller sleeps until the next window boundary plus a
// small jitter.
func (g *RedisGate) Acquire(ctx context.Context, model string) error {
	limit, ok := g.limits[model]
	if !ok || limit.Capacity <= 0 {
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrCancelled, err)
		}

		t := g.now()
		key := windowKey(model, t, limit.Window)

		count, err := g.client.Incr(ctx, key).Result()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
			}
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if count == 1 {
			// First increment of the window owns setting the expiry. Twice
			// the window keeps the key around long enough for stragglers
			// that computed the key just before rollover.
			if err := g.client.Expire(ctx, key, 2*limit.Window).Err(); err != nil {
				return fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
		}
		if count <= int64(limit.Capacity) {
			return nil
		}

		wait := nextWindowIn(t, limit.Window) + time.Duration(rand.Int63n(int64(maxJitter)))
		if g.metrics != nil {
			g.metrics.RecordWithLabels(metrics.RateGateWaitSeconds, wait.Seconds(), model)
		}
		if err := g.sleep(ctx, wait); err != nil {
			return fmt.Errorf("%w: %v", ErrCancelled, err)
		}
	}
}

// nextWindowIn returns how long until the window containing t rolls over.
func nextWindowIn(t time.Time, window time.Duration) time.Duration {
	elapsed := time.Duration(t.UnixMilli()%window.Milliseconds()) * time.Millisecond
	return window - elapsed
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
