package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// MemoryGate is a process-local fixed-window gate with the same semantics as
// RedisGate. It only limits workers inside one process, so it is meant for
// single-worker deployments and tests.
type MemoryGate struct {
	limits map[string]Limit
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	windows map[string]*memWindow
}

type memWindow struct {
	idx   int64
	count int
}

// NewMemoryGate creates a process-local gate with per-model limits.
func NewMemoryGate(limits map[string]Limit) *MemoryGate {
	return &MemoryGate{
		limits:  limits,
		now:     time.Now,
		sleep:   sleepCtx,
		windows: make(map[string]*memWindow),
	}
}

// Acquire implements Gate.
func (g *MemoryGate) Acquire(ctx context.Context, model string) error {
	limit, ok := g.limits[model]
	if !ok || limit.Capacity <= 0 {
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrCancelled, err)
		}

		t := g.now()
		if g.tryAcquire(model, t, limit) {
			return nil
		}

		wait := nextWindowIn(t, limit.Window) + time.Duration(rand.Int63n(int64(maxJitter)))
		if err := g.sleep(ctx, wait); err != nil {
			return fmt.Errorf("%w: %v", ErrCancelled, err)
		}
	}
}

func (g *MemoryGate) tryAcquire(model string, t time.Time, limit Limit) bool {
	idx := t.UnixMilli() / limit.Window.Milliseconds()

	g.mu.Lock()
	defer g.mu.Unlock()

	w := g.windows[model]
	if w == nil || w.idx != idx {
		w = &memWindow{idx: idx}
		g.windows[model] = w
	}
	if w.count >= limit.Capacity {
		return false
	}
	w.count++
	return true
}
