package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/masstock/masstock/store"
)

// Status cache TTLs. Terminal executions never change again, so they can be
// cached long; in-flight ones are cached briefly to absorb polling bursts.
const (
	terminalStatusTTL = 100 * time.Minute
	activeStatusTTL   = time.Minute
)

// StatusCache is a Redis read-through cache for execution status polling.
// Workers also write to it on every progress update, so pollers usually never
// reach Postgres.
type StatusCache struct {
	rdb redis.Cmdable
}

// NewStatusCache creates a status cache over the given Redis client.
func NewStatusCache(rdb redis.Cmdable) *StatusCache {
	return &StatusCache{rdb: rdb}
}

func statusKey(executionID uuid.UUID) string {
	return fmt.Sprintf("MASSTOCK_{%s}_STATUS", executionID)
}

// Get returns the cached execution if present and visible in scope. Cache
// trouble and decode failures count as misses; the caller falls back to the
// database.
func (sc *StatusCache) Get(ctx context.Context, scope store.Scope, executionID uuid.UUID) (store.Execution, bool) {
	raw, err := sc.rdb.Get(ctx, statusKey(executionID)).Bytes()
	if err != nil {
		return store.Execution{}, false
	}
	var exec store.Execution
	if err := json.Unmarshal(raw, &exec); err != nil {
		return store.Execution{}, false
	}
	// The cache is keyed by execution ID alone; tenancy is re-checked here so
	// a cached entry can never leak across clients.
	if !scope.Admin && exec.ClientID != scope.ClientID {
		return store.Execution{}, false
	}
	return exec, true
}

// Put caches an execution snapshot. Failures are swallowed; the cache is an
// optimization, never a source of truth.
func (sc *StatusCache) Put(ctx context.Context, exec store.Execution) {
	raw, err := json.Marshal(exec)
	if err != nil {
		return
	}
	ttl := activeStatusTTL
	if store.IsTerminal(exec.Status) {
		ttl = terminalStatusTTL
	}
	sc.rdb.Set(ctx, statusKey(exec.ID), raw, ttl)
}

// Invalidate drops a cached snapshot. Workers call it right before a status
// transition so pollers do not see the stale pre-transition state for a full
// TTL window.
func (sc *StatusCache) Invalidate(ctx context.Context, executionID uuid.UUID) {
	sc.rdb.Del(ctx, statusKey(executionID))
}
