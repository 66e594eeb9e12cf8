// Package cache holds the short-lived evaluation cache and the Redis client factory.
package cache

import (
	"fmt"
	"strconv"
	"time"

	"github.com/maypok86/otter"

	"github.com/rafaeljc/bifrost/internal/observability"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
)

const (
	// DefaultTTL bounds how long an evaluation result may be served.
	DefaultTTL = 5 * time.Minute
	// DefaultCapacity is the hard cap on cached evaluations.
	DefaultCapacity = 100_000
)

type entry struct {
	flagID  string
	version int64
	value   ruleengine.Value
}

// EvaluationCache stores evaluated flag values keyed by flag id, flag version and
// a hash of the evaluation context. It uses a contention-free S3-FIFO cache (otter).
//
// Entries written for an older version are never returned because the version is
// part of the key; InvalidateFlag and Sweep reclaim their space.
type EvaluationCache struct {
	store otter.Cache[string, entry]
}

// NewEvaluationCache initializes the cache with strict limits.
// capacity: max number of entries. ttl: time-to-live for each entry.
func NewEvaluationCache(capacity int, ttl time.Duration) (*EvaluationCache, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	store, err := otter.MustBuilder[string, entry](capacity).
		WithTTL(ttl).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build evaluation cache: %w", err)
	}

	return &EvaluationCache{store: store}, nil
}

func key(flagID string, version int64, ctxKey uint64) string {
	b := make([]byte, 0, len(flagID)+40)
	b = append(b, flagID...)
	b = append(b, '|')
	b = strconv.AppendInt(b, version, 10)
	b = append(b, '|')
	b = strconv.AppendUint(b, ctxKey, 16)
	return string(b)
}

// Get returns the cached value for (flagID, version, ctxKey).
func (c *EvaluationCache) Get(flagID string, version int64, ctxKey uint64) (ruleengine.Value, bool) {
	e, ok := c.store.Get(key(flagID, version, ctxKey))
	if !ok {
		observability.CacheMisses.Inc()
		return ruleengine.Null, false
	}
	observability.CacheHits.Inc()
	return e.value, true
}

// Set stores value for (flagID, version, ctxKey). The configured TTL applies.
func (c *EvaluationCache) Set(flagID string, version int64, ctxKey uint64, value ruleengine.Value) {
	if !c.store.Set(key(flagID, version, ctxKey), entry{flagID: flagID, version: version, value: value}) {
		observability.CacheDropped.Inc()
	}
}

// InvalidateFlag removes every entry of flagID and returns how many were removed.
func (c *EvaluationCache) InvalidateFlag(flagID string) int {
	removed := 0
	c.store.DeleteByFunc(func(_ string, e entry) bool {
		if e.flagID == flagID {
			removed++
			return true
		}
		return false
	})
	observability.CacheInvalidations.WithLabelValues("flag_change").Add(float64(removed))
	return removed
}

// VersionLookup returns the current version of a flag, or false if it no longer exists.
type VersionLookup func(flagID string) (int64, bool)

// Sweep drops entries whose flag is gone or whose version is stale.
// Expired entries are reclaimed by otter itself.
func (c *EvaluationCache) Sweep(current VersionLookup) int {
	removed := 0
	c.store.DeleteByFunc(func(_ string, e entry) bool {
		v, ok := current(e.flagID)
		if !ok || v != e.version {
			removed++
			return true
		}
		return false
	})
	observability.CacheInvalidations.WithLabelValues("sweep").Add(float64(removed))
	observability.CacheItems.Set(float64(c.store.Size()))
	return removed
}

// Len returns the number of live entries.
func (c *EvaluationCache) Len() int {
	return c.store.Size()
}

// Close gracefully shuts down the cache and its background cleanup goroutines.
func (c *EvaluationCache) Close() {
	c.store.Close()
}
