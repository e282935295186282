// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache memoizes expensive graph queries against a graph version.
//
// Keys are versioned, not content-hashed: callers must call Invalidate
// whenever the underlying store mutates.
package cache

import (
	"context"
	"regexp"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultTTL is how long an entry stays fresh.
	DefaultTTL = 5 * time.Minute

	// DefaultMaxSize is the default entry capacity.
	DefaultMaxSize = 100

	// hitWeightMillis is how many milliseconds of recency one hit is worth
	// in the eviction score.
	hitWeightMillis = 1000
)

// ComputeFunc produces a value on a cache miss.
type ComputeFunc func(ctx context.Context) (any, error)

// Options configures a QueryCache.
type Options struct {
	// Enabled turns caching on. When false every call computes.
	Enabled bool

	// TTL is the entry lifetime. Zero means DefaultTTL.
	TTL time.Duration

	// MaxSize is the entry capacity. Zero means DefaultMaxSize.
	MaxSize int

	// Now overrides the clock, for tests.
	Now func() time.Time

	// MeterProvider receives hit, miss, eviction, and latency metrics.
	// Nil means the global provider at construction time.
	MeterProvider metric.MeterProvider
}

// DefaultOptions returns an enabled cache with default TTL and size.
func DefaultOptions() Options {
	return Options{Enabled: true, TTL: DefaultTTL, MaxSize: DefaultMaxSize}
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Size      int     `json:"size"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	HitRate   float64 `json:"hitRate"`
	Version   uint64  `json:"version"`
}

type entry struct {
	key       string
	value     any
	createdAt time.Time
	hits      int64
}

func (e *entry) score() int64 {
	return e.createdAt.UnixMilli() + e.hits*hitWeightMillis
}

// QueryCache is a generation-versioned memoization table.
//
// Description:
//
//	Entries are stored under "version:key". Invalidate bumps the version
//	and drops everything; InvalidatePattern drops matching logical keys.
//	When full, the entry with the lowest createdAt(ms) + hits*1000 is
//	evicted, favouring entries that are both recent and frequently hit.
//	Concurrent misses on the same key share one computation. Cached values
//	are handed to every caller as-is and must be treated as read-only.
//
// Thread Safety:
//
//	Safe for concurrent use.
type QueryCache struct {
	opts    Options
	metrics *cacheMetrics

	mu        sync.Mutex
	entries   map[string]*entry
	version   uint64
	hits      int64
	misses    int64
	evictions int64

	flight singleflight.Group
}

// New creates a query cache.
func New(opts Options) *QueryCache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &QueryCache{
		opts:    opts,
		metrics: newCacheMetrics(opts.MeterProvider),
		entries: make(map[string]*entry),
	}
}

func versionedKey(version uint64, key string) string {
	return strconv.FormatUint(version, 10) + ":" + key
}

// lookupLocked returns a fresh entry, deleting it if expired.
func (c *QueryCache) lookupLocked(vkey string) (*entry, bool) {
	e, ok := c.entries[vkey]
	if !ok {
		return nil, false
	}
	if c.opts.Now().Sub(e.createdAt) >= c.opts.TTL {
		delete(c.entries, vkey)
		return nil, false
	}
	return e, true
}

// GetOrCompute returns the cached value for key, computing it on a miss.
//
// Inputs:
//
//	ctx     - Passed to compute and used for spans and metrics.
//	key     - Logical key; the current version is prepended internally.
//	compute - Called on a miss. Errors are returned and never cached.
//
// Outputs:
//
//	any   - The cached or freshly computed value.
//	error - The compute error, if any.
func (c *QueryCache) GetOrCompute(ctx context.Context, key string, compute ComputeFunc) (any, error) {
	if !c.opts.Enabled {
		return compute(ctx)
	}

	c.mu.Lock()
	version := c.version
	vkey := versionedKey(version, key)
	if e, ok := c.lookupLocked(vkey); ok {
		e.hits++
		c.hits++
		value := e.value
		c.mu.Unlock()
		c.metrics.recordHit(ctx)
		return value, nil
	}
	c.misses++
	c.mu.Unlock()
	c.metrics.recordMiss(ctx)

	value, err, _ := c.flight.Do(vkey, func() (any, error) {
		c.mu.Lock()
		if e, ok := c.lookupLocked(vkey); ok {
			value := e.value
			c.mu.Unlock()
			return value, nil
		}
		c.mu.Unlock()

		spanCtx, span := startComputeSpan(ctx, key, version)
		start := time.Now()
		value, err := compute(spanCtx)
		c.metrics.recordComputeLatency(spanCtx, time.Since(start), err != nil)
		span.End()
		if err != nil {
			return nil, err
		}

		c.store(ctx, version, vkey, key, value)
		return value, nil
	})
	return value, err
}

// store inserts a computed value unless the cache was invalidated while
// it was being computed.
func (c *QueryCache) store(ctx context.Context, version uint64, vkey, key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.version != version {
		return
	}
	if _, exists := c.entries[vkey]; !exists && len(c.entries) >= c.opts.MaxSize {
		c.evictLocked(ctx)
	}
	c.entries[vkey] = &entry{key: key, value: value, createdAt: c.opts.Now()}
}

// evictLocked removes the entry with the lowest score. Ties go to the
// lexically smallest key so eviction is deterministic.
func (c *QueryCache) evictLocked(ctx context.Context) {
	var victim string
	var victimScore int64
	found := false
	for vkey, e := range c.entries {
		s := e.score()
		if !found || s < victimScore || (s == victimScore && vkey < victim) {
			victim, victimScore, found = vkey, s, true
		}
	}
	if found {
		delete(c.entries, victim)
		c.evictions++
		c.metrics.recordEviction(ctx)
	}
}

// Compute is a typed wrapper over GetOrCompute. A cached value of the
// wrong type is ignored and fn runs directly.
func Compute[T any](ctx context.Context, c *QueryCache, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	raw, err := c.GetOrCompute(ctx, key, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	if v, ok := raw.(T); ok {
		return v, nil
	}
	return fn(ctx)
}

// Invalidate bumps the graph version and clears every entry.
func (c *QueryCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.version++
	c.entries = make(map[string]*entry)
}

// InvalidatePattern removes entries whose logical key matches re and
// returns how many were removed.
func (c *QueryCache) InvalidatePattern(re *regexp.Regexp) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for vkey, e := range c.entries {
		if re.MatchString(e.key) {
			delete(c.entries, vkey)
			removed++
		}
	}
	return removed
}

// Version returns the current graph version.
func (c *QueryCache) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Stats returns current cache statistics. HitRate is 0 before any lookup.
func (c *QueryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Size:      len(c.entries),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Version:   c.version,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}
