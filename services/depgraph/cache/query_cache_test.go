// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func counting(calls *int32, value any) ComputeFunc {
	return func(context.Context) (any, error) {
		atomic.AddInt32(calls, 1)
		return value, nil
	}
}

func TestGetOrCompute_CachesWithinTTLAndInvalidate(t *testing.T) {
	ctx := context.Background()
	c := New(DefaultOptions())
	var calls int32

	v, err := c.GetOrCompute(ctx, "k", counting(&calls, "v1"))
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	v, err = c.GetOrCompute(ctx, "k", counting(&calls, "v2"))
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	c.Invalidate()

	v, err = c.GetOrCompute(ctx, "k", counting(&calls, "v3"))
	require.NoError(t, err)
	assert.Equal(t, "v3", v)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, uint64(1), c.Version())
}

func TestGetOrCompute_Disabled(t *testing.T) {
	c := New(Options{Enabled: false})
	var calls int32
	for i := 0; i < 3; i++ {
		_, err := c.GetOrCompute(context.Background(), "k", counting(&calls, i))
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), calls)
	assert.Equal(t, 0, c.Stats().Size)
}

func TestGetOrCompute_TTLExpiry(t *testing.T) {
	clock := newFakeClock()
	c := New(Options{Enabled: true, TTL: time.Minute, Now: clock.Now})
	var calls int32

	_, _ = c.GetOrCompute(context.Background(), "k", counting(&calls, 1))
	clock.Advance(59 * time.Second)
	_, _ = c.GetOrCompute(context.Background(), "k", counting(&calls, 2))
	assert.Equal(t, int32(1), calls)

	clock.Advance(time.Second)
	v, _ := c.GetOrCompute(context.Background(), "k", counting(&calls, 3))
	assert.Equal(t, 3, v)
	assert.Equal(t, int32(2), calls)
}

func TestGetOrCompute_ErrorsAreNotCached(t *testing.T) {
	c := New(DefaultOptions())
	boom := errors.New("boom")
	failing := func(context.Context) (any, error) { return nil, boom }

	_, err := c.GetOrCompute(context.Background(), "k", failing)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Stats().Size)

	var calls int32
	v, err := c.GetOrCompute(context.Background(), "k", counting(&calls, "ok"))
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestGetOrCompute_DeduplicatesConcurrentMisses(t *testing.T) {
	c := New(DefaultOptions())
	var calls int32
	release := make(chan struct{})

	compute := func(context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "shared", nil
	}

	var wg sync.WaitGroup
	results := make([]any, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = c.GetOrCompute(context.Background(), "k", compute)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, r := range results {
		assert.Equal(t, "shared", r)
	}
}

func TestEviction_LowestScoreGoes(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := New(Options{Enabled: true, MaxSize: 2, Now: clock.Now})
	var calls int32

	_, _ = c.GetOrCompute(ctx, "old-popular", counting(&calls, 1))
	clock.Advance(500 * time.Millisecond)
	_, _ = c.GetOrCompute(ctx, "newer", counting(&calls, 2))

	// Two hits put old-popular 2000ms ahead; newer is only 500ms ahead.
	_, _ = c.GetOrCompute(ctx, "old-popular", counting(&calls, 1))
	_, _ = c.GetOrCompute(ctx, "old-popular", counting(&calls, 1))

	clock.Advance(100 * time.Millisecond)
	_, _ = c.GetOrCompute(ctx, "newest", counting(&calls, 3))

	stats := c.Stats()
	assert.Equal(t, 2, stats.Size)
	assert.Equal(t, int64(1), stats.Evictions)

	before := atomic.LoadInt32(&calls)
	_, _ = c.GetOrCompute(ctx, "old-popular", counting(&calls, 1))
	assert.Equal(t, before, atomic.LoadInt32(&calls), "old-popular should have survived")

	_, _ = c.GetOrCompute(ctx, "newer", counting(&calls, 2))
	assert.Equal(t, before+1, atomic.LoadInt32(&calls), "newer should have been evicted")
}

func TestInvalidatePattern(t *testing.T) {
	ctx := context.Background()
	c := New(DefaultOptions())
	var calls int32
	for _, k := range []string{"impact:a", "impact:b", "digest:"} {
		_, _ = c.GetOrCompute(ctx, k, counting(&calls, k))
	}

	removed := c.InvalidatePattern(regexp.MustCompile(`^impact:`))
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, c.Stats().Size)
	assert.Equal(t, uint64(0), c.Version())
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	c := New(DefaultOptions())
	assert.Equal(t, 0.0, c.Stats().HitRate)

	var calls int32
	_, _ = c.GetOrCompute(ctx, "a", counting(&calls, 1))
	_, _ = c.GetOrCompute(ctx, "a", counting(&calls, 1))
	_, _ = c.GetOrCompute(ctx, "a", counting(&calls, 1))
	_, _ = c.GetOrCompute(ctx, "b", counting(&calls, 1))

	s := c.Stats()
	assert.Equal(t, 2, s.Size)
	assert.Equal(t, int64(2), s.Hits)
	assert.Equal(t, int64(2), s.Misses)
	assert.InDelta(t, 0.5, s.HitRate, 1e-9)
}

func TestCompute_Typed(t *testing.T) {
	type digest struct{ Files int }
	c := New(DefaultOptions())
	calls := 0
	fn := func(context.Context) (*digest, error) {
		calls++
		return &digest{Files: 3}, nil
	}

	d1, err := Compute(context.Background(), c, "digest", fn)
	require.NoError(t, err)
	d2, err := Compute(context.Background(), c, "digest", fn)
	require.NoError(t, err)

	assert.Same(t, d1, d2)
	assert.Equal(t, 1, calls)
}

func TestMetrics_RecordedOnProvider(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	opts := DefaultOptions()
	opts.MaxSize = 1
	opts.MeterProvider = provider
	c := New(opts)

	ctx := context.Background()
	compute := func(v int) ComputeFunc {
		return func(context.Context) (any, error) { return v, nil }
	}
	_, err := c.GetOrCompute(ctx, "a", compute(1))
	require.NoError(t, err)
	_, err = c.GetOrCompute(ctx, "a", compute(1))
	require.NoError(t, err)
	_, err = c.GetOrCompute(ctx, "b", compute(2))
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	sums := map[string]int64{}
	var latencyCount uint64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					sums[m.Name] += dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					latencyCount += dp.Count
				}
			}
		}
	}

	assert.Equal(t, int64(1), sums["depgraph_query_cache_hits_total"])
	assert.Equal(t, int64(2), sums["depgraph_query_cache_misses_total"])
	assert.Equal(t, int64(1), sums["depgraph_query_cache_evictions_total"])
	assert.Equal(t, uint64(2), latencyCount)
}
