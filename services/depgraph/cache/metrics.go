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
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer for query cache operations.
var tracer = otel.Tracer("depgraph.cache")

// cacheMetrics holds the instruments of one QueryCache.
//
// Instruments are created from the provider passed in Options, so each
// cache reports to the provider it was built with even when the global
// provider is replaced later.
type cacheMetrics struct {
	hits      metric.Int64Counter
	misses    metric.Int64Counter
	evictions metric.Int64Counter
	latency   metric.Float64Histogram
}

// newCacheMetrics creates the cache instruments. Instruments that fail to
// register fall back to no-ops.
func newCacheMetrics(provider metric.MeterProvider) *cacheMetrics {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter("depgraph.cache")
	m := &cacheMetrics{}

	var errs []error
	var err error
	m.hits, err = meter.Int64Counter(
		"depgraph_query_cache_hits_total",
		metric.WithDescription("Total number of query cache hits"),
	)
	errs = append(errs, err)

	m.misses, err = meter.Int64Counter(
		"depgraph_query_cache_misses_total",
		metric.WithDescription("Total number of query cache misses"),
	)
	errs = append(errs, err)

	m.evictions, err = meter.Int64Counter(
		"depgraph_query_cache_evictions_total",
		metric.WithDescription("Total number of query cache evictions"),
	)
	errs = append(errs, err)

	m.latency, err = meter.Float64Histogram(
		"depgraph_query_compute_duration_seconds",
		metric.WithDescription("Duration of query computations on cache miss"),
		metric.WithUnit("s"),
	)
	errs = append(errs, err)

	for _, err := range errs {
		if err != nil {
			slog.Warn("query cache metrics unavailable", slog.String("error", err.Error()))
		}
	}
	return m
}

func (m *cacheMetrics) recordHit(ctx context.Context) {
	if m.hits != nil {
		m.hits.Add(ctx, 1)
	}
}

func (m *cacheMetrics) recordMiss(ctx context.Context) {
	if m.misses != nil {
		m.misses.Add(ctx, 1)
	}
}

func (m *cacheMetrics) recordEviction(ctx context.Context) {
	if m.evictions != nil {
		m.evictions.Add(ctx, 1)
	}
}

func (m *cacheMetrics) recordComputeLatency(ctx context.Context, duration time.Duration, failed bool) {
	if m.latency != nil {
		m.latency.Record(ctx, duration.Seconds(),
			metric.WithAttributes(attribute.Bool("failed", failed)),
		)
	}
}

// startComputeSpan creates a span around a cache-miss computation.
func startComputeSpan(ctx context.Context, key string, version uint64) (context.Context, trace.Span) {
	return tracer.Start(ctx, "QueryCache.Compute",
		trace.WithAttributes(
			attribute.String("cache.key", key),
			attribute.Int64("cache.version", int64(version)),
		),
	)
}
