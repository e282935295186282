// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry holds the Prometheus collectors for graph analysis runs.
//
// Collectors are created per Metrics instance and registered on the
// caller-supplied registerer, so tests and multiple engines can coexist.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the analysis collectors.
//
// A nil *Metrics is valid; every method is then a no-op.
type Metrics struct {
	analysisDuration *prometheus.HistogramVec
	analysisRuns     *prometheus.CounterVec
	issuesDetected   *prometheus.CounterVec
	storeNodes       prometheus.Gauge
	storeEdges       prometheus.Gauge
}

// New registers the analysis collectors on reg.
//
// Inputs:
//
//	reg - Registerer to attach collectors to. Use prometheus.NewRegistry()
//	      in tests to avoid duplicate registration panics.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		analysisDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "depgraph_analysis_duration_ms",
			Help:    "Duration of a graph analysis run in milliseconds, labelled by analyzer.",
			Buckets: []float64{0.5, 1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		}, []string{"analyzer"}),

		analysisRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "depgraph_analysis_runs_total",
			Help: "Total number of graph analysis runs, labelled by analyzer.",
		}, []string{"analyzer"}),

		issuesDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "depgraph_issues_detected_total",
			Help: "Total number of issues produced by analysis passes, labelled by kind.",
		}, []string{"kind"}),

		storeNodes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "depgraph_store_nodes",
			Help: "Current number of nodes in the graph store.",
		}),

		storeEdges: factory.NewGauge(prometheus.GaugeOpts{
			Name: "depgraph_store_edges",
			Help: "Current number of edges in the graph store.",
		}),
	}
}

// ObserveAnalysis records one run of the named analyzer.
func (m *Metrics) ObserveAnalysis(analyzer string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.analysisRuns.WithLabelValues(analyzer).Inc()
	m.analysisDuration.WithLabelValues(analyzer).Observe(float64(elapsed.Microseconds()) / 1000)
}

// AddIssues records n issues of the given kind.
func (m *Metrics) AddIssues(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.issuesDetected.WithLabelValues(kind).Add(float64(n))
}

// SetStoreSize updates the store size gauges.
func (m *Metrics) SetStoreSize(nodes, edges int) {
	if m == nil {
		return
	}
	m.storeNodes.Set(float64(nodes))
	m.storeEdges.Set(float64(edges))
}
