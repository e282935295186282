// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reachability computes liveness of graph nodes from entrypoints.
package reachability

import (
	"log/slog"
	"sort"
	"time"

	"github.com/AleutianAI/depgraph/services/depgraph/graph"
	"github.com/AleutianAI/depgraph/services/depgraph/telemetry"
)

// DefaultMaxClosureIterations caps the reexport fixpoint loop so cyclic
// reexport graphs always terminate.
const DefaultMaxClosureIterations = 100

// Result is the outcome of a reachability pass.
type Result struct {
	// Reachable holds every node ID reached from some entrypoint. An
	// entrypoint itself is only included when another traversal reaches it.
	Reachable map[string]struct{}

	// Unreachable holds the file node IDs not in Reachable, sorted.
	Unreachable []string

	// Coverage maps each entrypoint ID to the sorted node IDs its own
	// traversal reached.
	Coverage map[string][]string

	// ClosureIterations is how many fixpoint rounds ran.
	ClosureIterations int
}

// IsReachable reports whether id is in the reachable set.
func (r *Result) IsReachable(id string) bool {
	_, ok := r.Reachable[id]
	return ok
}

// ReachableIDs returns the reachable set as a sorted slice.
func (r *Result) ReachableIDs() []string {
	ids := make([]string, 0, len(r.Reachable))
	for id := range r.Reachable {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats summarizes file coverage.
type Stats struct {
	TotalFiles       int     `json:"totalFiles"`
	ReachableFiles   int     `json:"reachableFiles"`
	UnreachableFiles int     `json:"unreachableFiles"`
	Entrypoints      int     `json:"entrypoints"`
	CoveragePercent  float64 `json:"coveragePercent"`
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithMaxClosureIterations overrides the fixpoint iteration cap.
func WithMaxClosureIterations(n int) Option {
	return func(a *Analyzer) {
		if n > 0 {
			a.maxIterations = n
		}
	}
}

// WithLogger sets the analyzer's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Analyzer) {
		a.logger = logger
	}
}

// WithMetrics attaches analysis metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(a *Analyzer) {
		a.metrics = m
	}
}

// Analyzer performs breadth-first liveness analysis from entrypoint nodes.
//
// Description:
//
//	Traversal follows only imports and reexports edges. After the per-entrypoint
//	traversals, a fixpoint closure marks every node reexported by a reachable
//	node as reachable, modelling barrel files ("export * from './x'").
//
// Thread Safety:
//
//	Analyzer holds only a reference to the store and caches nothing. It is
//	safe to call concurrently as long as the store is not mutated.
type Analyzer struct {
	store         *graph.Store
	maxIterations int
	logger        *slog.Logger
	metrics       *telemetry.Metrics
}

// New creates an analyzer over store.
func New(store *graph.Store, opts ...Option) *Analyzer {
	a := &Analyzer{
		store:         store,
		maxIterations: DefaultMaxClosureIterations,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze computes the reachable set, the unreachable file set, and the
// per-entrypoint coverage.
//
// Outputs:
//
//	*Result - Never nil. Reachable and Unreachable partition the file nodes.
func (a *Analyzer) Analyze() *Result {
	start := time.Now()
	defer func() { a.metrics.ObserveAnalysis("reachability", time.Since(start)) }()

	result := &Result{
		Reachable: make(map[string]struct{}),
		Coverage:  make(map[string][]string),
	}

	for _, entry := range a.store.GetNodesByKind(graph.NodeKindEntrypoint) {
		visited := a.traverse(entry.ID, "")
		covered := make([]string, 0, len(visited))
		for id := range visited {
			result.Reachable[id] = struct{}{}
			covered = append(covered, id)
		}
		sort.Strings(covered)
		result.Coverage[entry.ID] = covered
	}

	result.ClosureIterations = a.closeOverReexports(result.Reachable)

	for _, file := range a.store.GetNodesByKind(graph.NodeKindFile) {
		if !result.IsReachable(file.ID) {
			result.Unreachable = append(result.Unreachable, file.ID)
		}
	}
	if result.Unreachable == nil {
		result.Unreachable = []string{}
	}

	a.logger.Debug("reachability analysis complete",
		slog.Int("reachable", len(result.Reachable)),
		slog.Int("unreachable_files", len(result.Unreachable)),
		slog.Int("closure_iterations", result.ClosureIterations),
	)
	return result
}

// closeOverReexports marks reexport targets of reachable nodes reachable
// until nothing changes or the iteration cap is hit.
func (a *Analyzer) closeOverReexports(reachable map[string]struct{}) int {
	iterations := 0
	for iterations < a.maxIterations {
		iterations++
		changed := false

		ids := make([]string, 0, len(reachable))
		for id := range reachable {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for _, id := range ids {
			for _, edge := range a.store.GetEdgesFrom(id) {
				if edge.Kind != graph.EdgeKindReexports {
					continue
				}
				if _, ok := reachable[edge.To]; !ok {
					reachable[edge.To] = struct{}{}
					changed = true
				}
			}
		}

		if !changed {
			return iterations
		}
	}

	a.logger.Warn("reexport closure hit iteration cap",
		slog.Int("max_iterations", a.maxIterations),
	)
	return iterations
}

// traverse runs a BFS from start over imports and reexports edges.
//
// The start node is not part of the visited set unless a path leads back
// to it. If target is non-empty the traversal stops as soon as it is found.
func (a *Analyzer) traverse(start, target string) map[string]struct{} {
	visited := make(map[string]struct{})
	seen := map[string]bool{start: true}
	queue := []string{start}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, edge := range a.store.GetEdgesFrom(current) {
			if !followed(edge.Kind) {
				continue
			}
			if _, ok := visited[edge.To]; ok {
				continue
			}
			visited[edge.To] = struct{}{}
			if target != "" && edge.To == target {
				return visited
			}
			if !seen[edge.To] {
				seen[edge.To] = true
				queue = append(queue, edge.To)
			}
		}
	}
	return visited
}

func followed(kind graph.EdgeKind) bool {
	return kind == graph.EdgeKindImports || kind == graph.EdgeKindReexports
}

// IsReachable reports whether any entrypoint has a path to id.
//
// Description:
//
//	Runs a dedicated BFS per entrypoint rather than reusing Analyze, so it
//	answers "is there any path" standalone. An entrypoint is reachable
//	from itself.
func (a *Analyzer) IsReachable(id string) bool {
	for _, entry := range a.store.GetNodesByKind(graph.NodeKindEntrypoint) {
		if entry.ID == id {
			return true
		}
		if _, ok := a.traverse(entry.ID, id)[id]; ok {
			return true
		}
	}
	return false
}

// FindReachingEntrypoints returns the sorted IDs of every entrypoint with a
// path to id.
func (a *Analyzer) FindReachingEntrypoints(id string) []string {
	result := make([]string, 0)
	for _, entry := range a.store.GetNodesByKind(graph.NodeKindEntrypoint) {
		if entry.ID == id {
			result = append(result, entry.ID)
			continue
		}
		if _, ok := a.traverse(entry.ID, id)[id]; ok {
			result = append(result, entry.ID)
		}
	}
	return result
}

// GetStats reports file coverage. Coverage is 100% when there are no files.
func (a *Analyzer) GetStats() Stats {
	result := a.Analyze()

	total := len(a.store.GetNodesByKind(graph.NodeKindFile))
	unreachable := len(result.Unreachable)
	stats := Stats{
		TotalFiles:       total,
		ReachableFiles:   total - unreachable,
		UnreachableFiles: unreachable,
		Entrypoints:      len(result.Coverage),
		CoveragePercent:  100,
	}
	if total > 0 {
		stats.CoveragePercent = float64(stats.ReachableFiles) / float64(total) * 100
	}
	return stats
}
