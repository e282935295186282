// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cycles detects circular import dependencies.
package cycles

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/depgraph/services/depgraph/globs"
	"github.com/AleutianAI/depgraph/services/depgraph/graph"
	"github.com/AleutianAI/depgraph/services/depgraph/telemetry"
)

// Default option values.
const (
	DefaultMinLength = 2
	DefaultMaxCycles = 100

	// maxBreakPoints is how many break point suggestions a cycle carries.
	maxBreakPoints = 3

	// maxPathSearchSteps bounds the DFS that reconstructs a cycle path.
	maxPathSearchSteps = 10_000

	// largeCycleThreshold is the component size above which a cycle is an error.
	largeCycleThreshold = 3
)

// Options configures FindCycles.
type Options struct {
	// MinLength is the smallest multi-node cycle reported. Default: 2.
	MinLength int

	// MaxCycles stops collection once this many cycles are found. Default: 100.
	MaxCycles int

	// Scope restricts the analysis to import edges whose source path
	// matches this glob. Empty means everything.
	Scope string
}

// BreakPoint is a suggested place to break a cycle.
type BreakPoint struct {
	// NodeID is the component member.
	NodeID string `json:"nodeId"`

	// ExternalEdges is the number of its import edges leaving the component.
	ExternalEdges int `json:"externalEdges"`
}

// Cycle is a reportable circular dependency.
type Cycle struct {
	// Nodes lists the members in cycle order: a closed walk starting at
	// Nodes[0], followed by any members the walk did not visit.
	Nodes []string `json:"nodes"`

	// Length is the number of nodes in the strongly connected component.
	Length int `json:"length"`

	// Severity is error for self-loops and components larger than 3.
	Severity graph.Severity `json:"severity"`

	// BreakPoints ranks up to 3 members by edges leaving the component.
	BreakPoints []BreakPoint `json:"breakPoints"`

	// Description is a human-readable rendering of the cycle.
	Description string `json:"description"`
}

// Option configures a Detector.
type Option func(*Detector)

// WithLogger sets the detector's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Detector) {
		d.logger = logger
	}
}

// WithMetrics attaches analysis metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(d *Detector) {
		d.metrics = m
	}
}

// Detector finds import cycles with Tarjan's strongly connected components.
//
// Thread Safety:
//
//	Safe for concurrent use as long as the store is not mutated.
//
// Performance:
//
//	| Phase               | Complexity            |
//	|---------------------|-----------------------|
//	| adjacency build     | O(E)                  |
//	| Tarjan SCC          | O(V + E)              |
//	| path reconstruction | bounded by 10k steps  |
type Detector struct {
	store   *graph.Store
	matcher *globs.Matcher
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// New creates a detector over store.
func New(store *graph.Store, opts ...Option) *Detector {
	d := &Detector{
		store:   store,
		matcher: globs.NewMatcher(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// adjacency is a deduplicated, sorted import adjacency list.
type adjacency struct {
	out   map[string][]string
	nodes []string
}

func (a *adjacency) hasEdge(from, to string) bool {
	targets := a.out[from]
	i := sort.SearchStrings(targets, to)
	return i < len(targets) && targets[i] == to
}

// buildAdjacency collects imports edges, optionally filtered by source path.
func (d *Detector) buildAdjacency(scope string) *adjacency {
	seen := make(map[string]map[string]bool)
	nodeSet := make(map[string]bool)

	for _, edge := range d.store.GetAllEdges() {
		if edge.Kind != graph.EdgeKindImports {
			continue
		}
		if scope != "" && !d.matcher.Match(scope, d.pathOf(edge.From)) {
			continue
		}
		if seen[edge.From] == nil {
			seen[edge.From] = make(map[string]bool)
		}
		seen[edge.From][edge.To] = true
		nodeSet[edge.From] = true
		nodeSet[edge.To] = true
	}

	adj := &adjacency{out: make(map[string][]string, len(seen))}
	for from, targets := range seen {
		list := make([]string, 0, len(targets))
		for to := range targets {
			list = append(list, to)
		}
		sort.Strings(list)
		adj.out[from] = list
	}
	for id := range nodeSet {
		adj.nodes = append(adj.nodes, id)
	}
	sort.Strings(adj.nodes)
	return adj
}

// pathOf returns a node's path, falling back to the ID discriminator for
// nodes without a path or dangling IDs.
func (d *Detector) pathOf(id string) string {
	if n, ok := d.store.GetNode(id); ok && n.Path != "" {
		return n.Path
	}
	return graph.StripKindPrefix(id)
}

// FindCycles reports circular import dependencies.
//
// Description:
//
//	Builds an import adjacency list (optionally scoped), runs an iterative
//	Tarjan SCC over it, and turns each qualifying component into a Cycle.
//	A multi-node component qualifies if it has internal edges and at least
//	MinLength members. A singleton qualifies only through a self-loop and
//	is always reported with severity error.
//
//	Collection stops after MaxCycles cycles; the collected cycles are then
//	sorted errors first, then longer first. The output order is stable, but
//	it is not guaranteed to contain the N largest cycles.
//
// Outputs:
//
//	[]Cycle - Never nil.
func (d *Detector) FindCycles(opts Options) []Cycle {
	start := time.Now()
	defer func() { d.metrics.ObserveAnalysis("cycles", time.Since(start)) }()

	if opts.MinLength <= 0 {
		opts.MinLength = DefaultMinLength
	}
	if opts.MaxCycles <= 0 {
		opts.MaxCycles = DefaultMaxCycles
	}

	adj := d.buildAdjacency(opts.Scope)
	components := stronglyConnected(adj)

	result := make([]Cycle, 0)
	for _, component := range components {
		if len(result) >= opts.MaxCycles {
			d.logger.Debug("cycle collection truncated",
				slog.Int("max_cycles", opts.MaxCycles),
				slog.Int("components", len(components)),
			)
			break
		}

		if len(component) == 1 {
			node := component[0]
			if adj.hasEdge(node, node) {
				result = append(result, d.selfLoop(adj, node))
			}
			continue
		}

		if len(component) < opts.MinLength || !hasInternalEdges(adj, component) {
			continue
		}
		result = append(result, d.buildCycle(adj, component))
	}

	sort.SliceStable(result, func(i, j int) bool {
		ri, rj := result[i].Severity.Rank(), result[j].Severity.Rank()
		if ri != rj {
			return ri > rj
		}
		return result[i].Length > result[j].Length
	})
	return result
}

func (d *Detector) selfLoop(adj *adjacency, node string) Cycle {
	members := map[string]bool{node: true}
	return Cycle{
		Nodes:       []string{node},
		Length:      1,
		Severity:    graph.SeverityError,
		BreakPoints: breakPoints(adj, []string{node}, members),
		Description: fmt.Sprintf("Self-import: %s imports itself", d.pathOf(node)),
	}
}

func (d *Detector) buildCycle(adj *adjacency, component []string) Cycle {
	members := make(map[string]bool, len(component))
	for _, id := range component {
		members[id] = true
	}

	sorted := append([]string(nil), component...)
	sort.Strings(sorted)

	walk := reconstructPath(adj, sorted[0], members)
	ordered := append([]string(nil), walk...)
	inWalk := make(map[string]bool, len(walk))
	for _, id := range walk {
		inWalk[id] = true
	}
	for _, id := range sorted {
		if !inWalk[id] {
			ordered = append(ordered, id)
		}
	}

	severity := graph.SeverityWarning
	if len(component) > largeCycleThreshold {
		severity = graph.SeverityError
	}

	return Cycle{
		Nodes:       ordered,
		Length:      len(component),
		Severity:    severity,
		BreakPoints: breakPoints(adj, sorted, members),
		Description: d.describe(walk, len(component)),
	}
}

func (d *Detector) describe(walk []string, size int) string {
	names := make([]string, 0, len(walk)+1)
	for _, id := range walk {
		names = append(names, d.pathOf(id))
	}
	if len(walk) > 0 {
		names = append(names, d.pathOf(walk[0]))
	}
	return fmt.Sprintf("Circular dependency across %d files: %s", size, strings.Join(names, " → "))
}

func hasInternalEdges(adj *adjacency, component []string) bool {
	members := make(map[string]bool, len(component))
	for _, id := range component {
		members[id] = true
	}
	for _, from := range component {
		for _, to := range adj.out[from] {
			if members[to] {
				return true
			}
		}
	}
	return false
}

// breakPoints ranks members by the count of import edges leaving the
// component and returns the top 3. Ties break by node ID.
func breakPoints(adj *adjacency, sortedMembers []string, members map[string]bool) []BreakPoint {
	points := make([]BreakPoint, 0, len(sortedMembers))
	for _, id := range sortedMembers {
		external := 0
		for _, to := range adj.out[id] {
			if !members[to] {
				external++
			}
		}
		points = append(points, BreakPoint{NodeID: id, ExternalEdges: external})
	}
	sort.SliceStable(points, func(i, j int) bool {
		return points[i].ExternalEdges > points[j].ExternalEdges
	})
	if len(points) > maxBreakPoints {
		points = points[:maxBreakPoints]
	}
	return points
}

// reconstructPath finds a closed walk through start using a bounded,
// iterative DFS restricted to component members. The returned slice lists
// each node once; the walk closes from the last node back to start. If
// the search budget runs out the sorted members are returned.
func reconstructPath(adj *adjacency, start string, members map[string]bool) []string {
	type frame struct {
		node string
		next int
	}

	stack := []frame{{node: start}}
	path := []string{start}
	onPath := map[string]bool{start: true}
	steps := 0

	for len(stack) > 0 && steps < maxPathSearchSteps {
		steps++
		top := &stack[len(stack)-1]
		targets := adj.out[top.node]

		if top.next >= len(targets) {
			onPath[top.node] = false
			stack = stack[:len(stack)-1]
			path = path[:len(path)-1]
			continue
		}

		to := targets[top.next]
		top.next++

		if !members[to] {
			continue
		}
		if to == start && len(path) > 1 {
			return path
		}
		if onPath[to] {
			continue
		}
		onPath[to] = true
		stack = append(stack, frame{node: to})
		path = append(path, to)
	}

	fallback := make([]string, 0, len(members))
	for id := range members {
		fallback = append(fallback, id)
	}
	sort.Strings(fallback)
	return fallback
}

// stronglyConnected runs Tarjan's algorithm with an explicit call stack so
// deep import chains cannot overflow the goroutine stack.
func stronglyConnected(adj *adjacency) [][]string {
	index := 0
	nodeIndex := make(map[string]int, len(adj.nodes))
	lowLink := make(map[string]int, len(adj.nodes))
	onStack := make(map[string]bool, len(adj.nodes))
	sccStack := make([]string, 0)
	components := make([][]string, 0)

	// callFrame replaces a recursive strongConnect invocation.
	type callFrame struct {
		nodeID    string
		edgeIndex int
		childID   string
		phase     int // 0=enter, 1=edges, 2=after child, 3=finish
	}

	for _, root := range adj.nodes {
		if _, visited := nodeIndex[root]; visited {
			continue
		}

		callStack := []callFrame{{nodeID: root}}
		for len(callStack) > 0 {
			frame := &callStack[len(callStack)-1]

			switch frame.phase {
			case 0:
				nodeIndex[frame.nodeID] = index
				lowLink[frame.nodeID] = index
				index++
				sccStack = append(sccStack, frame.nodeID)
				onStack[frame.nodeID] = true
				frame.phase = 1

			case 1:
				targets := adj.out[frame.nodeID]
				pushed := false
				for frame.edgeIndex < len(targets) {
					to := targets[frame.edgeIndex]
					frame.edgeIndex++

					if _, visited := nodeIndex[to]; !visited {
						frame.phase = 2
						frame.childID = to
						callStack = append(callStack, callFrame{nodeID: to})
						pushed = true
						break
					}
					if onStack[to] && nodeIndex[to] < lowLink[frame.nodeID] {
						lowLink[frame.nodeID] = nodeIndex[to]
					}
				}
				if !pushed {
					frame.phase = 3
				}

			case 2:
				if lowLink[frame.childID] < lowLink[frame.nodeID] {
					lowLink[frame.nodeID] = lowLink[frame.childID]
				}
				frame.phase = 1

			case 3:
				if lowLink[frame.nodeID] == nodeIndex[frame.nodeID] {
					component := make([]string, 0)
					for {
						w := sccStack[len(sccStack)-1]
						sccStack = sccStack[:len(sccStack)-1]
						onStack[w] = false
						component = append(component, w)
						if w == frame.nodeID {
							break
						}
					}
					components = append(components, component)
				}
				callStack = callStack[:len(callStack)-1]
			}
		}
	}
	return components
}

// DetectCycleIssues maps FindCycles results to CYCLE_RISK issues.
func (d *Detector) DetectCycleIssues(opts Options) []graph.Issue {
	cycles := d.FindCycles(opts)
	issues := make([]graph.Issue, 0, len(cycles))

	for _, c := range cycles {
		fixes := make([]string, 0, len(c.BreakPoints)+1)
		for _, bp := range c.BreakPoints {
			fixes = append(fixes, fmt.Sprintf("Break the cycle at %s (%d imports outside the cycle)",
				d.pathOf(bp.NodeID), bp.ExternalEdges))
		}
		fixes = append(fixes, "Extract the shared code into a module that no cycle member imports back")

		title := fmt.Sprintf("Circular dependency between %d files", c.Length)
		if c.Length == 1 {
			title = "File imports itself"
		}

		issues = append(issues, graph.Issue{
			ID:           "cycle:" + strings.Join(c.Nodes, ">"),
			Kind:         graph.IssueCycleRisk,
			Severity:     c.Severity,
			NodeID:       c.Nodes[0],
			Title:        title,
			Evidence:     []string{c.Description},
			SuggestedFix: fixes,
			Meta:         &graph.IssueMeta{Cycle: append([]string(nil), c.Nodes...)},
		})
	}
	return issues
}
