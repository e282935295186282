// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package issues derives diagnostics from reachability, edge confidence,
// and export-chain integrity.
package issues

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"github.com/AleutianAI/depgraph/services/depgraph/graph"
	"github.com/AleutianAI/depgraph/services/depgraph/reachability"
	"github.com/AleutianAI/depgraph/services/depgraph/telemetry"
)

// DefaultExcludePatterns are the paths never reported as unreachable:
// tests, specs, config files, declaration files, and vendored packages.
var DefaultExcludePatterns = []string{
	"**.test.*",
	"**.spec.*",
	"**__tests__/**",
	"{test,tests}/**",
	"**/{test,tests}/**",
	"**.config.*",
	"**.d.{ts,mts,cts}",
	"**node_modules/**",
}

// Export-count thresholds for HANDLER_UNREACHABLE severity.
const (
	errorExportThreshold   = 5
	warningExportThreshold = 2
)

// Option configures a Detector.
type Option func(*Detector)

// WithExtensionMapper replaces the default extension mapper.
func WithExtensionMapper(m ExtensionMapper) Option {
	return func(d *Detector) {
		d.mapper = m
	}
}

// WithSemanticValidator installs the optional false-positive filter.
func WithSemanticValidator(v SemanticValidator) Option {
	return func(d *Detector) {
		d.validator = v
	}
}

// WithExcludePatterns replaces the unreachable-file exclusion globs.
func WithExcludePatterns(patterns ...string) Option {
	return func(d *Detector) {
		d.excludePatterns = patterns
	}
}

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

// Detector synthesizes issues from the store and the reachability analyzer.
//
// Thread Safety:
//
//	Safe for concurrent use as long as the store is not mutated.
type Detector struct {
	store           *graph.Store
	reach           *reachability.Analyzer
	mapper          ExtensionMapper
	validator       SemanticValidator
	excludePatterns []string
	excluded        []glob.Glob
	logger          *slog.Logger
	metrics         *telemetry.Metrics
}

// New creates a detector. Exclusion patterns that fail to compile are
// dropped with a warning.
func New(store *graph.Store, reach *reachability.Analyzer, opts ...Option) *Detector {
	d := &Detector{
		store:           store,
		reach:           reach,
		mapper:          DefaultExtensionMapper{},
		excludePatterns: DefaultExcludePatterns,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.excluded = make([]glob.Glob, 0, len(d.excludePatterns))
	for _, p := range d.excludePatterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			d.logger.Warn("invalid exclude pattern", slog.String("pattern", p), slog.String("error", err.Error()))
			continue
		}
		d.excluded = append(d.excluded, g)
	}
	return d
}

func (d *Detector) isExcluded(p string) bool {
	for _, g := range d.excluded {
		if g.Match(p) {
			return true
		}
	}
	return false
}

// =============================================================================
// Unreachable handlers
// =============================================================================

// DetectUnreachableHandlers reports unreachable files that export symbols.
//
// Description:
//
//	Candidates come from the reachability analyzer's unreachable set.
//	Excluded paths, barrel files, files re-exported by a reachable barrel,
//	and files without exports are skipped. Severity scales with the export
//	count: more than 5 is error, more than 2 is warning, otherwise info.
func (d *Detector) DetectUnreachableHandlers() []graph.Issue {
	result := d.reach.Analyze()
	out := make([]graph.Issue, 0)

	for _, id := range result.Unreachable {
		node, ok := d.store.GetNode(id)
		if !ok || node.Kind != graph.NodeKindFile {
			continue
		}
		if d.isExcluded(node.Path) || node.IsBarrel() {
			continue
		}
		if d.reexportedByReachableBarrel(id, result) {
			continue
		}
		exports := node.Exports()
		if len(exports) == 0 {
			continue
		}

		severity := graph.SeverityInfo
		switch {
		case len(exports) > errorExportThreshold:
			severity = graph.SeverityError
		case len(exports) > warningExportThreshold:
			severity = graph.SeverityWarning
		}

		out = append(out, graph.Issue{
			ID:       "unreachable:" + id,
			Kind:     graph.IssueHandlerUnreachable,
			Severity: severity,
			NodeID:   id,
			Title:    fmt.Sprintf("%s is not reachable from any entrypoint", node.Path),
			Evidence: []string{
				"No entrypoint reaches this file through imports or re-exports",
				fmt.Sprintf("Exports %d symbols: %s", len(exports), strings.Join(exports, ", ")),
			},
			SuggestedFix: []string{
				"Import the file from live code or register it with its framework",
				"Delete the file if it is dead code",
			},
			Meta: &graph.IssueMeta{SourceFile: node.Path, ExportCount: len(exports)},
		})
	}
	return out
}

// reexportedByReachableBarrel walks incoming reexports edges with an
// explicit stack, looking for a reachable barrel file.
func (d *Detector) reexportedByReachableBarrel(id string, result *reachability.Result) bool {
	visited := map[string]bool{id: true}
	stack := []string{id}

	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		for _, edge := range d.store.GetEdgesTo(current) {
			if edge.Kind != graph.EdgeKindReexports || visited[edge.From] {
				continue
			}
			visited[edge.From] = true
			if src, ok := d.store.GetNode(edge.From); ok && src.IsBarrel() && result.IsReachable(src.ID) {
				return true
			}
			stack = append(stack, edge.From)
		}
	}
	return false
}

// =============================================================================
// Dynamic edges
// =============================================================================

// DetectDynamicEdges reports edges with unknown confidence or a dynamic
// flag. They are info-level: dynamic imports are usually intentional.
func (d *Detector) DetectDynamicEdges() []graph.Issue {
	out := make([]graph.Issue, 0)
	for _, edge := range d.store.GetAllEdges() {
		if edge.Confidence != graph.ConfidenceUnknown && !edge.IsDynamic() {
			continue
		}

		source := d.displayPath(edge.From)
		evidence := []string{fmt.Sprintf("%s %s %s", source, edge.Kind, graph.StripKindPrefix(edge.To))}
		if line := edge.Line(); line > 0 {
			evidence[0] = fmt.Sprintf("%s:%d %s %s", source, line, edge.Kind, graph.StripKindPrefix(edge.To))
		}
		if edge.Reason != "" {
			evidence = append(evidence, edge.Reason)
		}

		out = append(out, graph.Issue{
			ID:       "dynamic:" + edge.ID,
			Kind:     graph.IssueDynamicEdgeUnknown,
			Severity: graph.SeverityInfo,
			NodeID:   edge.From,
			Title:    fmt.Sprintf("Dynamic dependency from %s", source),
			Evidence: evidence,
			SuggestedFix: []string{
				"Use a static import if the target is known at build time",
			},
			Meta: &graph.IssueMeta{EdgeID: edge.ID, SourceFile: source, Line: edge.Line()},
		})
	}
	return out
}

// =============================================================================
// Broken exports
// =============================================================================

// DetectBrokenExports reports exports and reexports edges whose target is
// missing from the store.
//
// Description:
//
//	Targets namespaced as workspace: or module: are resolved externally and
//	skipped. So are targets with an alternate-extension sibling in the
//	store, and scoped package references (@scope/name), which cannot be
//	judged without package metadata.
func (d *Detector) DetectBrokenExports() []graph.Issue {
	out := make([]graph.Issue, 0)
	for _, edge := range d.store.GetAllEdges() {
		if edge.Kind != graph.EdgeKindReexports && edge.Kind != graph.EdgeKindExports {
			continue
		}
		if d.store.HasNode(edge.To) {
			continue
		}
		if strings.HasPrefix(edge.To, "workspace:") || strings.HasPrefix(edge.To, "module:") {
			continue
		}
		target := graph.StripKindPrefix(edge.To)
		if isScopedPackage(target) || d.resolvesViaExtension(target) {
			continue
		}

		source := d.displayPath(edge.From)
		out = append(out, graph.Issue{
			ID:       "broken-export:" + edge.ID,
			Kind:     graph.IssueBrokenExportChain,
			Severity: graph.SeverityError,
			NodeID:   edge.From,
			Title:    fmt.Sprintf("%s %s a missing module", source, edge.Kind),
			Evidence: []string{
				fmt.Sprintf("Target %s is not in the graph", target),
			},
			SuggestedFix: []string{
				"Fix the export path",
				"Restore or create the missing file",
			},
			Meta: &graph.IssueMeta{
				EdgeID:     edge.ID,
				SourceFile: source,
				TargetFile: target,
				Line:       edge.Line(),
			},
		})
	}
	return out
}

func isScopedPackage(target string) bool {
	return strings.HasPrefix(target, "@") && strings.Contains(target, "/")
}

func (d *Detector) resolvesViaExtension(target string) bool {
	if d.mapper == nil {
		return false
	}
	for _, candidate := range d.mapper.Candidates(target) {
		if d.store.HasNode(candidate) || d.store.HasNode(graph.FileID(candidate)) {
			return true
		}
		if _, ok := d.store.GetNodeByPath(candidate); ok {
			return true
		}
	}
	return false
}

func (d *Detector) displayPath(id string) string {
	if n, ok := d.store.GetNode(id); ok && n.Path != "" {
		return n.Path
	}
	return graph.StripKindPrefix(id)
}

// DetectAll returns unreachable, dynamic, and broken-export issues, in
// that order.
func (d *Detector) DetectAll() []graph.Issue {
	start := time.Now()
	defer func() { d.metrics.ObserveAnalysis("issues", time.Since(start)) }()

	unreachable := d.DetectUnreachableHandlers()
	dynamic := d.DetectDynamicEdges()
	broken := d.DetectBrokenExports()

	d.metrics.AddIssues(string(graph.IssueHandlerUnreachable), len(unreachable))
	d.metrics.AddIssues(string(graph.IssueDynamicEdgeUnknown), len(dynamic))
	d.metrics.AddIssues(string(graph.IssueBrokenExportChain), len(broken))

	out := make([]graph.Issue, 0, len(unreachable)+len(dynamic)+len(broken))
	out = append(out, unreachable...)
	out = append(out, dynamic...)
	out = append(out, broken...)

	d.logger.Debug("issue detection complete",
		slog.Int("unreachable", len(unreachable)),
		slog.Int("dynamic", len(dynamic)),
		slog.Int("broken_exports", len(broken)),
	)
	return out
}
