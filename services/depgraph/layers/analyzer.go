// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package layers enforces architectural import rules expressed as globs.
package layers

import (
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/depgraph/services/depgraph/globs"
	"github.com/AleutianAI/depgraph/services/depgraph/graph"
	"github.com/AleutianAI/depgraph/services/depgraph/telemetry"
)

// Violation is one import edge that breaks a rule.
type Violation struct {
	Rule        string         `json:"rule"`
	Severity    graph.Severity `json:"severity"`
	EdgeID      string         `json:"edgeId"`
	SourceID    string         `json:"sourceId"`
	SourceFile  string         `json:"sourceFile"`
	TargetFile  string         `json:"targetFile"`
	Line        int            `json:"line,omitempty"`
	Description string         `json:"description,omitempty"`
}

// CheckOptions configures CheckViolations.
type CheckOptions struct {
	// Rules overrides the analyzer's configured rules when non-empty.
	Rules []Rule

	// Scope restricts which source paths are considered. Empty means all.
	Scope string
}

// Option configures an Analyzer.
type Option func(*Analyzer)

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

// WithRules installs the initial rule set. Invalid rules are dropped
// with a warning.
func WithRules(rules ...Rule) Option {
	return func(a *Analyzer) {
		a.pending = append(a.pending, rules...)
	}
}

// Analyzer checks import edges against layer rules.
//
// # Thread Safety
//
// Rule mutation and checks may run concurrently. Checks read the store
// without locking, so the store must not be mutated during a check.
type Analyzer struct {
	store   *graph.Store
	matcher *globs.Matcher
	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu      sync.RWMutex
	rules   []Rule
	pending []Rule
}

// New creates a layer analyzer over store.
func New(store *graph.Store, opts ...Option) *Analyzer {
	a := &Analyzer{
		store:   store,
		matcher: globs.NewMatcher(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	for _, r := range a.pending {
		if err := a.AddRule(r); err != nil {
			a.logger.Warn("dropping invalid layer rule", slog.String("error", err.Error()))
		}
	}
	a.pending = nil
	return a
}

// SetRules replaces the rule set. Nothing changes if any rule is invalid.
func (a *Analyzer) SetRules(rules []Rule) error {
	normalized, err := normalizeAll(rules)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.rules = normalized
	a.mu.Unlock()
	return nil
}

// GetRules returns a copy of the rule set.
func (a *Analyzer) GetRules() []Rule {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]Rule(nil), a.rules...)
}

// AddRule appends one rule.
func (a *Analyzer) AddRule(rule Rule) error {
	normalized, err := rule.normalize()
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.rules = append(a.rules, normalized)
	a.mu.Unlock()
	return nil
}

// Follow installs the loader's rules and keeps them in sync on reload.
func (a *Analyzer) Follow(loader *RuleLoader) {
	if err := a.SetRules(loader.Rules()); err != nil {
		a.logger.Warn("layer rules from loader rejected", slog.String("error", err.Error()))
	}
	loader.OnChange(func(rules []Rule) {
		if err := a.SetRules(rules); err != nil {
			a.logger.Warn("layer rules reload rejected", slog.String("error", err.Error()))
			return
		}
		a.logger.Info("layer rules reloaded", slog.Int("rules", len(rules)))
	})
}

// pathOf returns the node's path, or the ID discriminator when the node is
// missing or has no path.
func (a *Analyzer) pathOf(id string) string {
	if n, ok := a.store.GetNode(id); ok && n.Path != "" {
		return n.Path
	}
	return graph.StripKindPrefix(id)
}

// CheckViolations reports every imports edge whose source matches a rule's
// From glob and whose target matches its CannotImport glob.
//
// Description:
//
//	Only imports-kind edges are inspected. Scope, when set, must match the
//	source path before any rule is tried. One edge may violate several
//	rules and yields one Violation per rule. Output follows edge ID order,
//	then rule order.
func (a *Analyzer) CheckViolations(opts CheckOptions) []Violation {
	start := time.Now()
	defer func() { a.metrics.ObserveAnalysis("layers", time.Since(start)) }()

	rules := opts.Rules
	if len(rules) == 0 {
		rules = a.GetRules()
	} else {
		normalized := make([]Rule, 0, len(rules))
		for _, r := range rules {
			n, err := r.normalize()
			if err != nil {
				a.logger.Warn("skipping invalid layer rule", slog.String("error", err.Error()))
				continue
			}
			normalized = append(normalized, n)
		}
		rules = normalized
	}

	violations := make([]Violation, 0)
	if len(rules) == 0 {
		return violations
	}

	for _, edge := range a.store.GetAllEdges() {
		if edge.Kind != graph.EdgeKindImports {
			continue
		}
		source := a.pathOf(edge.From)
		if opts.Scope != "" && !a.matcher.Match(opts.Scope, source) {
			continue
		}
		target := a.pathOf(edge.To)

		for _, rule := range rules {
			if !a.matcher.Match(rule.From, source) || !a.matcher.Match(rule.CannotImport, target) {
				continue
			}
			violations = append(violations, Violation{
				Rule:        rule.Name,
				Severity:    rule.Severity,
				EdgeID:      edge.ID,
				SourceID:    edge.From,
				SourceFile:  source,
				TargetFile:  target,
				Line:        edge.Line(),
				Description: rule.Description,
			})
		}
	}
	return violations
}

// DetectLayerIssues maps violations to LAYER_VIOLATION issues.
func (a *Analyzer) DetectLayerIssues(opts CheckOptions) []graph.Issue {
	rulesByName := make(map[string]Rule)
	for _, r := range a.GetRules() {
		rulesByName[r.Name] = r
	}
	for _, r := range opts.Rules {
		rulesByName[r.Name] = r
	}

	violations := a.CheckViolations(opts)
	issues := make([]graph.Issue, 0, len(violations))
	for _, v := range violations {
		location := v.SourceFile
		if v.Line > 0 {
			location = fmt.Sprintf("%s:%d", v.SourceFile, v.Line)
		}
		evidence := []string{fmt.Sprintf("%s imports %s", location, v.TargetFile)}
		if v.Description != "" {
			evidence = append(evidence, v.Description)
		}

		fixes := []string{"Move the shared code into a layer both sides may depend on"}
		if through := rulesByName[v.Rule].MustGoThrough; len(through) > 0 {
			fixes = append([]string{"Route the dependency through " + strings.Join(through, " or ")}, fixes...)
		}

		issues = append(issues, graph.Issue{
			ID:           "layer:" + v.Rule + ":" + v.EdgeID,
			Kind:         graph.IssueLayerViolation,
			Severity:     v.Severity,
			NodeID:       v.SourceID,
			Title:        fmt.Sprintf("Layer violation: %s", v.Rule),
			Evidence:     evidence,
			SuggestedFix: fixes,
			Meta: &graph.IssueMeta{
				EdgeID:     v.EdgeID,
				Rule:       v.Rule,
				SourceFile: v.SourceFile,
				TargetFile: v.TargetFile,
				Line:       v.Line,
			},
		})
	}
	return issues
}

// Directory name families recognised by SuggestRules.
var (
	uiDirs   = map[string]bool{"ui": true, "components": true, "views": true, "pages": true}
	dataDirs = map[string]bool{"db": true, "database": true, "repositories": true, "repository": true}
	utilDirs = map[string]bool{"utils": true, "util": true, "lib": true, "shared": true, "helpers": true}
)

// SuggestRules proposes rules from directory names found in file paths.
//
// Description:
//
//	Looks for UI, data-access, and utility directories and proposes the
//	usual one-way dependencies between them. Flat layouts yield no rules.
func (a *Analyzer) SuggestRules() []Rule {
	var ui, data, util string
	pick := func(current, candidate string) string {
		if current == "" || candidate < current {
			return candidate
		}
		return current
	}

	for _, n := range a.store.GetNodesByKind(graph.NodeKindFile) {
		dir := path.Dir(n.Path)
		for dir != "." && dir != "/" && dir != "" {
			base := strings.ToLower(path.Base(dir))
			switch {
			case uiDirs[base]:
				ui = pick(ui, dir)
			case dataDirs[base]:
				data = pick(data, dir)
			case utilDirs[base]:
				util = pick(util, dir)
			}
			dir = path.Dir(dir)
		}
	}

	rules := make([]Rule, 0)
	if ui != "" && data != "" {
		rules = append(rules, Rule{
			Name:         "ui-no-direct-db",
			From:         ui + "/**",
			CannotImport: data + "/**",
			Severity:     graph.SeverityError,
			Description:  "UI code should not access the data layer directly",
		})
		rules = append(rules, Rule{
			Name:         "db-no-ui",
			From:         data + "/**",
			CannotImport: ui + "/**",
			Severity:     graph.SeverityWarning,
			Description:  "Data access code should not depend on UI code",
		})
	}
	if util != "" && ui != "" {
		rules = append(rules, Rule{
			Name:         "utils-no-ui",
			From:         util + "/**",
			CannotImport: ui + "/**",
			Severity:     graph.SeverityWarning,
			Description:  "Shared utilities should not depend on UI code",
		})
	}
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Name < rules[j].Name })
	return rules
}
