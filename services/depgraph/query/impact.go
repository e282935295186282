// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package query

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/AleutianAI/depgraph/services/depgraph/cache"
	"github.com/AleutianAI/depgraph/services/depgraph/graph"
)

const (
	// DefaultImpactDepth is how many hops of dependents Impact counts.
	DefaultImpactDepth = 3

	// MaxImpactDepth caps the requested depth.
	MaxImpactDepth = 10
)

// RiskLevel indicates the risk associated with changing a file.
type RiskLevel string

const (
	// RiskCritical means many dependents or several entrypoints are affected.
	RiskCritical RiskLevel = "critical"

	// RiskHigh means an entrypoint or a sizeable set of dependents is affected.
	RiskHigh RiskLevel = "high"

	// RiskMedium means a handful of dependents or a multi-hop chain.
	RiskMedium RiskLevel = "medium"

	// RiskLow means minimal impact.
	RiskLow RiskLevel = "low"
)

// RiskConfig allows customizing risk level thresholds.
//
// # Fields
//
//   - CriticalDependents: Dependents >= this is critical (default 20).
//   - CriticalEntrypoints: Affected entrypoints >= this is critical (default 3).
//   - HighDependents: Dependents >= this is high (default 10).
//   - MediumDependents: Dependents >= this is medium (default 3).
//   - MediumDepth: Depth reached >= this is medium (default 2).
//
// Any affected entrypoint is at least high.
type RiskConfig struct {
	CriticalDependents  int `json:"criticalDependents" mapstructure:"critical_dependents"`
	CriticalEntrypoints int `json:"criticalEntrypoints" mapstructure:"critical_entrypoints"`
	HighDependents      int `json:"highDependents" mapstructure:"high_dependents"`
	MediumDependents    int `json:"mediumDependents" mapstructure:"medium_dependents"`
	MediumDepth         int `json:"mediumDepth" mapstructure:"medium_depth"`
}

// DefaultRiskConfig returns risk thresholds with sensible defaults.
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		CriticalDependents:  20,
		CriticalEntrypoints: 3,
		HighDependents:      10,
		MediumDependents:    3,
		MediumDepth:         2,
	}
}

// ImpactOptions configures Impact.
type ImpactOptions struct {
	// Depth is the number of dependent hops counted. Default 3, max 10.
	Depth int
}

// DepthCount is the number of dependents first reached at Depth hops.
type DepthCount struct {
	Depth int `json:"depth"`
	Count int `json:"count"`
}

// RiskAssessment summarizes the blast radius of a change.
type RiskAssessment struct {
	Level   RiskLevel `json:"level"`
	Reason  string    `json:"reason"`
	Factors []string  `json:"factors"`
}

// Impact is the result of an impact query.
type Impact struct {
	Target   string `json:"target"`
	NodeID   string `json:"nodeId,omitempty"`
	Resolved bool   `json:"resolved"`

	// DirectDependents are the sorted sources of edges into the target.
	DirectDependents []string `json:"directDependents"`

	// ByDepth counts dependents per hop, from 1 to the depth reached.
	ByDepth []DepthCount `json:"byDepth"`

	// TotalDependents is the number of distinct dependents within Depth.
	TotalDependents int `json:"totalDependents"`

	// MaxDepthReached is the deepest hop with at least one dependent.
	MaxDepthReached int `json:"maxDepthReached"`

	// AffectedEntrypoints are the sorted entrypoints with any path to the
	// target, regardless of Depth.
	AffectedEntrypoints []string `json:"affectedEntrypoints"`

	Risk RiskAssessment `json:"risk"`
}

// resolveTarget looks target up as a node ID, then a file path, then as
// the file ID for that path.
func (s *Service) resolveTarget(target string) (graph.Node, bool) {
	if n, ok := s.store.GetNode(target); ok {
		return n, true
	}
	if n, ok := s.store.GetNodeByPath(target); ok {
		return n, true
	}
	return s.store.GetNode(graph.FileID(target))
}

// Impact reports what depends on target, directly and transitively.
//
// Description:
//
//	Walks incoming edges of every kind breadth-first. Dependents within
//	Depth hops are counted per hop; the walk continues past Depth only to
//	find affected entrypoints. An unresolved target yields no dependents
//	and a risk reason that says the target was not found.
func (s *Service) Impact(ctx context.Context, target string, opts ImpactOptions) (*Impact, error) {
	depth := opts.Depth
	if depth <= 0 {
		depth = DefaultImpactDepth
	}
	if depth > MaxImpactDepth {
		depth = MaxImpactDepth
	}
	key := fmt.Sprintf("impact:%s:%d", target, depth)
	impact, err := cache.Compute(ctx, s.cache, key, func(ctx context.Context) (*Impact, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return s.computeImpact(target, depth), nil
	})
	if err != nil {
		return nil, err
	}
	return impact.clone(), nil
}

func (r *Impact) clone() *Impact {
	out := *r
	out.DirectDependents = slices.Clone(r.DirectDependents)
	out.ByDepth = slices.Clone(r.ByDepth)
	out.AffectedEntrypoints = slices.Clone(r.AffectedEntrypoints)
	out.Risk.Factors = slices.Clone(r.Risk.Factors)
	return &out
}

func (s *Service) computeImpact(target string, depth int) *Impact {
	result := &Impact{
		Target:              target,
		DirectDependents:    make([]string, 0),
		ByDepth:             make([]DepthCount, 0),
		AffectedEntrypoints: make([]string, 0),
	}

	node, ok := s.resolveTarget(target)
	if !ok {
		result.Risk = RiskAssessment{
			Level:   RiskLow,
			Reason:  fmt.Sprintf("target %q not found in graph; impact unknown", target),
			Factors: []string{"target not found"},
		}
		return result
	}
	result.NodeID = node.ID
	result.Resolved = true

	distance := map[string]int{node.ID: 0}
	queue := []string{node.ID}
	perDepth := make(map[int]int)

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		d := distance[current]

		for _, edge := range s.store.GetEdgesTo(current) {
			if _, seen := distance[edge.From]; seen {
				continue
			}
			distance[edge.From] = d + 1
			queue = append(queue, edge.From)

			if d+1 <= depth {
				perDepth[d+1]++
				result.TotalDependents++
				if d+1 > result.MaxDepthReached {
					result.MaxDepthReached = d + 1
				}
				if d == 0 {
					result.DirectDependents = append(result.DirectDependents, edge.From)
				}
			}
			if dep, ok := s.store.GetNode(edge.From); ok && dep.Kind == graph.NodeKindEntrypoint {
				result.AffectedEntrypoints = append(result.AffectedEntrypoints, dep.ID)
			}
		}
	}

	sort.Strings(result.DirectDependents)
	sort.Strings(result.AffectedEntrypoints)
	for i := 1; i <= result.MaxDepthReached; i++ {
		result.ByDepth = append(result.ByDepth, DepthCount{Depth: i, Count: perDepth[i]})
	}
	result.Risk = s.assessRisk(result)
	return result
}

// assessRisk is monotonic in dependents, depth reached, and affected
// entrypoints: raising any of them never lowers the level.
func (s *Service) assessRisk(r *Impact) RiskAssessment {
	cfg := s.risk
	dependents := r.TotalDependents
	entrypoints := len(r.AffectedEntrypoints)

	factors := []string{
		fmt.Sprintf("%d dependents within %d hops", dependents, r.MaxDepthReached),
		fmt.Sprintf("%d entrypoints affected", entrypoints),
	}

	switch {
	case entrypoints >= cfg.CriticalEntrypoints:
		return RiskAssessment{RiskCritical, fmt.Sprintf("%d entrypoints depend on this file", entrypoints), factors}
	case dependents >= cfg.CriticalDependents:
		return RiskAssessment{RiskCritical, fmt.Sprintf("%d files depend on this file", dependents), factors}
	case entrypoints > 0:
		return RiskAssessment{RiskHigh, fmt.Sprintf("reachable from entrypoint %s", r.AffectedEntrypoints[0]), factors}
	case dependents >= cfg.HighDependents:
		return RiskAssessment{RiskHigh, fmt.Sprintf("%d files depend on this file", dependents), factors}
	case dependents >= cfg.MediumDependents:
		return RiskAssessment{RiskMedium, fmt.Sprintf("%d files depend on this file", dependents), factors}
	case r.MaxDepthReached >= cfg.MediumDepth:
		return RiskAssessment{RiskMedium, fmt.Sprintf("dependency chain reaches %d hops", r.MaxDepthReached), factors}
	case dependents == 0:
		return RiskAssessment{RiskLow, "nothing depends on this file", factors}
	default:
		return RiskAssessment{RiskLow, fmt.Sprintf("only %d direct dependents", dependents), factors}
	}
}
