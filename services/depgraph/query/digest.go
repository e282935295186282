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
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"

	"github.com/AleutianAI/depgraph/services/depgraph/cache"
	"github.com/AleutianAI/depgraph/services/depgraph/graph"
)

const (
	// DefaultTokenBudget bounds the digest payload size.
	DefaultTokenBudget = 2000

	maxHotspots          = 10
	maxEntrypointSamples = 5

	// bytesPerToken is the token estimate divisor for JSON payloads.
	bytesPerToken = 4
)

// DigestOptions configures Digest.
type DigestOptions struct {
	// Scope is a path prefix. Empty means the whole graph.
	Scope string

	// TokenBudget overrides the service default when positive.
	TokenBudget int
}

// EntrypointGroup summarizes entrypoints of one type.
type EntrypointGroup struct {
	Count   int      `json:"count"`
	Samples []string `json:"samples"`
}

// Hotspot is a file many others depend on.
type Hotspot struct {
	NodeID    string `json:"nodeId"`
	Path      string `json:"path"`
	Importers int    `json:"importers"`
	Exports   int    `json:"exports"`
	Score     int    `json:"score"`
}

// Digest is a compact, token-bounded overview of the graph.
type Digest struct {
	ScopeApplied     bool                        `json:"scopeApplied"`
	Scope            string                      `json:"scope,omitempty"`
	Meta             graph.Meta                  `json:"meta"`
	NodesByKind      map[graph.NodeKind]int      `json:"nodesByKind"`
	Entrypoints      map[string]*EntrypointGroup `json:"entrypoints"`
	Hotspots         []Hotspot                   `json:"hotspots"`
	IssuesByKind     map[graph.IssueKind]int     `json:"issuesByKind"`
	IssuesBySeverity map[graph.Severity]int      `json:"issuesBySeverity"`
	EstimatedTokens  int                         `json:"estimatedTokens"`
	Truncated        bool                        `json:"truncated"`
}

// Digest summarizes the graph within an optional path-prefix scope.
//
// Description:
//
//	Counts nodes by kind, groups entrypoints by type with a few samples,
//	ranks hotspot files by importers*2 + exports, and counts issues by kind
//	and severity. If the JSON form exceeds the token budget (bytes / 4),
//	hotspots and then entrypoint samples are halved until it fits or
//	nothing is left to drop.
func (s *Service) Digest(ctx context.Context, opts DigestOptions) (*Digest, error) {
	budget := opts.TokenBudget
	if budget <= 0 {
		budget = s.tokenBudget
	}
	key := fmt.Sprintf("digest:%s:%d", opts.Scope, budget)
	d, err := cache.Compute(ctx, s.cache, key, func(ctx context.Context) (*Digest, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d := s.buildDigest(opts.Scope)
		fitToBudget(d, budget)
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return d.clone(), nil
}

// clone deep-copies d so callers never share the cached value.
func (d *Digest) clone() *Digest {
	out := *d
	out.NodesByKind = maps.Clone(d.NodesByKind)
	out.IssuesByKind = maps.Clone(d.IssuesByKind)
	out.IssuesBySeverity = maps.Clone(d.IssuesBySeverity)
	out.Hotspots = slices.Clone(d.Hotspots)
	if d.Entrypoints != nil {
		out.Entrypoints = make(map[string]*EntrypointGroup, len(d.Entrypoints))
		for typ, g := range d.Entrypoints {
			out.Entrypoints[typ] = &EntrypointGroup{Count: g.Count, Samples: slices.Clone(g.Samples)}
		}
	}
	return &out
}

func (s *Service) buildDigest(scope string) *Digest {
	d := &Digest{
		ScopeApplied:     scope != "",
		Scope:            scope,
		Meta:             s.store.Meta(),
		NodesByKind:      make(map[graph.NodeKind]int),
		Entrypoints:      make(map[string]*EntrypointGroup),
		Hotspots:         make([]Hotspot, 0),
		IssuesByKind:     make(map[graph.IssueKind]int),
		IssuesBySeverity: make(map[graph.Severity]int),
	}

	for _, n := range s.store.GetAllNodes() {
		if !inScope(nodePath(n), scope) {
			continue
		}
		d.NodesByKind[n.Kind]++

		switch n.Kind {
		case graph.NodeKindEntrypoint:
			group, ok := d.Entrypoints[n.EntrypointType()]
			if !ok {
				group = &EntrypointGroup{Samples: make([]string, 0)}
				d.Entrypoints[n.EntrypointType()] = group
			}
			group.Count++
			if len(group.Samples) < maxEntrypointSamples {
				group.Samples = append(group.Samples, n.Name)
			}
		case graph.NodeKindFile:
			if h, ok := s.hotspot(n); ok {
				d.Hotspots = append(d.Hotspots, h)
			}
		}
	}

	sort.Slice(d.Hotspots, func(i, j int) bool {
		if d.Hotspots[i].Score != d.Hotspots[j].Score {
			return d.Hotspots[i].Score > d.Hotspots[j].Score
		}
		return d.Hotspots[i].NodeID < d.Hotspots[j].NodeID
	})
	if len(d.Hotspots) > maxHotspots {
		d.Hotspots = d.Hotspots[:maxHotspots]
	}

	for _, issue := range s.store.GetIssues() {
		if !inScope(s.issuePath(issue), scope) {
			continue
		}
		d.IssuesByKind[issue.Kind]++
		d.IssuesBySeverity[issue.Severity]++
	}
	return d
}

// hotspot scores a file by distinct importers and export count.
func (s *Service) hotspot(n graph.Node) (Hotspot, bool) {
	importers := make(map[string]bool)
	for _, e := range s.store.GetEdgesTo(n.ID) {
		if e.Kind == graph.EdgeKindImports || e.Kind == graph.EdgeKindReexports {
			importers[e.From] = true
		}
	}
	exports := len(n.Exports())
	score := len(importers)*2 + exports
	if score == 0 {
		return Hotspot{}, false
	}
	return Hotspot{
		NodeID:    n.ID,
		Path:      n.Path,
		Importers: len(importers),
		Exports:   exports,
		Score:     score,
	}, true
}

func estimateTokens(d *Digest) int {
	data, err := json.Marshal(d)
	if err != nil {
		return 0
	}
	return (len(data) + bytesPerToken - 1) / bytesPerToken
}

// fitToBudget shrinks the digest until its estimate fits budget.
func fitToBudget(d *Digest, budget int) {
	for {
		d.EstimatedTokens = estimateTokens(d)
		if d.EstimatedTokens <= budget {
			return
		}
		if !shrink(d) {
			return
		}
		d.Truncated = true
	}
}

func shrink(d *Digest) bool {
	if len(d.Hotspots) > 0 {
		d.Hotspots = d.Hotspots[:len(d.Hotspots)/2]
		return true
	}
	shrunk := false
	for _, group := range d.Entrypoints {
		if len(group.Samples) > 0 {
			group.Samples = group.Samples[:len(group.Samples)/2]
			shrunk = true
		}
	}
	return shrunk
}
