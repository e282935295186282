// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cycles

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/depgraph/services/depgraph/graph"
)

// newStore builds a store of file nodes connected by imports edges given as
// "from>to" pairs of paths.
func newStore(t *testing.T, edges ...string) *graph.Store {
	t.Helper()
	s := graph.NewStore()
	seen := map[string]bool{}
	addFile := func(path string) {
		if seen[path] {
			return
		}
		seen[path] = true
		require.NoError(t, s.AddNode(graph.Node{
			ID: graph.FileID(path), Kind: graph.NodeKindFile, Name: path, Path: path,
		}))
	}
	for i, pair := range edges {
		from, to, ok := strings.Cut(pair, ">")
		require.True(t, ok, pair)
		addFile(from)
		addFile(to)
		require.NoError(t, s.AddEdge(graph.Edge{
			ID:         fmt.Sprintf("e%d", i),
			From:       graph.FileID(from),
			To:         graph.FileID(to),
			Kind:       graph.EdgeKindImports,
			Confidence: graph.ConfidenceHigh,
		}))
	}
	return s
}

// assertClosedWalk checks that the first n entries of nodes form a cycle
// using the store's import edges.
func assertClosedWalk(t *testing.T, s *graph.Store, nodes []string, n int) {
	t.Helper()
	hasEdge := func(from, to string) bool {
		for _, e := range s.GetEdgesFrom(from) {
			if e.To == to && e.Kind == graph.EdgeKindImports {
				return true
			}
		}
		return false
	}
	for i := 0; i < n; i++ {
		from, to := nodes[i], nodes[(i+1)%n]
		assert.True(t, hasEdge(from, to), "missing edge %s -> %s", from, to)
	}
}

func TestFindCycles_Acyclic(t *testing.T) {
	s := newStore(t, "a>b", "b>c")
	assert.Empty(t, New(s).FindCycles(Options{}))
}

func TestFindCycles_TwoNodeCycle(t *testing.T) {
	s := newStore(t, "a>b", "b>a")

	cycles := New(s).FindCycles(Options{})
	require.Len(t, cycles, 1)
	assert.Equal(t, 2, cycles[0].Length)
	assert.Equal(t, graph.SeverityWarning, cycles[0].Severity)
	assert.Equal(t, []string{"file:a", "file:b"}, cycles[0].Nodes)
	assert.Equal(t, "Circular dependency across 2 files: a → b → a", cycles[0].Description)
}

func TestFindCycles_LargeCycleIsError(t *testing.T) {
	s := newStore(t, "a>b", "b>c", "c>d", "d>a")

	cycles := New(s).FindCycles(Options{})
	require.Len(t, cycles, 1)
	assert.Equal(t, 4, cycles[0].Length)
	assert.Equal(t, graph.SeverityError, cycles[0].Severity)
	assertClosedWalk(t, s, cycles[0].Nodes, 4)
}

func TestFindCycles_PathIsClosedWalkWithChords(t *testing.T) {
	// a->c is a chord; the reconstructed walk must still use real edges.
	s := newStore(t, "a>b", "b>c", "c>a", "a>c", "c>b")

	cycles := New(s).FindCycles(Options{})
	require.Len(t, cycles, 1)
	c := cycles[0]
	assert.Equal(t, 3, c.Length)
	assert.ElementsMatch(t, []string{"file:a", "file:b", "file:c"}, c.Nodes)
	assert.Equal(t, "file:a", c.Nodes[0])
}

func TestFindCycles_SelfLoop(t *testing.T) {
	s := newStore(t, "a>a", "a>b")

	cycles := New(s).FindCycles(Options{MinLength: 3})
	require.Len(t, cycles, 1)
	assert.Equal(t, 1, cycles[0].Length)
	assert.Equal(t, graph.SeverityError, cycles[0].Severity)
	assert.Equal(t, []string{"file:a"}, cycles[0].Nodes)
}

func TestFindCycles_MinLength(t *testing.T) {
	s := newStore(t, "a>b", "b>a", "x>y", "y>z", "z>x")

	cycles := New(s).FindCycles(Options{MinLength: 3})
	require.Len(t, cycles, 1)
	assert.Equal(t, 3, cycles[0].Length)
}

func TestFindCycles_Ordering(t *testing.T) {
	s := newStore(t,
		"a>b", "b>a",
		"p>q", "q>r", "r>p",
		"w>x", "x>y", "y>z", "z>w",
	)

	cycles := New(s).FindCycles(Options{})
	require.Len(t, cycles, 3)
	assert.Equal(t, graph.SeverityError, cycles[0].Severity)
	assert.Equal(t, 4, cycles[0].Length)
	assert.Equal(t, 3, cycles[1].Length)
	assert.Equal(t, 2, cycles[2].Length)
}

func TestFindCycles_MaxCyclesTruncatesDuringCollection(t *testing.T) {
	s := newStore(t, "a>b", "b>a", "p>q", "q>r", "r>p", "w>x", "x>w")

	cycles := New(s).FindCycles(Options{MaxCycles: 2})
	assert.Len(t, cycles, 2)
}

func TestFindCycles_Scope(t *testing.T) {
	s := newStore(t,
		"src/core/a.ts>src/core/b.ts", "src/core/b.ts>src/core/a.ts",
		"lib/x.ts>lib/y.ts", "lib/y.ts>lib/x.ts",
	)

	cycles := New(s).FindCycles(Options{Scope: "src/**"})
	require.Len(t, cycles, 1)
	assert.ElementsMatch(t, []string{"file:src/core/a.ts", "file:src/core/b.ts"}, cycles[0].Nodes)

	// A cycle that leaves the scope is broken by the filter.
	s = newStore(t, "src/a.ts>lib/b.ts", "lib/b.ts>src/a.ts")
	assert.Empty(t, New(s).FindCycles(Options{Scope: "src/**"}))
}

func TestFindCycles_BreakPoints(t *testing.T) {
	s := newStore(t,
		"a>b", "b>c", "c>d", "d>a",
		"b>x1", "b>x2", "b>x3",
		"d>x1", "d>x2",
		"c>x1",
	)

	cycles := New(s).FindCycles(Options{})
	require.Len(t, cycles, 1)
	assert.Equal(t, []BreakPoint{
		{NodeID: "file:b", ExternalEdges: 3},
		{NodeID: "file:d", ExternalEdges: 2},
		{NodeID: "file:c", ExternalEdges: 1},
	}, cycles[0].BreakPoints)
}

func TestFindCycles_IgnoresNonImportEdges(t *testing.T) {
	s := newStore(t, "a>b")
	require.NoError(t, s.AddEdge(graph.Edge{
		ID: "back", From: "file:b", To: "file:a", Kind: graph.EdgeKindCalls, Confidence: graph.ConfidenceHigh,
	}))
	assert.Empty(t, New(s).FindCycles(Options{}))
}

func TestFindCycles_DeepChainDoesNotOverflow(t *testing.T) {
	s := graph.NewStore()
	const depth = 20000
	for i := 0; i < depth; i++ {
		require.NoError(t, s.AddEdge(graph.Edge{
			ID:         fmt.Sprintf("e%d", i),
			From:       fmt.Sprintf("file:%d", i),
			To:         fmt.Sprintf("file:%d", (i+1)%depth),
			Kind:       graph.EdgeKindImports,
			Confidence: graph.ConfidenceHigh,
		}))
	}

	cycles := New(s).FindCycles(Options{})
	require.Len(t, cycles, 1)
	assert.Equal(t, depth, cycles[0].Length)
	assert.Len(t, cycles[0].Nodes, depth)
}

func TestDetectCycleIssues(t *testing.T) {
	s := newStore(t, "a>b", "b>a", "c>c")

	issues := New(s).DetectCycleIssues(Options{})
	require.Len(t, issues, 2)

	self := issues[0]
	assert.Equal(t, graph.IssueCycleRisk, self.Kind)
	assert.Equal(t, graph.SeverityError, self.Severity)
	assert.Equal(t, "file:c", self.NodeID)
	assert.Equal(t, "cycle:file:c", self.ID)

	pair := issues[1]
	assert.Equal(t, graph.SeverityWarning, pair.Severity)
	assert.Equal(t, []string{"file:a", "file:b"}, pair.Meta.Cycle)
	assert.NotEmpty(t, pair.SuggestedFix)
	assert.Len(t, pair.Evidence, 1)
}
