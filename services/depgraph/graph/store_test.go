// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fileNode(path string, exports ...string) Node {
	n := Node{ID: FileID(path), Kind: NodeKindFile, Name: path, Path: path}
	if len(exports) > 0 {
		n.Meta = &NodeMeta{Exports: exports}
	}
	return n
}

func importEdge(from, to string) Edge {
	return Edge{
		ID:         from + "->" + to,
		From:       from,
		To:         to,
		Kind:       EdgeKindImports,
		Confidence: ConfidenceHigh,
	}
}

func TestStore_Nodes(t *testing.T) {
	t.Run("add and get", func(t *testing.T) {
		s := NewStore()
		require.NoError(t, s.AddNode(fileNode("src/a.ts", "foo")))

		n, ok := s.GetNode("file:src/a.ts")
		require.True(t, ok)
		assert.Equal(t, "src/a.ts", n.Path)
		assert.Equal(t, []string{"foo"}, n.Exports())
	})

	t.Run("missing id is absence not error", func(t *testing.T) {
		s := NewStore()
		_, ok := s.GetNode("file:nope.ts")
		assert.False(t, ok)
		_, ok = s.GetNodeByPath("nope.ts")
		assert.False(t, ok)
		assert.Empty(t, s.GetNodesByKind(NodeKindSymbol))
		assert.Empty(t, s.GetEdgesFrom("file:nope.ts"))
		assert.False(t, s.RemoveEdge("missing"))
	})

	t.Run("rejects invalid nodes", func(t *testing.T) {
		s := NewStore()
		assert.ErrorIs(t, s.AddNode(Node{Kind: NodeKindFile}), ErrInvalidNode)
		assert.ErrorIs(t, s.AddNode(Node{ID: "x", Kind: "widget"}), ErrInvalidNode)
	})

	t.Run("lookup by path and kind", func(t *testing.T) {
		s := NewStore()
		require.NoError(t, s.AddNode(fileNode("src/b.ts")))
		require.NoError(t, s.AddNode(fileNode("src/a.ts")))
		require.NoError(t, s.AddNode(Node{ID: "entrypoint:main", Kind: NodeKindEntrypoint, Name: "main"}))

		n, ok := s.GetNodeByPath("src/b.ts")
		require.True(t, ok)
		assert.Equal(t, "file:src/b.ts", n.ID)

		files := s.GetNodesByKind(NodeKindFile)
		require.Len(t, files, 2)
		assert.Equal(t, "file:src/a.ts", files[0].ID)
		assert.Len(t, s.GetAllNodes(), 3)
	})

	t.Run("returned records are copies", func(t *testing.T) {
		s := NewStore()
		require.NoError(t, s.AddNode(fileNode("src/a.ts", "foo")))

		n, _ := s.GetNode("file:src/a.ts")
		n.Meta.Exports[0] = "mutated"

		again, _ := s.GetNode("file:src/a.ts")
		assert.Equal(t, "foo", again.Exports()[0])
	})

	t.Run("replacing a node reindexes its path", func(t *testing.T) {
		s := NewStore()
		require.NoError(t, s.AddNode(fileNode("src/a.ts")))
		moved := fileNode("src/a.ts")
		moved.Path = "src/moved.ts"
		require.NoError(t, s.AddNode(moved))

		_, ok := s.GetNodeByPath("src/a.ts")
		assert.False(t, ok)
		_, ok = s.GetNodeByPath("src/moved.ts")
		assert.True(t, ok)
		assert.Equal(t, 1, s.Meta().FileCount)
	})
}

func TestStore_RemoveNodeCascades(t *testing.T) {
	s := NewStore()
	for _, p := range []string{"a.ts", "b.ts", "c.ts"} {
		require.NoError(t, s.AddNode(fileNode(p)))
	}
	require.NoError(t, s.AddEdge(importEdge("file:a.ts", "file:b.ts")))
	require.NoError(t, s.AddEdge(importEdge("file:b.ts", "file:c.ts")))
	require.NoError(t, s.AddEdge(importEdge("file:c.ts", "file:b.ts")))
	require.NoError(t, s.AddEdge(importEdge("file:a.ts", "file:c.ts")))

	assert.True(t, s.RemoveNode("file:b.ts"))

	for _, e := range s.GetAllEdges() {
		assert.NotEqual(t, "file:b.ts", e.From)
		assert.NotEqual(t, "file:b.ts", e.To)
	}
	assert.Empty(t, s.GetEdgesFrom("file:b.ts"))
	assert.Empty(t, s.GetEdgesTo("file:b.ts"))
	assert.Len(t, s.GetEdgesFrom("file:a.ts"), 1)
	assert.Empty(t, s.GetEdgesFrom("file:c.ts"))
	assert.Equal(t, 1, s.Meta().EdgeCount)
}

func TestStore_RemoveNodeCascadesDanglingEdges(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.AddNode(fileNode("a.ts")))
	require.NoError(t, s.AddEdge(importEdge("file:a.ts", "file:ghost.ts")))

	assert.False(t, s.RemoveNode("file:ghost.ts"))
	assert.Equal(t, 0, s.EdgeCount())
}

func TestStore_Edges(t *testing.T) {
	t.Run("dangling target is accepted", func(t *testing.T) {
		s := NewStore()
		require.NoError(t, s.AddEdge(importEdge("file:a.ts", "file:missing.ts")))

		edges := s.GetEdgesTo("file:missing.ts")
		require.Len(t, edges, 1)
		assert.Equal(t, "file:a.ts", edges[0].From)
	})

	t.Run("rejects invalid edges", func(t *testing.T) {
		s := NewStore()
		bad := importEdge("file:a.ts", "file:b.ts")
		bad.Confidence = "certain"
		assert.ErrorIs(t, s.AddEdge(bad), ErrInvalidEdge)

		bad = importEdge("file:a.ts", "")
		assert.ErrorIs(t, s.AddEdge(bad), ErrInvalidEdge)
	})

	t.Run("replacing an edge moves its endpoints", func(t *testing.T) {
		s := NewStore()
		e := importEdge("file:a.ts", "file:b.ts")
		require.NoError(t, s.AddEdge(e))
		e.To = "file:c.ts"
		require.NoError(t, s.AddEdge(e))

		assert.Empty(t, s.GetEdgesTo("file:b.ts"))
		assert.Len(t, s.GetEdgesTo("file:c.ts"), 1)
		assert.Equal(t, 1, s.EdgeCount())
	})
}

func TestStore_Issues(t *testing.T) {
	s := NewStore()
	issues := []Issue{
		{ID: "i1", Kind: IssueCycleRisk, Severity: SeverityWarning, Title: "cycle"},
		{ID: "i2", Kind: IssueLayerViolation, Severity: SeverityError, Title: "layer"},
	}
	require.NoError(t, s.SetIssues(issues))
	assert.Len(t, s.GetIssues(), 2)
	assert.Len(t, s.GetIssuesByKind(IssueCycleRisk), 1)

	require.NoError(t, s.AddIssue(Issue{ID: "i1", Kind: IssueCycleRisk, Severity: SeverityError, Title: "cycle"}))
	got := s.GetIssues()
	require.Len(t, got, 2)
	assert.Equal(t, SeverityError, got[0].Severity)

	err := s.SetIssues([]Issue{{ID: "bad", Kind: "NOPE", Severity: SeverityInfo}})
	assert.ErrorIs(t, err, ErrInvalidIssue)
	assert.Len(t, s.GetIssues(), 2)

	s.ClearIssues()
	assert.Empty(t, s.GetIssues())
	assert.Equal(t, 0, s.Meta().IssueCount)
}

func TestStore_UpdateFile(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.AddNode(fileNode("a.ts", "old")))
	require.NoError(t, s.AddNode(Node{ID: "symbol:a.ts#old", Kind: NodeKindSymbol, Name: "old", Path: "a.ts"}))
	require.NoError(t, s.AddNode(fileNode("b.ts")))
	require.NoError(t, s.AddEdge(importEdge("file:a.ts", "file:b.ts")))
	require.NoError(t, s.AddEdge(importEdge("file:b.ts", "file:a.ts")))

	err := s.UpdateFile("a.ts",
		[]Node{fileNode("a.ts", "fresh")},
		[]Edge{importEdge("file:a.ts", "file:c.ts")},
	)
	require.NoError(t, err)

	_, ok := s.GetNode("symbol:a.ts#old")
	assert.False(t, ok)
	n, ok := s.GetNodeByPath("a.ts")
	require.True(t, ok)
	assert.Equal(t, []string{"fresh"}, n.Exports())

	out := s.GetEdgesFrom("file:a.ts")
	require.Len(t, out, 1)
	assert.Equal(t, "file:c.ts", out[0].To)
	// b.ts owns its import of a.ts; replacing a.ts keeps it.
	in := s.GetEdgesTo("file:a.ts")
	require.Len(t, in, 1)
	assert.Equal(t, "file:b.ts", in[0].From)

	t.Run("invalid batch leaves store untouched", func(t *testing.T) {
		before := s.NodeCount()
		err := s.UpdateFile("a.ts", []Node{{ID: ""}}, nil)
		assert.ErrorIs(t, err, ErrInvalidNode)
		assert.Equal(t, before, s.NodeCount())
	})
}

func TestStore_UpdateFileKeepsIncomingEdges(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.AddNode(fileNode("a.ts")))
	require.NoError(t, s.AddNode(Node{ID: "symbol:a.ts#run", Kind: NodeKindSymbol, Name: "run", Path: "a.ts"}))
	require.NoError(t, s.AddNode(fileNode("b.ts")))
	require.NoError(t, s.AddEdge(importEdge("file:b.ts", "file:a.ts")))
	require.NoError(t, s.AddEdge(importEdge("file:b.ts", "symbol:a.ts#run")))
	require.NoError(t, s.AddEdge(importEdge("file:a.ts", "symbol:a.ts#run")))

	// run is gone from the new batch: b.ts's edge to it dangles.
	require.NoError(t, s.UpdateFile("a.ts", []Node{fileNode("a.ts")}, nil))

	_, ok := s.GetEdge("file:b.ts->file:a.ts")
	assert.True(t, ok)
	dangling, ok := s.GetEdge("file:b.ts->symbol:a.ts#run")
	require.True(t, ok)
	assert.False(t, s.HasNode(dangling.To))
	_, ok = s.GetEdge("file:a.ts->symbol:a.ts#run")
	assert.False(t, ok, "edges leaving the replaced file go with it")
	assert.Equal(t, 2, s.EdgeCount())

	// Reintroducing the symbol resolves the kept edge again.
	require.NoError(t, s.UpdateFile("a.ts", []Node{
		fileNode("a.ts"),
		{ID: "symbol:a.ts#run", Kind: NodeKindSymbol, Name: "run", Path: "a.ts"},
	}, nil))
	in := s.GetEdgesTo("symbol:a.ts#run")
	require.Len(t, in, 1)
	assert.Equal(t, "file:b.ts", in[0].From)
}

func TestStore_MetaTracksIndexes(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := NewStore(WithClock(func() time.Time { return fixed }))

	require.NoError(t, s.AddNode(fileNode("a.ts")))
	require.NoError(t, s.AddNode(Node{ID: "module:react", Kind: NodeKindModule, Name: "react"}))
	require.NoError(t, s.AddEdge(importEdge("file:a.ts", "module:react")))

	meta := s.Meta()
	assert.Equal(t, SchemaVersion, meta.Version)
	assert.Equal(t, fixed, meta.LastIndexed)
	assert.Equal(t, 1, meta.FileCount)
	assert.Equal(t, 2, meta.NodeCount)
	assert.Equal(t, 1, meta.EdgeCount)

	gen := s.Generation()
	s.Clear()
	assert.Greater(t, s.Generation(), gen)
	assert.Equal(t, 0, s.Meta().NodeCount)
}

func TestStore_SerializableRoundTrip(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.AddNode(fileNode("a.ts", "x")))
	require.NoError(t, s.AddNode(fileNode("b.ts")))
	require.NoError(t, s.AddEdge(importEdge("file:a.ts", "file:b.ts")))
	require.NoError(t, s.AddEdge(importEdge("file:b.ts", "file:dangling.ts")))
	require.NoError(t, s.AddIssue(Issue{ID: "i", Kind: IssueCycleRisk, Severity: SeverityInfo, Title: "t"}))

	restored := NewStore()
	require.NoError(t, restored.FromSerializable(s.ToSerializable()))

	assert.Equal(t, s.NodeCount(), restored.NodeCount())
	assert.Equal(t, s.EdgeCount(), restored.EdgeCount())
	assert.Len(t, restored.GetIssues(), len(s.GetIssues()))
	assert.Len(t, restored.GetEdgesTo("file:dangling.ts"), 1)

	t.Run("json round trip", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, s.WriteJSON(&buf))

		fromJSON := NewStore()
		require.NoError(t, fromJSON.ReadJSON(&buf))
		assert.Equal(t, s.Meta().NodeCount, fromJSON.Meta().NodeCount)
		n, ok := fromJSON.GetNodeByPath("a.ts")
		require.True(t, ok)
		assert.Equal(t, []string{"x"}, n.Exports())
	})

	t.Run("malformed payload leaves partial state", func(t *testing.T) {
		payload := s.ToSerializable()
		payload.Edges = append(payload.Edges, Edge{ID: "broken"})

		target := NewStore()
		err := target.FromSerializable(payload)
		assert.ErrorIs(t, err, ErrMalformedPayload)
		assert.Equal(t, 2, target.NodeCount())
	})
}

func TestStripKindPrefix(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"file:src/a.ts", "src/a.ts"},
		{"entrypoint:GET /users", "GET /users"},
		{"workspace:pkg", "workspace:pkg"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, StripKindPrefix(tt.in))
		})
	}
}
