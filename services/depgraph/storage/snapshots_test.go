// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/depgraph/services/depgraph/graph"
)

type stepClock struct {
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.now = c.now.Add(time.Second)
	return c.now
}

func openTestStore(t *testing.T, maxSnapshots int) *SnapshotStore {
	t.Helper()
	clock := &stepClock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	s, err := Open(Config{MaxSnapshots: maxSnapshots, Now: clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func samplePayload() graph.Serializable {
	return graph.Serializable{
		Nodes: []graph.Node{
			{ID: "file:a.ts", Kind: graph.NodeKindFile, Name: "a.ts", Path: "a.ts"},
			{ID: "file:b.ts", Kind: graph.NodeKindFile, Name: "b.ts", Path: "b.ts"},
		},
		Edges: []graph.Edge{
			{ID: "e1", From: "file:a.ts", To: "file:b.ts", Kind: graph.EdgeKindImports, Confidence: graph.ConfidenceHigh},
		},
		Issues: []graph.Issue{},
		Meta:   graph.Meta{Version: graph.SchemaVersion, NodeCount: 2, EdgeCount: 1, FileCount: 2},
	}
}

// TestSaveLoad verifies a snapshot round-trips through BadgerDB.
func TestSaveLoad(t *testing.T) {
	s := openTestStore(t, 0)

	info, err := s.Save("before refactor", samplePayload(), 7)
	require.NoError(t, err)
	assert.NotEmpty(t, info.ID)
	assert.Equal(t, 2, info.Nodes)
	assert.Equal(t, 1, info.Edges)
	assert.Equal(t, uint64(7), info.Generation)

	payload, loaded, err := s.Load(info.ID)
	require.NoError(t, err)
	assert.Equal(t, info, loaded)
	assert.Equal(t, samplePayload().Nodes, payload.Nodes)
	assert.Equal(t, samplePayload().Edges, payload.Edges)
}

// TestLoad_NotFound verifies unknown IDs map to ErrSnapshotNotFound.
func TestLoad_NotFound(t *testing.T) {
	s := openTestStore(t, 0)

	_, _, err := s.Load("missing")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)

	_, err = s.Latest()
	assert.ErrorIs(t, err, ErrSnapshotNotFound)

	assert.ErrorIs(t, s.Delete("missing"), ErrSnapshotNotFound)
}

// TestListLatestDelete verifies ordering and deletion.
func TestListLatestDelete(t *testing.T) {
	s := openTestStore(t, 0)

	first, err := s.Save("first", samplePayload(), 1)
	require.NoError(t, err)
	second, err := s.Save("second", samplePayload(), 2)
	require.NoError(t, err)

	infos, err := s.List()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, first.ID, infos[0].ID)
	assert.Equal(t, second.ID, infos[1].ID)

	latest, err := s.Latest()
	require.NoError(t, err)
	assert.Equal(t, "second", latest.Label)

	require.NoError(t, s.Delete(second.ID))
	latest, err = s.Latest()
	require.NoError(t, err)
	assert.Equal(t, first.ID, latest.ID)

	_, _, err = s.Load(second.ID)
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

// TestMaxSnapshots verifies the oldest snapshots are pruned.
func TestMaxSnapshots(t *testing.T) {
	s := openTestStore(t, 2)

	for _, label := range []string{"a", "b", "c"} {
		_, err := s.Save(label, samplePayload(), 0)
		require.NoError(t, err)
	}

	infos, err := s.List()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "b", infos[0].Label)
	assert.Equal(t, "c", infos[1].Label)
}

func TestBadgerLogger_InfoIsDebug(t *testing.T) {
	var buf bytes.Buffer
	l := &badgerLogger{logger: slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))}

	l.Infof("Lifetime L0 stalled for: %s", "0s")
	l.Debugf("level %d", 1)
	assert.Empty(t, buf.String())

	l.Warningf("value log %s", "truncated")
	assert.Contains(t, buf.String(), "value log truncated")
}
