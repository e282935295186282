// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package depgraph

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/depgraph/services/depgraph/config"
	"github.com/AleutianAI/depgraph/services/depgraph/graph"
	"github.com/AleutianAI/depgraph/services/depgraph/ingest"
	"github.com/AleutianAI/depgraph/services/depgraph/issues"
	"github.com/AleutianAI/depgraph/services/depgraph/layers"
	"github.com/AleutianAI/depgraph/services/depgraph/query"
	"github.com/AleutianAI/depgraph/services/depgraph/storage"
)

// =============================================================================
// Fixtures
// =============================================================================

type fileFixture struct {
	path    string
	exports []string
	imports []string
	reexp   []string
}

func indexResult(f fileFixture) ingest.IndexResult {
	id := graph.FileID(f.path)
	r := ingest.IndexResult{
		File: f.path,
		Nodes: []graph.Node{{
			ID:   id,
			Kind: graph.NodeKindFile,
			Name: filepath.Base(f.path),
			Path: f.path,
			Meta: &graph.NodeMeta{Exports: f.exports},
		}},
	}
	add := func(kind graph.EdgeKind, target string) {
		r.Edges = append(r.Edges, graph.Edge{
			ID:         f.path + "|" + string(kind) + "|" + target,
			From:       id,
			To:         graph.FileID(target),
			Kind:       kind,
			Confidence: graph.ConfidenceHigh,
			Meta:       &graph.EdgeMeta{Location: &graph.Location{File: f.path, Line: 1}},
		})
	}
	for _, t := range f.imports {
		add(graph.EdgeKindImports, t)
	}
	for _, t := range f.reexp {
		add(graph.EdgeKindReexports, t)
	}
	return r
}

// sampleProject has one entrypoint-reached chain that breaks a layer rule,
// one orphan with exports, a two-file cycle, and a reexport of a missing
// file.
func sampleProject() []ingest.IndexResult {
	files := []fileFixture{
		{path: "src/index.ts", exports: []string{"main"}, imports: []string{"src/ui/Button.tsx"}, reexp: []string{"src/missing.ts"}},
		{path: "src/ui/Button.tsx", exports: []string{"Button"}, imports: []string{"src/db/connection.ts"}},
		{path: "src/db/connection.ts", exports: []string{"connect"}},
		{path: "src/orphan.ts", exports: []string{"a", "b", "c"}},
		{path: "src/a.ts", imports: []string{"src/b.ts"}},
		{path: "src/b.ts", imports: []string{"src/a.ts"}},
	}
	out := make([]ingest.IndexResult, 0, len(files))
	for _, f := range files {
		out = append(out, indexResult(f))
	}
	return out
}

type routeAdapter struct {
	issues []graph.Issue
}

func (routeAdapter) Name() string { return "express" }

func (routeAdapter) Detect(_ *graph.Store) (ingest.AdapterResult, error) {
	return ingest.AdapterResult{
		Entrypoints: []graph.Node{{
			ID:   "entrypoint:GET /",
			Kind: graph.NodeKindEntrypoint,
			Name: "GET /",
			Meta: &graph.NodeMeta{EntrypointType: "route"},
		}},
		Registrations: []graph.Edge{{
			ID:         "route:GET /",
			From:       "entrypoint:GET /",
			To:         graph.FileID("src/index.ts"),
			Kind:       graph.EdgeKindImports,
			Confidence: graph.ConfidenceHigh,
		}},
	}, nil
}

type contributingRouteAdapter struct {
	routeAdapter
}

func (a contributingRouteAdapter) DetectIssues(_ *graph.Store) []graph.Issue {
	return a.issues
}

var uiNoDB = layers.Rule{
	Name:         "ui-no-db",
	From:         "src/ui/**",
	CannotImport: "src/db/**",
	Severity:     graph.SeverityError,
}

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithRegisterer(prometheus.NewRegistry())}, opts...)
	e, err := NewEngine(config.Default(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func loadSample(t *testing.T, e *Engine, adapter ingest.FrameworkAdapter) {
	t.Helper()
	res, err := e.Ingest(context.Background(), sampleProject())
	require.NoError(t, err)
	require.True(t, res.Success())
	_, err = e.IngestAdapter(adapter)
	require.NoError(t, err)
	require.NoError(t, e.SetLayerRules([]layers.Rule{uiNoDB}))
}

// =============================================================================
// Tests
// =============================================================================

func TestAnalyze(t *testing.T) {
	e := newTestEngine(t)
	loadSample(t, e, routeAdapter{})

	report, err := e.Analyze(context.Background())
	require.NoError(t, err)

	assert.Equal(t, map[string]int{
		string(graph.IssueHandlerUnreachable): 1,
		string(graph.IssueBrokenExportChain):  1,
		string(graph.IssueCycleRisk):          1,
		string(graph.IssueLayerViolation):     1,
	}, report.ByKind)
	assert.Equal(t, 4, report.Issues)
	assert.Zero(t, report.Suppressed)

	list, err := e.Issues(context.Background(), query.IssueQuery{Kind: graph.IssueHandlerUnreachable})
	require.NoError(t, err)
	require.Len(t, list.Issues, 1)
	assert.Equal(t, "unreachable:file:src/orphan.ts", list.Issues[0].ID)
	assert.Equal(t, graph.SeverityWarning, list.Issues[0].Severity)
}

func TestAnalyze_ReplacesIssues(t *testing.T) {
	e := newTestEngine(t)
	loadSample(t, e, routeAdapter{})

	_, err := e.Analyze(context.Background())
	require.NoError(t, err)

	// Break the cycle and re-run; the stale cycle issue must disappear.
	_, err = e.Ingest(context.Background(), []ingest.IndexResult{indexResult(fileFixture{path: "src/b.ts"})})
	require.NoError(t, err)
	report, err := e.Analyze(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.ByKind[string(graph.IssueCycleRisk)])
}

func TestAnalyze_AdapterIssuesAndDedupe(t *testing.T) {
	e := newTestEngine(t)
	extra := graph.Issue{
		ID:       "express:missing-handler",
		Kind:     graph.IssueEntryMissingHandler,
		Severity: graph.SeverityWarning,
		Title:    "route has no handler",
		Evidence: []string{"GET /health"},
	}
	loadSample(t, e, contributingRouteAdapter{routeAdapter{issues: []graph.Issue{extra, extra}}})

	report, err := e.Analyze(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.ByKind[string(graph.IssueEntryMissingHandler)])
}

type rejectUnreachable struct{}

func (rejectUnreachable) Confirm(_ context.Context, issue graph.Issue) (issues.Verdict, error) {
	if issue.Kind == graph.IssueHandlerUnreachable {
		return issues.Verdict{FalsePositive: true, Reason: "loaded by plugin registry"}, nil
	}
	return issues.Verdict{}, nil
}

func TestAnalyze_SemanticValidator(t *testing.T) {
	e := newTestEngine(t, WithSemanticValidator(rejectUnreachable{}))
	loadSample(t, e, routeAdapter{})

	report, err := e.Analyze(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Suppressed)
	assert.Zero(t, report.ByKind[string(graph.IssueHandlerUnreachable)])
}

func TestAnalyze_CancelledKeepsIssues(t *testing.T) {
	e := newTestEngine(t, WithSemanticValidator(rejectUnreachable{}))
	loadSample(t, e, routeAdapter{})

	_, err := e.Analyze(context.Background())
	require.NoError(t, err)
	before := e.Stats().Meta.IssueCount

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Analyze(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, before, e.Stats().Meta.IssueCount)
}

func TestIngest_ReindexKeepsReachability(t *testing.T) {
	e := newTestEngine(t)
	loadSample(t, e, routeAdapter{})

	before := e.Reachability()
	require.True(t, before.IsReachable(graph.FileID("src/ui/Button.tsx")))
	require.True(t, before.IsReachable(graph.FileID("src/index.ts")))

	// Re-index the route target and a file it imports without changes.
	var again []ingest.IndexResult
	for _, r := range sampleProject() {
		if r.File == "src/index.ts" || r.File == "src/ui/Button.tsx" {
			again = append(again, r)
		}
	}
	res, err := e.Ingest(context.Background(), again)
	require.NoError(t, err)
	require.True(t, res.Success())

	after := e.Reachability()
	assert.Equal(t, before.ReachableIDs(), after.ReachableIDs())
	assert.Equal(t, before.Unreachable, after.Unreachable)

	var exported bytes.Buffer
	require.NoError(t, e.ExportGraph(&exported))
	assert.Contains(t, exported.String(), `"route:GET /"`)
}

func TestQueries_CacheInvalidatedOnMutation(t *testing.T) {
	e := newTestEngine(t)
	loadSample(t, e, routeAdapter{})
	ctx := context.Background()

	impact, err := e.Impact(ctx, "src/db/connection.ts", query.ImpactOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"file:src/ui/Button.tsx"}, impact.DirectDependents)
	assert.Equal(t, []string{"entrypoint:GET /"}, impact.AffectedEntrypoints)

	again, err := e.Impact(ctx, "src/db/connection.ts", query.ImpactOptions{})
	require.NoError(t, err)
	assert.Equal(t, impact, again)
	hits := e.Stats().Cache.Hits
	assert.Equal(t, int64(1), hits)

	_, err = e.Ingest(ctx, []ingest.IndexResult{indexResult(fileFixture{
		path:    "src/jobs/cleanup.ts",
		imports: []string{"src/db/connection.ts"},
	})})
	require.NoError(t, err)

	fresh, err := e.Impact(ctx, "src/db/connection.ts", query.ImpactOptions{})
	require.NoError(t, err)
	assert.Len(t, fresh.DirectDependents, 2)
	assert.Equal(t, hits, e.Stats().Cache.Hits)
}

func TestDigestAndStats(t *testing.T) {
	e := newTestEngine(t)
	loadSample(t, e, routeAdapter{})

	d, err := e.Digest(context.Background(), query.DigestOptions{})
	require.NoError(t, err)
	assert.Equal(t, 6, d.Meta.FileCount)

	stats := e.Stats()
	assert.Equal(t, 6, stats.Meta.FileCount)
	assert.Equal(t, 1, stats.Rules)
	assert.Equal(t, []string{"express"}, stats.Adapters)
	assert.Equal(t, 1, stats.Reachability.Entrypoints)
	assert.Equal(t, 3, stats.Reachability.UnreachableFiles)
}

func TestCheckpointRestore(t *testing.T) {
	e := newTestEngine(t)
	loadSample(t, e, routeAdapter{})

	info, err := e.Checkpoint("baseline")
	require.NoError(t, err)
	assert.Equal(t, 7, info.Nodes)

	e.ResetForTesting()
	assert.Zero(t, e.Stats().Meta.NodeCount)

	require.NoError(t, e.Restore(info.ID))
	assert.Equal(t, 7, e.Stats().Meta.NodeCount)
	assert.True(t, e.Reachability().IsReachable(graph.FileID("src/db/connection.ts")))

	assert.ErrorIs(t, e.Restore("nope"), storage.ErrSnapshotNotFound)

	infos, err := e.Snapshots()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "baseline", infos[0].Label)
}

func TestLoadExportGraph(t *testing.T) {
	src := newTestEngine(t)
	loadSample(t, src, routeAdapter{})

	var buf bytes.Buffer
	require.NoError(t, src.ExportGraph(&buf))

	dst := newTestEngine(t)
	require.NoError(t, dst.LoadGraph(&buf))
	assert.Equal(t, src.Stats().Meta.NodeCount, dst.Stats().Meta.NodeCount)
	assert.Equal(t, src.Stats().Meta.EdgeCount, dst.Stats().Meta.EdgeCount)

	assert.ErrorIs(t, dst.LoadGraph(bytes.NewBufferString("{not json")), graph.ErrMalformedPayload)
}

func TestEngine_RulesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`rules:
  - name: ui-no-db
    from: "src/ui/**"
    cannotImport: "src/db/**"
`), 0o644))

	cfg := config.Default()
	cfg.Rules.File = path
	e, err := NewEngine(cfg)
	require.NoError(t, err)
	defer e.Close()

	require.Len(t, e.LayerRules(), 1)
	assert.Equal(t, graph.SeverityWarning, e.LayerRules()[0].Severity)

	require.NoError(t, os.WriteFile(path, []byte(`rules:
  - name: ui-no-db
    from: "src/ui/**"
    cannotImport: "src/db/**"
  - name: db-no-ui
    from: "src/db/**"
    cannotImport: "src/ui/**"
`), 0o644))
	require.NoError(t, e.ReloadRules())
	assert.Len(t, e.LayerRules(), 2)
}

func TestEngine_Closed(t *testing.T) {
	e, err := NewEngine(config.Default())
	require.NoError(t, err)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err = e.Analyze(context.Background())
	assert.ErrorIs(t, err, ErrEngineClosed)
	_, err = e.Checkpoint("late")
	assert.ErrorIs(t, err, ErrEngineClosed)
	assert.ErrorIs(t, e.ReloadRules(), ErrNoRulesFile)
}

func TestNewEngine_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.Level = "verbose"
	_, err := NewEngine(cfg)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}
