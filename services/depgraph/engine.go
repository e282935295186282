// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package depgraph wires the dependency graph store, its analyzers, and the
// query layer into one Engine.
//
// Data flows one way: indexers and framework adapters write nodes and edges
// through Ingest and IngestAdapter, Analyze recomputes the full issue list,
// and the query methods read. The query cache is invalidated whenever the
// store generation moves.
package depgraph

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/depgraph/services/depgraph/cache"
	"github.com/AleutianAI/depgraph/services/depgraph/config"
	"github.com/AleutianAI/depgraph/services/depgraph/cycles"
	"github.com/AleutianAI/depgraph/services/depgraph/graph"
	"github.com/AleutianAI/depgraph/services/depgraph/ingest"
	"github.com/AleutianAI/depgraph/services/depgraph/issues"
	"github.com/AleutianAI/depgraph/services/depgraph/layers"
	"github.com/AleutianAI/depgraph/services/depgraph/query"
	"github.com/AleutianAI/depgraph/services/depgraph/reachability"
	"github.com/AleutianAI/depgraph/services/depgraph/storage"
	"github.com/AleutianAI/depgraph/services/depgraph/telemetry"
)

// Option configures an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	logger     *slog.Logger
	registerer prometheus.Registerer
	meters     metric.MeterProvider
	validator  issues.SemanticValidator
	mapper     issues.ExtensionMapper
}

// WithLogger sets the logger handed to every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *engineOptions) {
		o.logger = logger
	}
}

// WithRegisterer registers analysis metrics on reg. Without it no
// Prometheus metrics are recorded.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *engineOptions) {
		o.registerer = reg
	}
}

// WithMeterProvider sets the OpenTelemetry provider for query cache
// metrics. Without it the global provider is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *engineOptions) {
		o.meters = mp
	}
}

// WithSemanticValidator installs a false-positive filter used by Analyze.
func WithSemanticValidator(v issues.SemanticValidator) Option {
	return func(o *engineOptions) {
		o.validator = v
	}
}

// WithExtensionMapper overrides how broken-export detection maps import
// specifiers to candidate files.
func WithExtensionMapper(m issues.ExtensionMapper) Option {
	return func(o *engineOptions) {
		o.mapper = m
	}
}

// AnalysisReport summarizes one Analyze pass.
type AnalysisReport struct {
	Generation uint64         `json:"generation"`
	Issues     int            `json:"issues"`
	Suppressed int            `json:"suppressed"`
	ByKind     map[string]int `json:"byKind"`
	Duration   time.Duration  `json:"duration"`
}

// Stats is a snapshot of engine state.
type Stats struct {
	Meta         graph.Meta         `json:"meta"`
	Generation   uint64             `json:"generation"`
	Reachability reachability.Stats `json:"reachability"`
	Cache        cache.Stats        `json:"cache"`
	Rules        int                `json:"rules"`
	Adapters     []string           `json:"adapters"`
}

// Engine owns a graph store and every component that reads it.
//
// Thread Safety:
//
//	Safe for concurrent use. Mutations take an exclusive lock; queries
//	share a read lock. Components underneath are not individually locked
//	against store mutation, so all access goes through the Engine.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	mu        sync.RWMutex
	store     *graph.Store
	cache     *cache.QueryCache
	metrics   *telemetry.Metrics
	reach     *reachability.Analyzer
	cycles    *cycles.Detector
	layers    *layers.Analyzer
	detector  *issues.Detector
	query     *query.Service
	ingestor  *ingest.Ingestor
	snapshots *storage.SnapshotStore

	// cacheGen is the store generation the cache contents belong to.
	cacheGen uint64

	rules     *layers.RuleLoader
	stopWatch func()
	closed    bool
}

// NewEngine builds an engine from cfg.
//
// Description:
//
//	Creates the store and every analyzer over it. If cfg.Rules.File is
//	set the rules are loaded, and watched when cfg.Rules.Watch is true.
//
// Outputs:
//
//	*Engine - Call Close() when done.
//	error - Non-nil if cfg is invalid, the snapshot store cannot be
//	        opened, or the rules file cannot be loaded.
func NewEngine(cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := engineOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	var metrics *telemetry.Metrics
	if o.registerer != nil {
		metrics = telemetry.New(o.registerer)
	}

	store := graph.NewStore(graph.WithLogger(o.logger))
	cacheOpts := cfg.CacheOptions()
	cacheOpts.MeterProvider = o.meters
	qc := cache.New(cacheOpts)

	reach := reachability.New(store,
		reachability.WithMaxClosureIterations(cfg.Reachability.MaxClosureIterations),
		reachability.WithLogger(o.logger),
		reachability.WithMetrics(metrics),
	)

	detectorOpts := []issues.Option{
		issues.WithLogger(o.logger),
		issues.WithMetrics(metrics),
	}
	if len(cfg.Issues.ExcludePatterns) > 0 {
		detectorOpts = append(detectorOpts, issues.WithExcludePatterns(cfg.Issues.ExcludePatterns...))
	}
	if o.validator != nil {
		detectorOpts = append(detectorOpts, issues.WithSemanticValidator(o.validator))
	}
	if o.mapper != nil {
		detectorOpts = append(detectorOpts, issues.WithExtensionMapper(o.mapper))
	}

	snapshots, err := storage.Open(storage.Config{
		Logger:       o.logger,
		MaxSnapshots: cfg.Snapshots.MaxSnapshots,
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		logger:   o.logger,
		store:    store,
		cache:    qc,
		metrics:  metrics,
		reach:    reach,
		cycles:   cycles.New(store, cycles.WithLogger(o.logger), cycles.WithMetrics(metrics)),
		layers:   layers.New(store, layers.WithLogger(o.logger), layers.WithMetrics(metrics)),
		detector: issues.New(store, reach, detectorOpts...),
		query: query.New(store,
			query.WithCache(qc),
			query.WithLogger(o.logger),
			query.WithRiskConfig(cfg.Query.Risk),
			query.WithTokenBudget(cfg.Query.TokenBudget),
		),
		ingestor:  ingest.New(store, ingest.WithLogger(o.logger)),
		snapshots: snapshots,
		cacheGen:  store.Generation(),
	}

	if cfg.Rules.File != "" {
		if err := e.followRules(cfg.Rules.File, cfg.Rules.Watch); err != nil {
			_ = snapshots.Close()
			return nil, err
		}
	}
	return e, nil
}

func (e *Engine) followRules(path string, watch bool) error {
	loader, err := layers.NewRuleLoader(path, e.logger)
	if err != nil {
		return err
	}
	e.layers.Follow(loader)
	e.rules = loader
	if !watch {
		return nil
	}
	stop, err := loader.Watch()
	if err != nil {
		return fmt.Errorf("watching rules %s: %w", path, err)
	}
	e.stopWatch = stop
	return nil
}

// Close stops the rules watcher and drops every snapshot.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.stopWatch != nil {
		e.stopWatch()
	}
	return e.snapshots.Close()
}

// syncCacheLocked drops cached query results if the store has changed
// since they were computed. Callers hold the write lock.
func (e *Engine) syncCacheLocked() {
	gen := e.store.Generation()
	if gen == e.cacheGen {
		return
	}
	e.cache.Invalidate()
	e.cacheGen = gen
	e.metrics.SetStoreSize(e.store.NodeCount(), e.store.EdgeCount())
}

// =============================================================================
// Ingestion
// =============================================================================

// Ingest applies per-file indexer output. Failed files are reported in the
// result and do not stop the batch.
func (e *Engine) Ingest(ctx context.Context, results []ingest.IndexResult) (*ingest.ApplyResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	res := e.ingestor.Apply(ctx, results)
	e.syncCacheLocked()
	return res, nil
}

// IngestAdapter runs a framework adapter and writes its entrypoints and
// registrations.
func (e *Engine) IngestAdapter(adapter ingest.FrameworkAdapter) (ingest.AdapterResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ingest.AdapterResult{}, ErrEngineClosed
	}
	res, err := e.ingestor.ApplyAdapter(adapter)
	e.syncCacheLocked()
	return res, err
}

// LoadGraph replaces the store with a serialized graph document.
func (e *Engine) LoadGraph(r io.Reader) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	err := e.store.ReadJSON(r)
	e.ingestor.Reset()
	e.syncCacheLocked()
	return err
}

// ExportGraph writes the store as a serialized graph document.
func (e *Engine) ExportGraph(w io.Writer) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.store.WriteJSON(w)
}

// =============================================================================
// Analysis
// =============================================================================

// Analyze recomputes the full issue list.
//
// Description:
//
//	Runs the issue detector, cycle detection, layer rules, and adapter
//	issue contributors, drops duplicate IDs (first wins), passes the
//	result through the semantic validator if one is installed, and
//	replaces the stored issues. Issues are never patched incrementally.
//
// Outputs:
//
//	*AnalysisReport - Counts for the pass.
//	error - Non-nil if ctx is cancelled during validation; stored issues
//	        are unchanged in that case.
func (e *Engine) Analyze(ctx context.Context) (*AnalysisReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	start := time.Now()

	cycleIssues := e.cycles.DetectCycleIssues(e.cfg.CycleOptions())
	layerIssues := e.layers.DetectLayerIssues(layers.CheckOptions{})
	contributed := e.ingestor.ContributedIssues()
	e.metrics.AddIssues(string(graph.IssueCycleRisk), len(cycleIssues))
	e.metrics.AddIssues(string(graph.IssueLayerViolation), len(layerIssues))

	all := e.detector.DetectAll()
	all = append(all, cycleIssues...)
	all = append(all, layerIssues...)
	all = append(all, contributed...)
	all = dedupeIssues(all)

	kept, suppressed, err := e.detector.Validate(ctx, all)
	if err != nil {
		return nil, fmt.Errorf("validating issues: %w", err)
	}
	if err := e.store.SetIssues(kept); err != nil {
		return nil, fmt.Errorf("storing issues: %w", err)
	}
	e.syncCacheLocked()

	report := &AnalysisReport{
		Generation: e.store.Generation(),
		Issues:     len(kept),
		Suppressed: len(suppressed),
		ByKind:     make(map[string]int),
		Duration:   time.Since(start),
	}
	for _, issue := range kept {
		report.ByKind[string(issue.Kind)]++
	}
	e.metrics.ObserveAnalysis("engine", report.Duration)

	e.logger.Info("analysis complete",
		slog.Int("issues", report.Issues),
		slog.Int("suppressed", report.Suppressed),
		slog.Int64("duration_ms", report.Duration.Milliseconds()),
	)
	return report, nil
}

func dedupeIssues(in []graph.Issue) []graph.Issue {
	seen := make(map[string]struct{}, len(in))
	out := make([]graph.Issue, 0, len(in))
	for _, issue := range in {
		if _, dup := seen[issue.ID]; dup {
			continue
		}
		seen[issue.ID] = struct{}{}
		out = append(out, issue)
	}
	return out
}

// Reachability returns the current reachable/unreachable partition.
func (e *Engine) Reachability() *reachability.Result {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.reach.Analyze()
}

// ReachingEntrypoints returns the entrypoints whose traversal reaches id.
func (e *Engine) ReachingEntrypoints(id string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.reach.FindReachingEntrypoints(id)
}

// FindCycles returns circular import dependencies.
func (e *Engine) FindCycles(opts cycles.Options) []cycles.Cycle {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cycles.FindCycles(opts)
}

// CheckLayers returns the imports that break a layer rule.
func (e *Engine) CheckLayers(opts layers.CheckOptions) []layers.Violation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.layers.CheckViolations(opts)
}

// SuggestLayerRules proposes rules from the store's directory layout.
func (e *Engine) SuggestLayerRules() []layers.Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.layers.SuggestRules()
}

// SetLayerRules replaces the layer rule set.
func (e *Engine) SetLayerRules(rules []layers.Rule) error {
	return e.layers.SetRules(rules)
}

// LayerRules returns the active layer rules.
func (e *Engine) LayerRules() []layers.Rule {
	return e.layers.GetRules()
}

// ReloadRules re-reads the configured rules file.
func (e *Engine) ReloadRules() error {
	if e.rules == nil {
		return ErrNoRulesFile
	}
	_, err := e.rules.Reload()
	return err
}

// =============================================================================
// Queries
// =============================================================================

// Digest returns a token-bounded overview of the graph.
func (e *Engine) Digest(ctx context.Context, opts query.DigestOptions) (*query.Digest, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.query.Digest(ctx, opts)
}

// Issues returns stored issues matching q.
func (e *Engine) Issues(ctx context.Context, q query.IssueQuery) (*query.IssueList, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.query.Issues(ctx, q)
}

// Impact reports what depends on target.
func (e *Engine) Impact(ctx context.Context, target string, opts query.ImpactOptions) (*query.Impact, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.query.Impact(ctx, target, opts)
}

// Stats returns store, reachability, and cache counters.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{
		Meta:         e.store.Meta(),
		Generation:   e.store.Generation(),
		Reachability: e.reach.GetStats(),
		Cache:        e.cache.Stats(),
		Rules:        len(e.layers.GetRules()),
		Adapters:     e.ingestor.Adapters(),
	}
}

// =============================================================================
// Snapshots
// =============================================================================

// Checkpoint saves the current store as an in-memory snapshot.
func (e *Engine) Checkpoint(label string) (storage.SnapshotInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return storage.SnapshotInfo{}, ErrEngineClosed
	}
	return e.snapshots.Save(label, e.store.ToSerializable(), e.store.Generation())
}

// Restore replaces the store with snapshot id.
//
// Errors:
//
//	storage.ErrSnapshotNotFound - id is unknown; the store is unchanged.
//	graph.ErrMalformedPayload - replay failed; the store is partial.
func (e *Engine) Restore(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	payload, info, err := e.snapshots.Load(id)
	if err != nil {
		return err
	}
	err = e.store.FromSerializable(payload)
	e.ingestor.Reset()
	e.syncCacheLocked()
	if err != nil {
		return fmt.Errorf("restoring snapshot %s: %w", id, err)
	}
	e.logger.Info("snapshot restored",
		slog.String("id", info.ID),
		slog.String("label", info.Label),
		slog.Int("nodes", info.Nodes),
	)
	return nil
}

// Snapshots lists saved snapshots, oldest first.
func (e *Engine) Snapshots() ([]storage.SnapshotInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	return e.snapshots.List()
}

// ResetForTesting empties the store, forgets adapter contributions, and
// drops cached results. Rules and snapshots are kept.
func (e *Engine) ResetForTesting() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.store.Clear()
	e.ingestor.Reset()
	e.cache.Invalidate()
	e.cacheGen = e.store.Generation()
}
