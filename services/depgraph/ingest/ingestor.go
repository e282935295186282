// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ingest writes indexer and framework adapter output into a store.
//
// Language indexers hand over one IndexResult per file; Apply replaces each
// file's contribution and keeps going past failures. Framework adapters
// contribute entrypoint nodes and registration edges; ApplyAdapter replaces
// whatever the same adapter contributed last time.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/AleutianAI/depgraph/services/depgraph/graph"
)

// ErrEmptyAdapterName is returned when an adapter reports no name.
var ErrEmptyAdapterName = errors.New("framework adapter has empty name")

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithLogger sets the ingestor's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Ingestor) {
		i.logger = logger
	}
}

// contribution is what one adapter last wrote.
type contribution struct {
	adapter FrameworkAdapter
	nodeIDs []string
	edgeIDs []string
}

// Ingestor applies producer output to a store.
//
// Thread Safety:
//
//	Not safe for concurrent use. It mutates the store, which callers
//	must already serialize.
type Ingestor struct {
	store         *graph.Store
	logger        *slog.Logger
	contributions map[string]*contribution
}

// New creates an ingestor writing into store.
func New(store *graph.Store, opts ...Option) *Ingestor {
	i := &Ingestor{
		store:         store,
		logger:        slog.Default(),
		contributions: make(map[string]*contribution),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Apply replaces each result's file contribution in the store.
//
// Description:
//
//	Results are applied in order with Store.UpdateFile. Errors reported by
//	the indexer are copied to the output; a result the store rejects is
//	recorded as a non-recoverable IndexError and the file keeps its
//	previous contribution. Cancellation is checked between files.
//
// Outputs:
//
//	*ApplyResult - Never nil. Incomplete is set if ctx was cancelled.
func (i *Ingestor) Apply(ctx context.Context, results []IndexResult) *ApplyResult {
	out := &ApplyResult{Errors: make([]IndexError, 0)}

	for _, r := range results {
		if ctx.Err() != nil {
			out.Incomplete = true
			break
		}
		out.Errors = append(out.Errors, r.Errors...)

		if err := i.store.UpdateFile(r.File, r.Nodes, r.Edges); err != nil {
			i.logger.Warn("skipping file",
				slog.String("file", r.File),
				slog.String("error", err.Error()),
			)
			out.Errors = append(out.Errors, IndexError{
				File:    r.File,
				Message: err.Error(),
			})
			out.Stats.FilesFailed++
			continue
		}
		out.Stats.FilesApplied++
		out.Stats.NodesApplied += len(r.Nodes)
		out.Stats.EdgesApplied += len(r.Edges)
	}

	if len(out.Errors) > 0 {
		i.logger.Info("ingest finished with errors",
			slog.Int("applied", out.Stats.FilesApplied),
			slog.Int("failed", out.Stats.FilesFailed),
			slog.Int("errors", len(out.Errors)),
		)
	}
	return out
}

// ApplyAdapter runs adapter against the store and writes its output.
//
// Description:
//
//	Entrypoints missing Meta.Framework are tagged with the adapter name.
//	Everything the same adapter contributed on a previous call is removed
//	first, so re-running an adapter does not leave stale entrypoints.
//	The batch is validated before anything is removed.
//
// Outputs:
//
//	AdapterResult - What was written, after tagging.
//	error - Non-nil if Detect fails or a record is malformed. The store is
//	        unchanged in that case.
func (i *Ingestor) ApplyAdapter(adapter FrameworkAdapter) (AdapterResult, error) {
	name := adapter.Name()
	if name == "" {
		return AdapterResult{}, ErrEmptyAdapterName
	}

	res, err := adapter.Detect(i.store)
	if err != nil {
		return AdapterResult{}, fmt.Errorf("adapter %s: %w", name, err)
	}

	tagged := AdapterResult{
		Entrypoints:   make([]graph.Node, 0, len(res.Entrypoints)),
		Registrations: make([]graph.Edge, 0, len(res.Registrations)),
	}
	for _, n := range res.Entrypoints {
		tagged.Entrypoints = append(tagged.Entrypoints, tagFramework(n, name))
	}
	tagged.Registrations = append(tagged.Registrations, res.Registrations...)

	if err := validateBatch(tagged); err != nil {
		return AdapterResult{}, fmt.Errorf("adapter %s: %w", name, err)
	}

	if prev, ok := i.contributions[name]; ok {
		for _, id := range prev.edgeIDs {
			i.store.RemoveEdge(id)
		}
		for _, id := range prev.nodeIDs {
			i.store.RemoveNode(id)
		}
	}

	c := &contribution{adapter: adapter}
	for _, n := range tagged.Entrypoints {
		if err := i.store.AddNode(n); err != nil {
			return AdapterResult{}, fmt.Errorf("adapter %s: %w", name, err)
		}
		c.nodeIDs = append(c.nodeIDs, n.ID)
	}
	for _, e := range tagged.Registrations {
		if err := i.store.AddEdge(e); err != nil {
			return AdapterResult{}, fmt.Errorf("adapter %s: %w", name, err)
		}
		c.edgeIDs = append(c.edgeIDs, e.ID)
	}
	i.contributions[name] = c

	i.logger.Debug("adapter applied",
		slog.String("adapter", name),
		slog.Int("entrypoints", len(c.nodeIDs)),
		slog.Int("registrations", len(c.edgeIDs)),
	)
	return tagged, nil
}

// validateBatch checks records against a scratch store so a bad batch is
// rejected before the real store is touched.
func validateBatch(res AdapterResult) error {
	scratch := graph.NewStore()
	for _, n := range res.Entrypoints {
		if err := scratch.AddNode(n); err != nil {
			return err
		}
	}
	for _, e := range res.Registrations {
		if err := scratch.AddEdge(e); err != nil {
			return err
		}
	}
	return nil
}

func tagFramework(n graph.Node, framework string) graph.Node {
	meta := graph.NodeMeta{}
	if n.Meta != nil {
		meta = *n.Meta
	}
	if meta.Framework == "" {
		meta.Framework = framework
	}
	n.Meta = &meta
	return n
}

// Adapters returns the names of applied adapters, sorted.
func (i *Ingestor) Adapters() []string {
	names := make([]string, 0, len(i.contributions))
	for name := range i.contributions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ContributedIssues collects issues from every applied adapter that
// implements IssueContributor, in adapter name order.
func (i *Ingestor) ContributedIssues() []graph.Issue {
	issues := make([]graph.Issue, 0)
	for _, name := range i.Adapters() {
		contributor, ok := i.contributions[name].adapter.(IssueContributor)
		if !ok {
			continue
		}
		issues = append(issues, contributor.DetectIssues(i.store)...)
	}
	return issues
}

// Reset forgets every adapter contribution without touching the store.
func (i *Ingestor) Reset() {
	i.contributions = make(map[string]*contribution)
}
