// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package query answers presentation-level questions about the graph:
// a bounded digest, filtered issue lists, and change impact.
package query

import (
	"log/slog"
	"strings"

	"github.com/AleutianAI/depgraph/services/depgraph/cache"
	"github.com/AleutianAI/depgraph/services/depgraph/graph"
)

// Option configures a Service.
type Option func(*Service)

// WithCache memoizes query results. Without it every call computes.
func WithCache(c *cache.QueryCache) Option {
	return func(s *Service) {
		s.cache = c
	}
}

// WithLogger sets the service's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithRiskConfig overrides impact risk thresholds.
func WithRiskConfig(cfg RiskConfig) Option {
	return func(s *Service) {
		s.risk = cfg
	}
}

// WithTokenBudget sets the default digest token budget.
func WithTokenBudget(tokens int) Option {
	return func(s *Service) {
		if tokens > 0 {
			s.tokenBudget = tokens
		}
	}
}

// Service runs digest, issue, and impact queries over a store.
//
// Thread Safety:
//
//	Safe for concurrent use as long as the store is not mutated. Callers
//	that mutate the store must invalidate the cache.
type Service struct {
	store       *graph.Store
	cache       *cache.QueryCache
	logger      *slog.Logger
	risk        RiskConfig
	tokenBudget int
}

// New creates a query service over store.
func New(store *graph.Store, opts ...Option) *Service {
	s := &Service{
		store:       store,
		logger:      slog.Default(),
		risk:        DefaultRiskConfig(),
		tokenBudget: DefaultTokenBudget,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cache == nil {
		s.cache = cache.New(cache.Options{Enabled: false})
	}
	return s
}

// nodePath returns the path used for scope matching: the node path, or
// the declared location for nodes without one.
func nodePath(n graph.Node) string {
	if n.Path != "" {
		return n.Path
	}
	if n.Meta != nil && n.Meta.Location != nil {
		return n.Meta.Location.File
	}
	return ""
}

// inScope reports whether p falls under the path prefix scope.
func inScope(p, scope string) bool {
	if scope == "" {
		return true
	}
	scope = strings.TrimSuffix(scope, "/")
	return p == scope || strings.HasPrefix(p, scope+"/")
}

// issuePath returns the file an issue is about.
func (s *Service) issuePath(issue graph.Issue) string {
	if issue.NodeID != "" {
		if n, ok := s.store.GetNode(issue.NodeID); ok {
			if p := nodePath(n); p != "" {
				return p
			}
		}
	}
	if issue.Meta != nil && issue.Meta.SourceFile != "" {
		return issue.Meta.SourceFile
	}
	if issue.NodeID != "" {
		return graph.StripKindPrefix(issue.NodeID)
	}
	return ""
}
