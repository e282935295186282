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
	"sort"
	"strings"

	"github.com/AleutianAI/depgraph/services/depgraph/cache"
	"github.com/AleutianAI/depgraph/services/depgraph/graph"
)

// DefaultIssueLimit caps Issues output when no limit is given.
const DefaultIssueLimit = 25

// IssueQuery filters the issue list. Zero fields match everything.
type IssueQuery struct {
	Kind     graph.IssueKind `json:"kind,omitempty"`
	Severity graph.Severity  `json:"severity,omitempty"`
	Scope    string          `json:"scope,omitempty"`
	Limit    int             `json:"limit,omitempty"`
}

// IssueList is the result of Issues.
type IssueList struct {
	Issues    []graph.Issue `json:"issues"`
	Total     int           `json:"total"`
	Truncated bool          `json:"truncated"`

	// Suggestion is a narrower follow-up query, set only when truncated
	// and a narrower filter exists.
	Suggestion *IssueQuery `json:"suggestion,omitempty"`

	// Hint describes Suggestion in words.
	Hint string `json:"hint,omitempty"`
}

// Issues filters stored issues by kind, severity, and path-prefix scope.
//
// Description:
//
//	Matches are ordered by severity (error first), then ID, and cut at
//	Limit (default 25). When the cut drops results, a narrower query is
//	suggested: by the most common kind if none was given, else by the most
//	common top-level directory if no scope was given, else by severity.
func (s *Service) Issues(ctx context.Context, q IssueQuery) (*IssueList, error) {
	if q.Limit <= 0 {
		q.Limit = DefaultIssueLimit
	}
	key := fmt.Sprintf("issues:%s:%s:%s:%d", q.Kind, q.Severity, q.Scope, q.Limit)
	list, err := cache.Compute(ctx, s.cache, key, func(ctx context.Context) (*IssueList, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return s.filterIssues(q), nil
	})
	if err != nil {
		return nil, err
	}
	return list.clone(), nil
}

func (l *IssueList) clone() *IssueList {
	out := *l
	out.Issues = make([]graph.Issue, len(l.Issues))
	for i, issue := range l.Issues {
		out.Issues[i] = issue.Clone()
	}
	if l.Suggestion != nil {
		q := *l.Suggestion
		out.Suggestion = &q
	}
	return &out
}

func (s *Service) filterIssues(q IssueQuery) *IssueList {
	matched := make([]graph.Issue, 0)
	for _, issue := range s.store.GetIssues() {
		if q.Kind != "" && issue.Kind != q.Kind {
			continue
		}
		if q.Severity != "" && issue.Severity != q.Severity {
			continue
		}
		if q.Scope != "" && !inScope(s.issuePath(issue), q.Scope) {
			continue
		}
		matched = append(matched, issue)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		ri, rj := matched[i].Severity.Rank(), matched[j].Severity.Rank()
		if ri != rj {
			return ri > rj
		}
		return matched[i].ID < matched[j].ID
	})

	list := &IssueList{Total: len(matched), Issues: matched}
	if len(matched) > q.Limit {
		list.Issues = matched[:q.Limit]
		list.Truncated = true
		list.Suggestion, list.Hint = s.suggestNarrower(q, matched)
	}
	return list
}

func (s *Service) suggestNarrower(q IssueQuery, matched []graph.Issue) (*IssueQuery, string) {
	if q.Kind == "" {
		counts := make(map[string]int)
		for _, issue := range matched {
			counts[string(issue.Kind)]++
		}
		if kind, n := mostCommon(counts); kind != "" {
			next := q
			next.Kind = graph.IssueKind(kind)
			return &next, fmt.Sprintf("%d of %d issues are %s", n, len(matched), kind)
		}
	}

	if q.Scope == "" {
		counts := make(map[string]int)
		for _, issue := range matched {
			if dir := topDir(s.issuePath(issue)); dir != "" {
				counts[dir]++
			}
		}
		if dir, n := mostCommon(counts); dir != "" {
			next := q
			next.Scope = dir
			return &next, fmt.Sprintf("%d of %d issues are under %s/", n, len(matched), dir)
		}
	}

	if q.Severity == "" {
		next := q
		next.Severity = graph.SeverityError
		return &next, "Start with error-severity issues"
	}
	return nil, ""
}

// mostCommon returns the key with the highest count; ties go to the
// lexically smallest key.
func mostCommon(counts map[string]int) (string, int) {
	best, bestN := "", 0
	for k, n := range counts {
		if n > bestN || (n == bestN && k < best) {
			best, bestN = k, n
		}
	}
	return best, bestN
}

func topDir(p string) string {
	dir, _, ok := strings.Cut(p, "/")
	if !ok {
		return ""
	}
	return dir
}
