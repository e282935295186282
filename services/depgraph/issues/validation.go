// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package issues

import (
	"context"
	"log/slog"

	"github.com/AleutianAI/depgraph/services/depgraph/graph"
)

// Verdict is a semantic validator's answer for one issue.
type Verdict struct {
	// FalsePositive suppresses the issue.
	FalsePositive bool

	// Reason explains the verdict, e.g. "3 references to exported symbol".
	Reason string
}

// SemanticValidator confirms or suppresses statically detected issues
// using information the graph does not have, such as symbol references
// reported by a language server.
type SemanticValidator interface {
	Confirm(ctx context.Context, issue graph.Issue) (Verdict, error)
}

// validatable reports whether the semantic pass applies to kind.
func validatable(kind graph.IssueKind) bool {
	return kind == graph.IssueHandlerUnreachable || kind == graph.IssueBrokenExportChain
}

// Validate runs the semantic validator over HANDLER_UNREACHABLE and
// BROKEN_EXPORT_CHAIN issues, one call at a time.
//
// Description:
//
//	Issues the validator marks as false positives move to suppressed, with
//	the reason recorded in Meta.Extra["suppressedReason"]. A nil validator
//	keeps everything. A validator error keeps that issue as detected.
//	Input order is preserved in both outputs.
//
// Outputs:
//
//	kept       - Issues that stand.
//	suppressed - Issues demoted to false positives.
//	error      - ctx.Err() if the context ended; unvisited issues are kept.
func (d *Detector) Validate(ctx context.Context, in []graph.Issue) (kept, suppressed []graph.Issue, err error) {
	kept = make([]graph.Issue, 0, len(in))
	suppressed = make([]graph.Issue, 0)
	if d.validator == nil {
		return append(kept, in...), suppressed, nil
	}

	for i, issue := range in {
		if err := ctx.Err(); err != nil {
			return append(kept, in[i:]...), suppressed, err
		}
		if !validatable(issue.Kind) {
			kept = append(kept, issue)
			continue
		}

		verdict, verr := d.validator.Confirm(ctx, issue)
		if verr != nil {
			d.logger.Warn("semantic validation failed, keeping issue",
				slog.String("issue_id", issue.ID),
				slog.String("error", verr.Error()),
			)
			kept = append(kept, issue)
			continue
		}
		if !verdict.FalsePositive {
			kept = append(kept, issue)
			continue
		}

		if issue.Meta == nil {
			issue.Meta = &graph.IssueMeta{}
		} else {
			meta := *issue.Meta
			issue.Meta = &meta
		}
		extra := make(map[string]any, len(issue.Meta.Extra)+1)
		for k, v := range issue.Meta.Extra {
			extra[k] = v
		}
		extra["suppressedReason"] = verdict.Reason
		issue.Meta.Extra = extra
		suppressed = append(suppressed, issue)
	}

	d.logger.Debug("semantic validation complete",
		slog.Int("kept", len(kept)),
		slog.Int("suppressed", len(suppressed)),
	)
	return kept, suppressed, nil
}
