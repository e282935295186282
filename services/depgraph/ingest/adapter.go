// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ingest

import (
	"github.com/AleutianAI/depgraph/services/depgraph/graph"
)

// AdapterResult is what a framework adapter contributes: entrypoint nodes
// and the "registers" edges from the files that register them.
type AdapterResult struct {
	Entrypoints   []graph.Node `json:"entrypoints"`
	Registrations []graph.Edge `json:"registrations"`
}

// FrameworkAdapter detects framework entrypoints in an indexed store.
//
// Implementations pattern-match routes, controllers, commands, or pages.
// Detect must treat the store as read-only.
type FrameworkAdapter interface {
	// Name identifies the framework, e.g. "express" or "nextjs".
	Name() string

	// Detect returns the entrypoints and registrations found in store.
	Detect(store *graph.Store) (AdapterResult, error)
}

// IssueContributor is implemented by adapters that report their own
// framework-specific issues during analysis.
type IssueContributor interface {
	DetectIssues(store *graph.Store) []graph.Issue
}
