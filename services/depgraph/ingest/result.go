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
	"fmt"

	"github.com/AleutianAI/depgraph/services/depgraph/graph"
)

// IndexError is a failure to index or apply a single file.
type IndexError struct {
	// File is the path of the file that failed.
	File string `json:"file"`

	// Line is the 1-based line of the failure, 0 if unknown.
	Line int `json:"line,omitempty"`

	// Message describes the failure.
	Message string `json:"message"`

	// Recoverable is true when a later re-index may succeed.
	Recoverable bool `json:"recoverable"`
}

// Error implements the error interface.
func (e IndexError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("file %s:%d: %s", e.File, e.Line, e.Message)
	}
	return fmt.Sprintf("file %s: %s", e.File, e.Message)
}

// IndexResult is one file's contribution produced by a language indexer.
type IndexResult struct {
	// File is the path whose nodes are replaced.
	File string `json:"file"`

	Nodes []graph.Node `json:"nodes"`
	Edges []graph.Edge `json:"edges"`

	// Errors are failures the indexer hit while producing this result.
	// They are reported but do not stop the nodes and edges from applying.
	Errors []IndexError `json:"errors,omitempty"`
}

// ApplyStats summarizes an Apply call.
type ApplyStats struct {
	FilesApplied int `json:"filesApplied"`
	FilesFailed  int `json:"filesFailed"`
	NodesApplied int `json:"nodesApplied"`
	EdgesApplied int `json:"edgesApplied"`
}

// ApplyResult is the outcome of applying a batch of index results.
//
// Apply is resilient: a file that fails does not stop the batch. Its
// failure is recorded in Errors and its previous contribution is kept.
type ApplyResult struct {
	Errors []IndexError `json:"errors"`
	Stats  ApplyStats   `json:"stats"`

	// Incomplete is true if the context was cancelled before every result
	// was applied.
	Incomplete bool `json:"incomplete"`
}

// HasErrors returns true if any file reported or caused an error.
func (r *ApplyResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// Success returns true if every result applied without errors.
func (r *ApplyResult) Success() bool {
	return !r.Incomplete && !r.HasErrors()
}
