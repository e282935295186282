// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph provides the dependency graph store and its record types.
//
// The graph package contains types for representing a codebase as a directed
// graph where nodes are files, modules, symbols, and framework entrypoints,
// and edges represent relationships (imports, reexports, registrations, etc.).
//
// # Ownership Model
//
// The Store exclusively owns every node, edge, and issue plus all secondary
// indexes derived from them:
//   - Records are stored by value; reads return copies
//   - Callers never hold a live reference across a mutation, they re-look-up by ID
//   - Edges are owned by the Store, not by either endpoint node
//
// # Dangling Edges
//
// An edge's target may reference a node ID that does not exist. This is an
// expected state (unresolved or not-yet-indexed targets), not corruption.
// The issues package inspects exactly these edges.
//
// # Thread Safety
//
// Store is NOT safe for concurrent use. Callers serialize mutation; analyzers
// treat the Store as read-only and are re-invoked after any mutation.
package graph

import "errors"

// Sentinel errors for store operations.
var (
	// ErrInvalidNode is returned when a node has an empty ID or unknown kind.
	ErrInvalidNode = errors.New("invalid node")

	// ErrInvalidEdge is returned when an edge has an empty ID, endpoint, or
	// unknown kind/confidence.
	ErrInvalidEdge = errors.New("invalid edge")

	// ErrInvalidIssue is returned when an issue has an empty ID or unknown
	// kind/severity.
	ErrInvalidIssue = errors.New("invalid issue")

	// ErrMalformedPayload is returned by FromSerializable when a record in the
	// payload cannot be replayed. The store is left partially populated.
	ErrMalformedPayload = errors.New("malformed serialized graph")
)
