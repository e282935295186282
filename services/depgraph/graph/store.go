// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"
)

// idSet is a set of record IDs.
type idSet map[string]struct{}

// StoreOptions configures Store behavior.
type StoreOptions struct {
	// Now returns the current time. Used for Meta.LastIndexed.
	Now func() time.Time

	// Logger receives diagnostics about index collisions.
	Logger *slog.Logger
}

// StoreOption is a functional option for configuring Store.
type StoreOption func(*StoreOptions)

// WithClock overrides the clock used for Meta.LastIndexed.
func WithClock(now func() time.Time) StoreOption {
	return func(o *StoreOptions) {
		o.Now = now
	}
}

// WithLogger sets the store's logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(o *StoreOptions) {
		o.Logger = logger
	}
}

// Store is the authoritative indexed container for nodes, edges, and issues.
//
// Thread Safety:
//
//	Store is NOT safe for concurrent use. Callers are responsible for
//	serializing mutation. Analyzers only read from it.
//
// Indexes:
//
//	| Index       | Key            | Used by                      |
//	|-------------|----------------|------------------------------|
//	| nodesByKind | NodeKind       | GetNodesByKind               |
//	| nodesByPath | file path      | GetNodeByPath (file nodes)   |
//	| nodesByFile | any node path  | UpdateFile                   |
//	| edgesFrom   | source node ID | GetEdgesFrom, RemoveNode     |
//	| edgesTo     | target node ID | GetEdgesTo, RemoveNode       |
//
// Every indexed edge endpoint resolves to an index entry even when the
// node it names is absent. RemoveNode maintains this actively by cascading;
// UpdateFile keeps edges into the nodes it replaces.
type Store struct {
	nodes map[string]Node
	edges map[string]Edge

	// issues keeps insertion order; issueIndex maps issue ID to position.
	issues     []Issue
	issueIndex map[string]int

	nodesByKind map[NodeKind]idSet
	nodesByPath map[string]string
	nodesByFile map[string]idSet
	edgesFrom   map[string]idSet
	edgesTo     map[string]idSet

	meta       Meta
	generation uint64
	options    StoreOptions
}

// NewStore creates an empty store.
//
// Example:
//
//	s := graph.NewStore()
//	_ = s.AddNode(graph.Node{ID: "file:src/a.ts", Kind: graph.NodeKindFile, Name: "a.ts", Path: "src/a.ts"})
func NewStore(opts ...StoreOption) *Store {
	options := StoreOptions{
		Now:    time.Now,
		Logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	s := &Store{options: options}
	s.reset()
	return s
}

func (s *Store) reset() {
	s.nodes = make(map[string]Node)
	s.edges = make(map[string]Edge)
	s.issues = make([]Issue, 0)
	s.issueIndex = make(map[string]int)
	s.nodesByKind = make(map[NodeKind]idSet)
	s.nodesByPath = make(map[string]string)
	s.nodesByFile = make(map[string]idSet)
	s.edgesFrom = make(map[string]idSet)
	s.edgesTo = make(map[string]idSet)
	s.meta = Meta{Version: SchemaVersion}
}

// Generation returns a counter that increases on every mutation.
//
// Callers holding derived data (caches, analyzer results) compare
// generations to detect that the store has changed.
func (s *Store) Generation() uint64 {
	return s.generation
}

// Meta returns the store metadata. Counts always match the indexes.
func (s *Store) Meta() Meta {
	return s.meta
}

// NodeCount returns the number of nodes.
func (s *Store) NodeCount() int {
	return len(s.nodes)
}

// EdgeCount returns the number of edges.
func (s *Store) EdgeCount() int {
	return len(s.edges)
}

// touch bumps the generation and recomputes Meta from the indexes.
func (s *Store) touch() {
	s.generation++
	s.meta = Meta{
		Version:     SchemaVersion,
		LastIndexed: s.options.Now(),
		FileCount:   len(s.nodesByKind[NodeKindFile]),
		NodeCount:   len(s.nodes),
		EdgeCount:   len(s.edges),
		IssueCount:  len(s.issues),
	}
}

// =============================================================================
// Nodes
// =============================================================================

// AddNode inserts or replaces a node.
//
// Description:
//
//	Stores a copy of the node and updates the kind, path, and file indexes.
//	Adding a node whose ID already exists replaces the stored record and
//	re-indexes it. Edges are untouched.
//
// Errors:
//
//	ErrInvalidNode - ID is empty or Kind is unknown
func (s *Store) AddNode(n Node) error {
	if err := n.validate(); err != nil {
		return err
	}
	s.insertNode(n)
	s.touch()
	return nil
}

func (s *Store) insertNode(n Node) {
	if old, ok := s.nodes[n.ID]; ok {
		s.unindexNode(old)
	}
	n = n.clone()
	s.nodes[n.ID] = n

	addToSet(s.nodesByKind, n.Kind, n.ID)
	if n.Path != "" {
		addToSet(s.nodesByFile, n.Path, n.ID)
		if n.Kind == NodeKindFile {
			if owner, taken := s.nodesByPath[n.Path]; taken && owner != n.ID {
				s.options.Logger.Warn("file path already indexed, replacing owner",
					slog.String("path", n.Path),
					slog.String("previous_id", owner),
					slog.String("id", n.ID),
				)
			}
			s.nodesByPath[n.Path] = n.ID
		}
	}
}

func (s *Store) unindexNode(n Node) {
	removeFromSet(s.nodesByKind, n.Kind, n.ID)
	if n.Path != "" {
		removeFromSet(s.nodesByFile, n.Path, n.ID)
		if n.Kind == NodeKindFile && s.nodesByPath[n.Path] == n.ID {
			delete(s.nodesByPath, n.Path)
		}
	}
}

// GetNode returns a copy of the node with the given ID.
func (s *Store) GetNode(id string) (Node, bool) {
	n, ok := s.nodes[id]
	if !ok {
		return Node{}, false
	}
	return n.clone(), true
}

// HasNode reports whether a node with the given ID exists.
func (s *Store) HasNode(id string) bool {
	_, ok := s.nodes[id]
	return ok
}

// GetNodeByPath returns the file node with the given path.
func (s *Store) GetNodeByPath(path string) (Node, bool) {
	id, ok := s.nodesByPath[path]
	if !ok {
		return Node{}, false
	}
	return s.GetNode(id)
}

// GetNodesByKind returns all nodes of a kind, sorted by ID.
func (s *Store) GetNodesByKind(kind NodeKind) []Node {
	ids := sortedIDs(s.nodesByKind[kind])
	result := make([]Node, 0, len(ids))
	for _, id := range ids {
		result = append(result, s.nodes[id].clone())
	}
	return result
}

// GetAllNodes returns every node, sorted by ID.
func (s *Store) GetAllNodes() []Node {
	ids := make([]string, 0, len(s.nodes))
	for id := range s.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	result := make([]Node, 0, len(ids))
	for _, id := range ids {
		result = append(result, s.nodes[id].clone())
	}
	return result
}

// RemoveNode removes a node and cascades to every edge touching it.
//
// Description:
//
//	Removes every edge whose From or To equals id, keeping edgesFrom and
//	edgesTo consistent, then removes the node itself. Edges are cascaded
//	even if the node was already absent (dangling edges pointing at id).
//
// Outputs:
//
//	bool - True if a node with the ID existed.
func (s *Store) RemoveNode(id string) bool {
	existed := s.removeNodeNoTouch(id)
	s.touch()
	return existed
}

func (s *Store) removeNodeNoTouch(id string) bool {
	for _, edgeID := range sortedIDs(s.edgesTo[id]) {
		s.removeEdgeNoTouch(edgeID)
	}
	return s.detachNodeNoTouch(id)
}

// detachNodeNoTouch removes a node and its outgoing edges. Edges pointing
// at the node are kept and dangle until a node with the same ID returns.
func (s *Store) detachNodeNoTouch(id string) bool {
	for _, edgeID := range sortedIDs(s.edgesFrom[id]) {
		s.removeEdgeNoTouch(edgeID)
	}
	n, ok := s.nodes[id]
	if !ok {
		return false
	}
	s.unindexNode(n)
	delete(s.nodes, id)
	return true
}

// =============================================================================
// Edges
// =============================================================================

// AddEdge inserts or replaces an edge.
//
// Description:
//
//	Neither endpoint is required to exist. A dangling target is a valid
//	graph state that the issue detector reports on.
//
// Errors:
//
//	ErrInvalidEdge - ID or an endpoint is empty, or Kind/Confidence is unknown
func (s *Store) AddEdge(e Edge) error {
	if err := e.validate(); err != nil {
		return err
	}
	s.insertEdge(e)
	s.touch()
	return nil
}

func (s *Store) insertEdge(e Edge) {
	if old, ok := s.edges[e.ID]; ok {
		removeFromSet(s.edgesFrom, old.From, old.ID)
		removeFromSet(s.edgesTo, old.To, old.ID)
	}
	e = e.clone()
	s.edges[e.ID] = e
	addToSet(s.edgesFrom, e.From, e.ID)
	addToSet(s.edgesTo, e.To, e.ID)
}

// GetEdge returns a copy of the edge with the given ID.
func (s *Store) GetEdge(id string) (Edge, bool) {
	e, ok := s.edges[id]
	if !ok {
		return Edge{}, false
	}
	return e.clone(), true
}

// GetEdgesFrom returns every edge whose source is id, sorted by edge ID.
func (s *Store) GetEdgesFrom(id string) []Edge {
	return s.edgesByID(s.edgesFrom[id])
}

// GetEdgesTo returns every edge whose target is id, sorted by edge ID.
func (s *Store) GetEdgesTo(id string) []Edge {
	return s.edgesByID(s.edgesTo[id])
}

// GetAllEdges returns every edge, sorted by ID.
func (s *Store) GetAllEdges() []Edge {
	ids := make([]string, 0, len(s.edges))
	for id := range s.edges {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	result := make([]Edge, 0, len(ids))
	for _, id := range ids {
		result = append(result, s.edges[id].clone())
	}
	return result
}

func (s *Store) edgesByID(set idSet) []Edge {
	ids := sortedIDs(set)
	result := make([]Edge, 0, len(ids))
	for _, id := range ids {
		result = append(result, s.edges[id].clone())
	}
	return result
}

// RemoveEdge removes an edge.
//
// Outputs:
//
//	bool - True if the edge existed.
func (s *Store) RemoveEdge(id string) bool {
	existed := s.removeEdgeNoTouch(id)
	if existed {
		s.touch()
	}
	return existed
}

func (s *Store) removeEdgeNoTouch(id string) bool {
	e, ok := s.edges[id]
	if !ok {
		return false
	}
	removeFromSet(s.edgesFrom, e.From, id)
	removeFromSet(s.edgesTo, e.To, id)
	delete(s.edges, id)
	return true
}

// =============================================================================
// Issues
// =============================================================================

// SetIssues replaces the full issue list.
//
// Errors:
//
//	ErrInvalidIssue - An issue is malformed. The existing list is kept.
func (s *Store) SetIssues(issues []Issue) error {
	for _, issue := range issues {
		if err := issue.validate(); err != nil {
			return err
		}
	}
	s.issues = make([]Issue, 0, len(issues))
	s.issueIndex = make(map[string]int, len(issues))
	for _, issue := range issues {
		s.putIssue(issue)
	}
	s.touch()
	return nil
}

// AddIssue appends an issue, replacing any issue with the same ID in place.
func (s *Store) AddIssue(issue Issue) error {
	if err := issue.validate(); err != nil {
		return err
	}
	s.putIssue(issue)
	s.touch()
	return nil
}

func (s *Store) putIssue(issue Issue) {
	issue = issue.clone()
	if idx, ok := s.issueIndex[issue.ID]; ok {
		s.issues[idx] = issue
		return
	}
	s.issueIndex[issue.ID] = len(s.issues)
	s.issues = append(s.issues, issue)
}

// GetIssues returns all issues in insertion order.
func (s *Store) GetIssues() []Issue {
	result := make([]Issue, 0, len(s.issues))
	for _, issue := range s.issues {
		result = append(result, issue.clone())
	}
	return result
}

// GetIssuesByKind returns the issues of one kind in insertion order.
func (s *Store) GetIssuesByKind(kind IssueKind) []Issue {
	result := make([]Issue, 0)
	for _, issue := range s.issues {
		if issue.Kind == kind {
			result = append(result, issue.clone())
		}
	}
	return result
}

// ClearIssues removes every issue.
func (s *Store) ClearIssues() {
	s.issues = make([]Issue, 0)
	s.issueIndex = make(map[string]int)
	s.touch()
}

// =============================================================================
// Batches
// =============================================================================

// UpdateFile replaces one file's contribution to the graph.
//
// Description:
//
//	Removes every node whose Path equals path together with the edges
//	leaving those nodes, then inserts the given nodes and edges. Edges
//	from other files into the replaced nodes belong to those files and are
//	kept; they resolve again when the new batch reuses the node IDs. All
//	records are validated before anything is removed, so a rejected batch
//	leaves the store untouched.
//
// Inputs:
//
//	path - The file path whose nodes are replaced.
//	nodes - The file's new nodes (file node, symbols, ...).
//	edges - The file's new outgoing edges.
//
// Errors:
//
//	ErrInvalidNode, ErrInvalidEdge - A record in the batch is malformed.
func (s *Store) UpdateFile(path string, nodes []Node, edges []Edge) error {
	for _, n := range nodes {
		if err := n.validate(); err != nil {
			return fmt.Errorf("update %s: %w", path, err)
		}
	}
	for _, e := range edges {
		if err := e.validate(); err != nil {
			return fmt.Errorf("update %s: %w", path, err)
		}
	}

	for _, id := range sortedIDs(s.nodesByFile[path]) {
		s.detachNodeNoTouch(id)
	}
	if id, ok := s.nodesByPath[path]; ok {
		s.detachNodeNoTouch(id)
	}

	for _, n := range nodes {
		s.insertNode(n)
	}
	for _, e := range edges {
		s.insertEdge(e)
	}
	s.touch()
	return nil
}

// Clear removes all nodes, edges, and issues.
func (s *Store) Clear() {
	s.reset()
	s.touch()
}

// =============================================================================
// Index helpers
// =============================================================================

func addToSet[K comparable](index map[K]idSet, key K, id string) {
	set, ok := index[key]
	if !ok {
		set = make(idSet)
		index[key] = set
	}
	set[id] = struct{}{}
}

func removeFromSet[K comparable](index map[K]idSet, key K, id string) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(index, key)
	}
}

func sortedIDs(set idSet) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
