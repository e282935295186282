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
	"maps"
	"slices"
	"strings"
	"time"
)

// SchemaVersion is the version tag written into Meta.
const SchemaVersion = "1.0"

// =============================================================================
// Node Kinds
// =============================================================================

// NodeKind classifies a graph node.
type NodeKind string

const (
	// NodeKindFile is a source file. Its Path is unique among file nodes.
	NodeKindFile NodeKind = "file"

	// NodeKindModule is a package or external module.
	NodeKindModule NodeKind = "module"

	// NodeKindSymbol is an exported or internal symbol inside a file.
	NodeKindSymbol NodeKind = "symbol"

	// NodeKindEntrypoint is a program entry (route, page, CLI command, job, API).
	NodeKindEntrypoint NodeKind = "entrypoint"
)

// Valid returns true if the kind is one of the known node kinds.
func (k NodeKind) Valid() bool {
	switch k {
	case NodeKindFile, NodeKindModule, NodeKindSymbol, NodeKindEntrypoint:
		return true
	}
	return false
}

// =============================================================================
// Edge Kinds and Confidence
// =============================================================================

// EdgeKind defines the type of relationship between two nodes.
type EdgeKind string

const (
	EdgeKindImports   EdgeKind = "imports"
	EdgeKindExports   EdgeKind = "exports"
	EdgeKindReexports EdgeKind = "reexports"
	EdgeKindCalls     EdgeKind = "calls"
	EdgeKindRegisters EdgeKind = "registers"
	EdgeKindUnknown   EdgeKind = "unknown"
)

// Valid returns true if the kind is one of the known edge kinds.
func (k EdgeKind) Valid() bool {
	switch k {
	case EdgeKindImports, EdgeKindExports, EdgeKindReexports,
		EdgeKindCalls, EdgeKindRegisters, EdgeKindUnknown:
		return true
	}
	return false
}

// Confidence is a qualitative certainty tag on an edge.
//
// Statically verified edges are high; edges inferred heuristically (for
// example dynamic imports with computed specifiers) are low or unknown.
type Confidence string

const (
	ConfidenceHigh    Confidence = "high"
	ConfidenceMedium  Confidence = "medium"
	ConfidenceLow     Confidence = "low"
	ConfidenceUnknown Confidence = "unknown"
)

// Valid returns true if the confidence is one of the known values.
func (c Confidence) Valid() bool {
	switch c {
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow, ConfidenceUnknown:
		return true
	}
	return false
}

// =============================================================================
// Issue Kinds and Severity
// =============================================================================

// IssueKind is the closed enumeration of diagnostic kinds.
type IssueKind string

const (
	IssueHandlerUnreachable  IssueKind = "HANDLER_UNREACHABLE"
	IssueDynamicEdgeUnknown  IssueKind = "DYNAMIC_EDGE_UNKNOWN"
	IssueBrokenExportChain   IssueKind = "BROKEN_EXPORT_CHAIN"
	IssueCycleRisk           IssueKind = "CYCLE_RISK"
	IssueLayerViolation      IssueKind = "LAYER_VIOLATION"
	IssueNotRegistered       IssueKind = "NOT_REGISTERED"
	IssueEntryMissingHandler IssueKind = "ENTRY_MISSING_HANDLER"
)

// Valid returns true if the kind is one of the known issue kinds.
func (k IssueKind) Valid() bool {
	switch k {
	case IssueHandlerUnreachable, IssueDynamicEdgeUnknown, IssueBrokenExportChain,
		IssueCycleRisk, IssueLayerViolation, IssueNotRegistered, IssueEntryMissingHandler:
		return true
	}
	return false
}

// Severity is the severity of an issue.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Valid returns true if the severity is one of the known values.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError:
		return true
	}
	return false
}

// Rank orders severities: error (2) > warning (1) > info (0).
func (s Severity) Rank() int {
	switch s {
	case SeverityError:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// =============================================================================
// Meta
// =============================================================================

// Location is a position in a source file.
type Location struct {
	File   string `json:"file,omitempty"`
	Line   int    `json:"line,omitempty"`
	Column int    `json:"column,omitempty"`
}

// NodeMeta holds the statically known metadata of a node.
//
// Exports and IsBarrel are set by language indexers on file nodes.
// EntrypointType and Framework are set by framework adapters on
// entrypoint nodes. Extra holds adapter-specific data only.
type NodeMeta struct {
	// Exports lists the exported symbol names of a file.
	Exports []string `json:"exports,omitempty"`

	// IsBarrel marks a file whose sole purpose is re-exporting other files.
	IsBarrel bool `json:"isBarrel,omitempty"`

	// EntrypointType is the entrypoint category (route, page, command, job, api).
	EntrypointType string `json:"entrypointType,omitempty"`

	// Framework is the framework that contributed the entrypoint.
	Framework string `json:"framework,omitempty"`

	// Location is where the node is declared.
	Location *Location `json:"location,omitempty"`

	// Extra holds adapter-specific values.
	Extra map[string]any `json:"extra,omitempty"`
}

// EdgeMeta holds the statically known metadata of an edge.
type EdgeMeta struct {
	// IsDynamic marks an edge produced by a dynamic import or lazy registration.
	IsDynamic bool `json:"isDynamic,omitempty"`

	// Location is where the relationship is expressed in code.
	Location *Location `json:"location,omitempty"`

	// Extra holds adapter-specific values.
	Extra map[string]any `json:"extra,omitempty"`
}

// IssueMeta holds the statically known metadata of an issue.
//
// Which fields are set depends on the issue kind: Cycle for CYCLE_RISK,
// Rule/SourceFile/TargetFile/Line for LAYER_VIOLATION, ExportCount for
// HANDLER_UNREACHABLE, EdgeID for edge-derived issues.
type IssueMeta struct {
	EdgeID      string         `json:"edgeId,omitempty"`
	Cycle       []string       `json:"cycle,omitempty"`
	Rule        string         `json:"rule,omitempty"`
	SourceFile  string         `json:"sourceFile,omitempty"`
	TargetFile  string         `json:"targetFile,omitempty"`
	Line        int            `json:"line,omitempty"`
	ExportCount int            `json:"exportCount,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// =============================================================================
// Records
// =============================================================================

// Node is a vertex in the dependency graph.
//
// ID is the globally unique key, conventionally "kind:discriminator"
// (e.g. "file:src/app.ts", "entrypoint:GET /users"). It is immutable
// once created.
type Node struct {
	ID   string    `json:"id"`
	Kind NodeKind  `json:"kind"`
	Name string    `json:"name"`
	Path string    `json:"path,omitempty"`
	Meta *NodeMeta `json:"meta,omitempty"`
}

// Edge is a directed relationship between two node IDs.
//
// To may reference a node that does not exist (a dangling edge).
type Edge struct {
	ID         string     `json:"id"`
	From       string     `json:"from"`
	To         string     `json:"to"`
	Kind       EdgeKind   `json:"kind"`
	Confidence Confidence `json:"confidence"`
	Reason     string     `json:"reason,omitempty"`
	Meta       *EdgeMeta  `json:"meta,omitempty"`
}

// Issue is a derived diagnostic record. Issues are recomputed on each
// analysis pass, never incrementally patched.
type Issue struct {
	ID           string     `json:"id"`
	Kind         IssueKind  `json:"kind"`
	Severity     Severity   `json:"severity"`
	NodeID       string     `json:"nodeId,omitempty"`
	Title        string     `json:"title"`
	Evidence     []string   `json:"evidence"`
	SuggestedFix []string   `json:"suggestedFix,omitempty"`
	Meta         *IssueMeta `json:"meta,omitempty"`
}

// Meta describes the store as a whole. Counts are recomputed from the
// store's own indexes after every mutation.
type Meta struct {
	Version     string    `json:"version"`
	LastIndexed time.Time `json:"lastIndexed"`
	FileCount   int       `json:"fileCount"`
	NodeCount   int       `json:"nodeCount"`
	EdgeCount   int       `json:"edgeCount"`
	IssueCount  int       `json:"issueCount"`
}

// Serializable is the plain array-based form of a store, suitable for JSON.
type Serializable struct {
	Nodes  []Node  `json:"nodes"`
	Edges  []Edge  `json:"edges"`
	Issues []Issue `json:"issues"`
	Meta   Meta    `json:"meta"`
}

// =============================================================================
// Helpers
// =============================================================================

// Exports returns the node's exported symbol names (nil-safe).
func (n Node) Exports() []string {
	if n.Meta == nil {
		return nil
	}
	return n.Meta.Exports
}

// IsBarrel reports whether the node is flagged as a barrel file.
func (n Node) IsBarrel() bool {
	return n.Meta != nil && n.Meta.IsBarrel
}

// EntrypointType returns the entrypoint category, or "unknown".
func (n Node) EntrypointType() string {
	if n.Meta == nil || n.Meta.EntrypointType == "" {
		return "unknown"
	}
	return n.Meta.EntrypointType
}

// IsDynamic reports whether the edge is flagged as dynamic.
func (e Edge) IsDynamic() bool {
	return e.Meta != nil && e.Meta.IsDynamic
}

// Line returns the source line of the edge, or 0.
func (e Edge) Line() int {
	if e.Meta == nil || e.Meta.Location == nil {
		return 0
	}
	return e.Meta.Location.Line
}

// StripKindPrefix returns the discriminator part of a "kind:discriminator" ID.
//
// IDs without a recognised node-kind prefix are returned unchanged.
func StripKindPrefix(id string) string {
	prefix, rest, ok := strings.Cut(id, ":")
	if !ok {
		return id
	}
	if NodeKind(prefix).Valid() {
		return rest
	}
	return id
}

// FileID returns the conventional ID of the file node at path.
func FileID(path string) string {
	return string(NodeKindFile) + ":" + path
}

func (n Node) validate() error {
	if n.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidNode)
	}
	if !n.Kind.Valid() {
		return fmt.Errorf("%w: %s has unknown kind %q", ErrInvalidNode, n.ID, n.Kind)
	}
	return nil
}

func (e Edge) validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidEdge)
	}
	if e.From == "" || e.To == "" {
		return fmt.Errorf("%w: %s has an empty endpoint", ErrInvalidEdge, e.ID)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: %s has unknown kind %q", ErrInvalidEdge, e.ID, e.Kind)
	}
	if !e.Confidence.Valid() {
		return fmt.Errorf("%w: %s has unknown confidence %q", ErrInvalidEdge, e.ID, e.Confidence)
	}
	return nil
}

func (i Issue) validate() error {
	if i.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidIssue)
	}
	if !i.Kind.Valid() {
		return fmt.Errorf("%w: %s has unknown kind %q", ErrInvalidIssue, i.ID, i.Kind)
	}
	if !i.Severity.Valid() {
		return fmt.Errorf("%w: %s has unknown severity %q", ErrInvalidIssue, i.ID, i.Severity)
	}
	return nil
}

// clone returns a deep copy so the store never shares slices or maps with callers.
func (n Node) clone() Node {
	if n.Meta != nil {
		m := *n.Meta
		m.Exports = slices.Clone(n.Meta.Exports)
		m.Extra = maps.Clone(n.Meta.Extra)
		if n.Meta.Location != nil {
			loc := *n.Meta.Location
			m.Location = &loc
		}
		n.Meta = &m
	}
	return n
}

func (e Edge) clone() Edge {
	if e.Meta != nil {
		m := *e.Meta
		m.Extra = maps.Clone(e.Meta.Extra)
		if e.Meta.Location != nil {
			loc := *e.Meta.Location
			m.Location = &loc
		}
		e.Meta = &m
	}
	return e
}

// Clone returns a copy of i that shares no slices or maps with it.
func (i Issue) Clone() Issue {
	return i.clone()
}

func (i Issue) clone() Issue {
	i.Evidence = slices.Clone(i.Evidence)
	i.SuggestedFix = slices.Clone(i.SuggestedFix)
	if i.Meta != nil {
		m := *i.Meta
		m.Cycle = slices.Clone(i.Meta.Cycle)
		m.Extra = maps.Clone(i.Meta.Extra)
		i.Meta = &m
	}
	return i
}
