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
	"encoding/json"
	"fmt"
	"io"
)

// ToSerializable returns the store as plain arrays.
//
// Nodes and edges are sorted by ID; issues keep insertion order.
func (s *Store) ToSerializable() Serializable {
	return Serializable{
		Nodes:  s.GetAllNodes(),
		Edges:  s.GetAllEdges(),
		Issues: s.GetIssues(),
		Meta:   s.meta,
	}
}

// FromSerializable replaces the store contents with the payload.
//
// Description:
//
//	Calls Clear, then replays AddNode, AddEdge, and AddIssue for every
//	record. Indexes are rebuilt, never trusted from the payload. Meta
//	counts are recomputed; the payload's LastIndexed is kept when set.
//
// Limitations:
//
//	There is no rollback. A malformed record stops the replay and leaves
//	the store partially populated.
//
// Errors:
//
//	ErrMalformedPayload - wraps the first record error encountered.
func (s *Store) FromSerializable(data Serializable) error {
	s.Clear()

	for i, n := range data.Nodes {
		if err := n.validate(); err != nil {
			s.touch()
			return fmt.Errorf("%w: node %d: %w", ErrMalformedPayload, i, err)
		}
		s.insertNode(n)
	}
	for i, e := range data.Edges {
		if err := e.validate(); err != nil {
			s.touch()
			return fmt.Errorf("%w: edge %d: %w", ErrMalformedPayload, i, err)
		}
		s.insertEdge(e)
	}
	for i, issue := range data.Issues {
		if err := issue.validate(); err != nil {
			s.touch()
			return fmt.Errorf("%w: issue %d: %w", ErrMalformedPayload, i, err)
		}
		s.putIssue(issue)
	}

	s.touch()
	if !data.Meta.LastIndexed.IsZero() {
		s.meta.LastIndexed = data.Meta.LastIndexed
	}
	return nil
}

// WriteJSON encodes the serialized store to w.
func (s *Store) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.ToSerializable()); err != nil {
		return fmt.Errorf("encode graph: %w", err)
	}
	return nil
}

// ReadJSON decodes a serialized store from r and loads it.
func (s *Store) ReadJSON(r io.Reader) error {
	var data Serializable
	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return s.FromSerializable(data)
}
