// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage keeps serialized graph snapshots in an in-memory BadgerDB.
//
// Snapshots let callers checkpoint a store before a risky batch of updates
// and restore it afterwards. Nothing is written to disk; data is lost when
// the store is closed.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/depgraph/services/depgraph/graph"
)

// ErrSnapshotNotFound is returned when a snapshot ID is unknown or the
// store holds no snapshots.
var ErrSnapshotNotFound = errors.New("snapshot not found")

const (
	infoPrefix = "snapshot/info/"
	dataPrefix = "snapshot/data/"
)

// Config holds configuration for a snapshot store.
type Config struct {
	// Logger receives BadgerDB's internal logs. If nil they are discarded.
	Logger *slog.Logger

	// MaxSnapshots bounds retained snapshots; the oldest are deleted on
	// Save. Zero means unlimited.
	MaxSnapshots int

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// SnapshotInfo describes a stored snapshot.
type SnapshotInfo struct {
	ID         string    `json:"id"`
	Label      string    `json:"label,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	Generation uint64    `json:"generation"`
	Nodes      int       `json:"nodes"`
	Edges      int       `json:"edges"`
	Issues     int       `json:"issues"`
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

// Infof logs at Debug: badger's info output is per-close level dumps.
func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// SnapshotStore holds graph snapshots keyed by UUID.
//
// Thread Safety: Safe for concurrent use.
type SnapshotStore struct {
	db  *badger.DB
	cfg Config
}

// Open creates an in-memory snapshot store.
//
// Outputs:
//
//	*SnapshotStore - Call Close() when done.
//	error - Non-nil if BadgerDB cannot be opened.
func Open(cfg Config) (*SnapshotStore, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithSyncWrites(false).
		WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	return &SnapshotStore{db: db, cfg: cfg}, nil
}

// Close releases the database. All snapshots are lost.
func (s *SnapshotStore) Close() error {
	return s.db.Close()
}

// Save stores payload as a new snapshot.
//
// Inputs:
//
//	label      - Free-form description, may be empty.
//	payload    - The serialized store.
//	generation - Store generation at the time of the snapshot.
func (s *SnapshotStore) Save(label string, payload graph.Serializable, generation uint64) (SnapshotInfo, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("generate snapshot id: %w", err)
	}

	info := SnapshotInfo{
		ID:         id.String(),
		Label:      label,
		CreatedAt:  s.cfg.Now().UTC(),
		Generation: generation,
		Nodes:      len(payload.Nodes),
		Edges:      len(payload.Edges),
		Issues:     len(payload.Issues),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("encode snapshot: %w", err)
	}
	meta, err := json.Marshal(info)
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("encode snapshot info: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(dataPrefix+info.ID), data); err != nil {
			return err
		}
		return txn.Set([]byte(infoPrefix+info.ID), meta)
	})
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("save snapshot %s: %w", info.ID, err)
	}

	if s.cfg.MaxSnapshots > 0 {
		if err := s.prune(s.cfg.MaxSnapshots); err != nil {
			return info, err
		}
	}
	return info, nil
}

// Load returns the payload and info of snapshot id.
//
// Errors: ErrSnapshotNotFound if id is unknown.
func (s *SnapshotStore) Load(id string) (graph.Serializable, SnapshotInfo, error) {
	var payload graph.Serializable
	var info SnapshotInfo

	err := s.db.View(func(txn *badger.Txn) error {
		if err := readJSON(txn, infoPrefix+id, &info); err != nil {
			return err
		}
		return readJSON(txn, dataPrefix+id, &payload)
	})
	if err != nil {
		return graph.Serializable{}, SnapshotInfo{}, err
	}
	return payload, info, nil
}

func readJSON(txn *badger.Txn, key string, out any) error {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", ErrSnapshotNotFound, key)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	return item.Value(func(val []byte) error {
		if err := json.Unmarshal(val, out); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		return nil
	})
}

// List returns every snapshot, oldest first.
func (s *SnapshotStore) List() ([]SnapshotInfo, error) {
	infos := make([]SnapshotInfo, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(infoPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var info SnapshotInfo
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &info)
			})
			if err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			infos = append(infos, info)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(infos, func(i, j int) bool {
		if !infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].CreatedAt.Before(infos[j].CreatedAt)
		}
		return infos[i].ID < infos[j].ID
	})
	return infos, nil
}

// Latest returns the most recent snapshot's info.
//
// Errors: ErrSnapshotNotFound if the store is empty.
func (s *SnapshotStore) Latest() (SnapshotInfo, error) {
	infos, err := s.List()
	if err != nil {
		return SnapshotInfo{}, err
	}
	if len(infos) == 0 {
		return SnapshotInfo{}, ErrSnapshotNotFound
	}
	return infos[len(infos)-1], nil
}

// Delete removes snapshot id.
//
// Errors: ErrSnapshotNotFound if id is unknown.
func (s *SnapshotStore) Delete(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(infoPrefix + id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
			}
			return err
		}
		if err := txn.Delete([]byte(infoPrefix + id)); err != nil {
			return err
		}
		return txn.Delete([]byte(dataPrefix + id))
	})
}

// prune deletes the oldest snapshots beyond keep.
func (s *SnapshotStore) prune(keep int) error {
	infos, err := s.List()
	if err != nil {
		return err
	}
	for len(infos) > keep {
		if err := s.Delete(infos[0].ID); err != nil {
			return fmt.Errorf("prune snapshot %s: %w", infos[0].ID, err)
		}
		infos = infos[1:]
	}
	return nil
}
