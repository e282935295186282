// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package layers

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// RuleLoader reads a rules file and hot-reloads it on change.
//
// Thread Safety:
//
//	Safe for concurrent use. Callbacks run on the watcher goroutine.
type RuleLoader struct {
	path     string
	logger   *slog.Logger
	mu       sync.RWMutex
	current  []Rule
	onChange []func([]Rule)
}

// NewRuleLoader creates a loader and performs the initial load.
func NewRuleLoader(path string, logger *slog.Logger) (*RuleLoader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rules, err := LoadRulesFile(path)
	if err != nil {
		return nil, err
	}
	return &RuleLoader{path: path, logger: logger, current: rules}, nil
}

// Rules returns a copy of the most recently loaded rules.
func (l *RuleLoader) Rules() []Rule {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Rule(nil), l.current...)
}

// OnChange registers a callback invoked after every successful reload.
func (l *RuleLoader) OnChange(fn func([]Rule)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Reload re-reads the file immediately. On error the previous rules stay.
func (l *RuleLoader) Reload() ([]Rule, error) {
	rules, err := LoadRulesFile(l.path)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = rules
	callbacks := make([]func([]Rule), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()

	for _, fn := range callbacks {
		fn(append([]Rule(nil), rules...))
	}
	return rules, nil
}

// Watch starts a goroutine that reloads the rules on file writes.
// Call the returned stop function to release the watcher.
func (l *RuleLoader) Watch() (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("rules watcher: %w", err)
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return nil, fmt.Errorf("rules watcher add %s: %w", l.path, err)
	}

	done := make(chan struct{})
	var once sync.Once
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				if _, err := l.Reload(); err != nil {
					l.logger.Warn("layer rules reload failed, keeping previous rules",
						slog.String("path", l.path),
						slog.String("error", err.Error()),
					)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.logger.Warn("layer rules watcher error", slog.String("error", err.Error()))
			case <-done:
				return
			}
		}
	}()

	return func() { once.Do(func() { close(done) }) }, nil
}
