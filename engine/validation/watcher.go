// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// RuleWatcher hot-reloads a business-rule YAML file when it changes on
// disk.
//
// # Description
//
// Watches the file's parent directory (editors typically replace files
// rather than write in place) and reloads the rule validator on write,
// create, or rename events touching the file. A reload that fails to
// parse keeps the previous rule sets.
type RuleWatcher struct {
	path    string
	rules   *RuleValidator
	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

// NewRuleWatcher creates a watcher for the given rule file. The file is
// loaded once before watching starts.
func NewRuleWatcher(path string, rules *RuleValidator, logger *slog.Logger) (*RuleWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := rules.LoadFile(path); err != nil {
		return nil, fmt.Errorf("initial rule load: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	return &RuleWatcher{
		path:    path,
		rules:   rules,
		watcher: watcher,
		logger:  logger,
	}, nil
}

// Run blocks, reloading on changes, until the context is canceled.
func (w *RuleWatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := w.rules.LoadFile(w.path); err != nil {
				w.logger.Error("rule reload failed, keeping previous rules",
					"path", w.path, "error", err.Error())
				continue
			}
			w.logger.Info("business rules reloaded", "path", w.path)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("rule watcher error", "error", err.Error())
		}
	}
}

// Close stops the underlying filesystem watcher.
func (w *RuleWatcher) Close() error {
	return w.watcher.Close()
}
