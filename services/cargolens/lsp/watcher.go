// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchHandler receives one debounced batch of changes.
type WatchHandler func(changes []FileEvent)

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	// Debounce is the quiet period before a batch is delivered. Default: 2s.
	Debounce time.Duration

	// SkipDirs are directory base names never watched.
	// Default: target, .git, .docs-cache.
	SkipDirs []string

	// BufferSize bounds pending raw events. Default: 1000.
	BufferSize int
}

// DefaultWatcherOptions returns the defaults used by sessions.
func DefaultWatcherOptions() WatcherOptions {
	return WatcherOptions{
		Debounce:   2 * time.Second,
		SkipDirs:   []string{"target", ".git", ".docs-cache"},
		BufferSize: 1000,
	}
}

// Watcher forwards Rust source and manifest changes under a project root.
//
// # Description
//
// Recursively watches the project tree (minus skipped directories),
// keeps only .rs, Cargo.toml and Cargo.lock events, and delivers them
// in debounced batches, last event per path winning.
//
// # Thread Safety
//
// Safe for concurrent use. The handler is called from a single goroutine.
type Watcher struct {
	root     string
	watcher  *fsnotify.Watcher
	handler  WatchHandler
	debounce time.Duration
	skip     map[string]bool

	changes  chan FileEvent
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWatcher creates and starts a watcher for root.
func NewWatcher(root string, handler WatchHandler, opts WatcherOptions) (*Watcher, error) {
	defaults := DefaultWatcherOptions()
	if opts.Debounce <= 0 {
		opts.Debounce = defaults.Debounce
	}
	if opts.SkipDirs == nil {
		opts.SkipDirs = defaults.SkipDirs
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaults.BufferSize
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		root:     root,
		watcher:  fw,
		handler:  handler,
		debounce: opts.Debounce,
		skip:     make(map[string]bool, len(opts.SkipDirs)),
		changes:  make(chan FileEvent, opts.BufferSize),
		done:     make(chan struct{}),
	}
	for _, d := range opts.SkipDirs {
		w.skip[d] = true
	}

	if err := w.addRecursive(root); err != nil {
		_ = fw.Close()
		return nil, err
	}

	w.wg.Add(2)
	go w.processEvents()
	go w.debounceLoop()
	return w, nil
}

// Stop stops watching. Pending changes are dropped.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.watcher.Close()
		w.wg.Wait()
	})
}

// addRecursive adds a directory and all subdirectories to the watch list.
func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && w.skip[d.Name()] {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

// ignored reports whether path lies under a skipped directory.
func (w *Watcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return true
	}
	for _, part := range splitPath(rel) {
		if w.skip[part] {
			return true
		}
	}
	return false
}

// relevant reports whether rust-analyzer cares about path.
func relevant(path string) bool {
	switch filepath.Base(path) {
	case "Cargo.toml", "Cargo.lock":
		return true
	}
	return filepath.Ext(path) == ".rs"
}

func splitPath(rel string) []string {
	var parts []string
	for rel != "" && rel != "." {
		dir, file := filepath.Split(rel)
		parts = append(parts, file)
		rel = filepath.Clean(dir)
		if rel == string(filepath.Separator) {
			break
		}
	}
	return parts
}

// processEvents converts fsnotify events to FileEvents.
func (w *Watcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.ignored(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addRecursive(event.Name); err != nil {
						slog.Debug("Failed to watch new directory",
							slog.String("path", event.Name),
							slog.String("error", err.Error()),
						)
					}
					continue
				}
			}

			if !relevant(event.Name) {
				continue
			}

			select {
			case w.changes <- FileEvent{URI: pathToURI(event.Name), Type: convertOp(event.Op)}:
			default:
				slog.Debug("Watcher buffer full, dropping event", slog.String("path", event.Name))
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Debug("File watcher error",
				slog.String("root", w.root),
				slog.String("error", err.Error()),
			)
		}
	}
}

// convertOp maps an fsnotify op to an LSP change type.
func convertOp(op fsnotify.Op) FileChangeType {
	switch {
	case op.Has(fsnotify.Create):
		return FileCreated
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return FileDeleted
	default:
		return FileChanged
	}
}

// debounceLoop batches changes and calls the handler after the quiet period.
func (w *Watcher) debounceLoop() {
	defer w.wg.Done()

	batch := make(map[string]FileChangeType)
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if len(batch) > 0 && w.handler != nil {
			events := make([]FileEvent, 0, len(batch))
			for uri, typ := range batch {
				events = append(events, FileEvent{URI: uri, Type: typ})
			}
			sort.Slice(events, func(i, j int) bool { return events[i].URI < events[j].URI })
			w.handler(events)
		}
		clear(batch)
		timer = nil
		timerC = nil
	}

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case change := <-w.changes:
			batch[change.URI] = change.Type
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-timerC:
			flush()
		}
	}
}
