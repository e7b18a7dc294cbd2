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
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelevant(t *testing.T) {
	assert.True(t, relevant("/p/src/lib.rs"))
	assert.True(t, relevant("/p/Cargo.toml"))
	assert.True(t, relevant("/p/Cargo.lock"))
	assert.False(t, relevant("/p/README.md"))
	assert.False(t, relevant("/p/src/lib.rs.swp"))
}

func TestConvertOp(t *testing.T) {
	assert.Equal(t, FileCreated, convertOp(fsnotify.Create))
	assert.Equal(t, FileChanged, convertOp(fsnotify.Write))
	assert.Equal(t, FileDeleted, convertOp(fsnotify.Remove))
	assert.Equal(t, FileDeleted, convertOp(fsnotify.Rename))
}

func TestWatcher_Ignored(t *testing.T) {
	w := &Watcher{root: "/p", skip: map[string]bool{"target": true, ".git": true}}
	assert.True(t, w.ignored("/p/target/debug/build.rs"))
	assert.True(t, w.ignored("/p/.git/HEAD"))
	assert.False(t, w.ignored("/p/src/target.rs"))
	assert.False(t, w.ignored("/p/src/lib.rs"))
}

func TestWatcher_DebouncesRelevantChanges(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "target"), 0o755))

	var mu sync.Mutex
	var batches [][]FileEvent
	w, err := NewWatcher(root, func(changes []FileEvent) {
		mu.Lock()
		batches = append(batches, changes)
		mu.Unlock()
	}, WatcherOptions{Debounce: 100 * time.Millisecond})
	require.NoError(t, err)
	defer w.Stop()

	lib := filepath.Join(root, "src", "lib.rs")
	require.NoError(t, os.WriteFile(lib, []byte("fn a() {}"), 0o644))
	require.NoError(t, os.WriteFile(lib, []byte("fn b() {}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "target", "gen.rs"), []byte("x"), 0o644))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(batches) > 0
	}, 3*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	var uris []string
	for _, b := range batches {
		for _, e := range b {
			uris = append(uris, e.URI)
		}
	}
	assert.Contains(t, uris, pathToURI(lib))
	for _, uri := range uris {
		assert.Equal(t, pathToURI(lib), uri, "only src/lib.rs should be reported")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	w, err := NewWatcher(t.TempDir(), nil, WatcherOptions{})
	require.NoError(t, err)
	w.Stop()
	w.Stop()
}
