// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package project

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustProject(t *testing.T, root string, ignore ...string) Project {
	t.Helper()
	p, err := New(root, ignore)
	require.NoError(t, err)
	return p
}

func TestResolve_LongestPrefix(t *testing.T) {
	base := t.TempDir()
	outer := filepath.Join(base, "ws")
	inner := filepath.Join(outer, "crates", "inner")
	require.NoError(t, os.MkdirAll(filepath.Join(inner, "src"), 0o755))

	projects := []Project{mustProject(t, outer), mustProject(t, inner)}

	got, err := Resolve(projects, filepath.Join(inner, "src", "lib.rs"))
	require.NoError(t, err)
	assert.Equal(t, projects[1].Root, got.Root)

	got, err = Resolve(projects, filepath.Join(outer, "src", "main.rs"))
	require.NoError(t, err)
	assert.Equal(t, projects[0].Root, got.Root)
}

func TestResolve_SiblingPrefixIsNotAMatch(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "app"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(base, "app2"), 0o755))

	projects := []Project{mustProject(t, filepath.Join(base, "app"))}

	_, err := Resolve(projects, filepath.Join(base, "app2", "src", "lib.rs"))
	assert.ErrorIs(t, err, ErrUnknownProject)
}

func TestLookup(t *testing.T) {
	root := t.TempDir()
	projects := []Project{mustProject(t, root)}

	p, err := Lookup(projects, root+string(filepath.Separator))
	require.NoError(t, err)
	assert.Equal(t, projects[0].Root, p.Root)

	_, err = Lookup(projects, t.TempDir())
	assert.ErrorIs(t, err, ErrUnknownProject)
}

func TestProject_Abs(t *testing.T) {
	root := t.TempDir()
	p := mustProject(t, root)

	abs, err := p.Abs("src/lib.rs")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(p.Root, "src", "lib.rs"), abs)

	_, err = p.Abs("../escape.rs")
	assert.ErrorIs(t, err, ErrPathOutsideProject)

	_, err = p.Abs("")
	assert.ErrorIs(t, err, ErrPathOutsideProject)
}

func TestProject_IsIgnored(t *testing.T) {
	p := mustProject(t, t.TempDir(), "tokio-util", "serde")

	assert.True(t, p.IsIgnored("tokio_util"))
	assert.True(t, p.IsIgnored("serde"))
	assert.False(t, p.IsIgnored("anyhow"))
}

func TestCanonicalize_NonExistentTail(t *testing.T) {
	root := t.TempDir()
	canonRoot, err := Canonicalize(root)
	require.NoError(t, err)

	got, err := Canonicalize(filepath.Join(root, "missing", "file.rs"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(canonRoot, "missing", "file.rs"), got)
}
