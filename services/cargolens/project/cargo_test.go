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

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

const workspaceManifest = `
[workspace]
members = ["crates/*"]
exclude = ["crates/skipped"]

[workspace.dependencies]
anyhow = "1.0.80"

[dependencies]
serde = { version = "1.0", features = ["derive"] }
`

const memberManifest = `
[package]
name = "core"
version = "0.1.0"

[dependencies]
anyhow = { workspace = true }
json = { package = "serde_json", version = "^1.0.100" }
local = { path = "../local" }

[dev-dependencies]
proptest = "1.4"

[target.'cfg(unix)'.dependencies]
libc = "0.2"

[build-dependencies]
cc = "1"
`

func TestDependencies_Workspace(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "Cargo.toml"), workspaceManifest)
	writeFile(t, filepath.Join(root, "crates", "core", "Cargo.toml"), memberManifest)
	writeFile(t, filepath.Join(root, "crates", "skipped", "Cargo.toml"), `[dependencies]
never = "1"
`)

	deps, err := Dependencies(root)
	require.NoError(t, err)

	byName := make(map[string]Dependency)
	for _, d := range deps {
		byName[d.Name] = d
	}

	assert.Equal(t, "1.0", byName["serde"].Requirement)
	assert.Equal(t, "1.0.80", byName["anyhow"].Requirement, "workspace = true inherits requirement")
	assert.Equal(t, "^1.0.100", byName["serde_json"].Requirement, "package key wins over rename")
	assert.Equal(t, KindDev, byName["proptest"].Kind)
	assert.Equal(t, KindBuild, byName["cc"].Kind)
	assert.Contains(t, byName, "libc")
	assert.Contains(t, byName, "local")
	assert.NotContains(t, byName, "never")
	assert.NotContains(t, byName, "json")

	for i := 1; i < len(deps); i++ {
		assert.Less(t, deps[i-1].Name, deps[i].Name)
	}
}

func TestDependencies_MissingManifest(t *testing.T) {
	_, err := Dependencies(t.TempDir())
	assert.Error(t, err)
}

func TestResolveVersion(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "Cargo.toml"), `
[package]
name = "app"
version = "0.1.0"

[dependencies]
serde = "1.0"
tokio-util = "0.7"
local = { path = "../local" }
`)
	writeFile(t, filepath.Join(root, "Cargo.lock"), `
version = 3

[[package]]
name = "serde"
version = "1.0.9"

[[package]]
name = "serde"
version = "1.0.197"

[[package]]
name = "itoa"
version = "1.0.10"
`)

	tests := []struct {
		crate   string
		want    string
		wantErr error
	}{
		{"serde", "1.0.197", nil},
		{"itoa", "1.0.10", nil},
		{"tokio_util", "0.7", nil},
		{"local", "0.0.0-local", nil},
		{"nope", "", ErrUnknownDependency},
	}

	for _, tt := range tests {
		t.Run(tt.crate, func(t *testing.T) {
			got, err := ResolveVersion(root, tt.crate)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHighestVersion(t *testing.T) {
	assert.Equal(t, "2.0.0", highestVersion([]string{"1.9.9", "2.0.0", "2.0.0-rc.1"}))
	assert.Equal(t, "", highestVersion(nil))
	assert.Equal(t, "weird", highestVersion([]string{"weird"}))
}
