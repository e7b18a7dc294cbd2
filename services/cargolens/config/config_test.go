// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/cargolens/services/cargolens/project"
)

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_OverridesAndDurations(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "projects:\n" +
		"  - root: " + root + "\n" +
		"    ignore_crates: [serde]\n" +
		"lsp:\n" +
		"  init_timeout: 15s\n" +
		"  watch_files: false\n" +
		"docs:\n" +
		"  workers: 2\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Projects, 1)
	assert.Equal(t, root, cfg.Projects[0].Root)
	assert.Equal(t, []string{"serde"}, cfg.Projects[0].IgnoreCrates)
	assert.Equal(t, 15*time.Second, cfg.LSP.InitTimeout)
	assert.False(t, cfg.LSP.WatchFiles)
	assert.Equal(t, "rust-analyzer", cfg.LSP.Command, "unset fields keep defaults")
	assert.Equal(t, 2, cfg.Docs.Workers)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"relative root", func(c *Config) {
			c.Projects = []ProjectConfig{{Root: "relative/path"}}
		}},
		{"empty root", func(c *Config) {
			c.Projects = []ProjectConfig{{Root: ""}}
		}},
		{"duplicate root", func(c *Config) {
			c.Projects = []ProjectConfig{{Root: "/a"}, {Root: "/a/"}}
		}},
		{"negative idle timeout", func(c *Config) {
			c.LSP.IdleTimeout = -time.Second
		}},
		{"zero init timeout", func(c *Config) {
			c.LSP.InitTimeout = 0
		}},
		{"no workers", func(c *Config) {
			c.Docs.Workers = 0
		}},
		{"bad log level", func(c *Config) {
			c.Logging.Level = "loud"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Projects = []ProjectConfig{{Root: t.TempDir(), IgnoreCrates: []string{"a", "b"}}}

	require.NoError(t, Save(path, cfg))
	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestStore_SetIgnoreCrates(t *testing.T) {
	root := t.TempDir()
	cfg := Default()
	cfg.Projects = []ProjectConfig{{Root: root}}

	store, err := NewStore(cfg)
	require.NoError(t, err)

	require.NoError(t, store.SetIgnoreCrates(root, []string{"tokio"}))
	projects := store.Projects()
	require.Len(t, projects, 1)
	assert.True(t, projects[0].IsIgnored("tokio"))
	assert.Equal(t, []string{"tokio"}, store.Config().Projects[0].IgnoreCrates)

	// Mutating the returned copy must not leak into the store.
	projects[0].IgnoreCrates[0] = "changed"
	assert.True(t, store.Projects()[0].IsIgnored("tokio"))

	err = store.SetIgnoreCrates(t.TempDir(), nil)
	assert.ErrorIs(t, err, project.ErrUnknownProject)
}
