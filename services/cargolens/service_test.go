// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cargolens

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/cargolens/services/cargolens/config"
	"github.com/AleutianAI/cargolens/services/cargolens/doccache"
	"github.com/AleutianAI/cargolens/services/cargolens/docs"
	"github.com/AleutianAI/cargolens/services/cargolens/lsp"
	"github.com/AleutianAI/cargolens/services/cargolens/lsp/lsptest"
)

const manifest = `
[package]
name = "app"
version = "0.1.0"

[dependencies]
tiny-dep = "2"
`

const lockfile = `
version = 3

[[package]]
name = "tiny-dep"
version = "2.0.3"
`

// pageGenerator writes a single-page crate for tiny-dep.
type pageGenerator struct {
	calls int
}

func (g *pageGenerator) Generate(_ context.Context, req docs.GenerateRequest) error {
	g.calls++
	page := filepath.Join(req.TargetDir, "doc", "tiny_dep", "index.html")
	if err := os.MkdirAll(filepath.Dir(page), 0o755); err != nil {
		return err
	}
	return os.WriteFile(page, []byte(`<html><body><section id="main-content"><h1>Crate tiny_dep</h1><p>Tiny.</p></section></body></html>`), 0o644)
}

type harness struct {
	svc  *Service
	fake *lsptest.Server
	gen  *pageGenerator
	root string
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	root := t.TempDir()
	write := func(rel, content string) {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	write("Cargo.toml", manifest)
	write("Cargo.lock", lockfile)
	write("src/lib.rs", "pub fn answer() -> u32 { 42 }\n")

	cfg := config.Default()
	cfg.Projects = []config.ProjectConfig{{Root: root}}
	cfg.LSP.WatchFiles = false
	cfg.LSP.InitTimeout = 2 * time.Second
	cfg.LSP.RequestTimeout = 2 * time.Second
	cfg.LSP.ShutdownGrace = time.Second
	cfg.LSP.IndexTimeout = 0
	if mutate != nil {
		mutate(&cfg)
	}

	store, err := config.NewStore(cfg)
	require.NoError(t, err)

	fake := lsptest.New()
	gen := &pageGenerator{}
	svc := New(store, Options{
		Launcher:  fake,
		Generator: gen,
		OpenStore: func(string) (*doccache.Store, error) { return doccache.OpenInMemory() },
	})
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	return &harness{svc: svc, fake: fake, gen: gen, root: store.Projects()[0].Root}
}

func TestService_HoverRelativePath(t *testing.T) {
	h := newHarness(t, nil)

	var uri string
	h.fake.Handle("textDocument/hover", func(params json.RawMessage) (any, error) {
		var p lsp.TextDocumentPositionParams
		_ = json.Unmarshal(params, &p)
		uri = p.TextDocument.URI
		return map[string]any{"contents": "fn answer() -> u32"}, nil
	})

	info, err := h.svc.Hover(context.Background(), h.root, "src/lib.rs", 1, 7)
	require.NoError(t, err)
	assert.Equal(t, "fn answer() -> u32", info.Documentation)
	assert.Equal(t, lsp.PathToURI(filepath.Join(h.root, "src", "lib.rs")), uri)
}

func TestService_PathValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.svc.Hover(ctx, h.root, "../outside.rs", 1, 0)
	assert.ErrorIs(t, err, ErrPathOutsideProject)

	_, err = h.svc.References(ctx, h.root, "/etc/hosts", 1, 0)
	assert.ErrorIs(t, err, ErrPathOutsideProject)

	_, err = h.svc.Implementation(ctx, t.TempDir(), "src/lib.rs", 1, 0)
	assert.ErrorIs(t, err, ErrUnknownProject)

	_, err = h.svc.FindSymbol(ctx, "", "answer")
	assert.ErrorIs(t, err, ErrUnknownProject)

	assert.Equal(t, 0, h.fake.Launches(), "rejected queries never start a server")
}

func TestService_ResetProjectAfterInitFailures(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.LSP.InitCooldown = time.Hour })
	h.fake.FailInitialize = true
	h.fake.Respond("textDocument/hover", map[string]any{"contents": "x"})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.svc.Hover(ctx, h.root, "src/lib.rs", 1, 0)
		assert.ErrorIs(t, err, ErrSessionInitFailed)
	}
	assert.Equal(t, 2, h.fake.Launches(), "the third query fails fast")

	h.fake.FailInitialize = false
	assert.ErrorIs(t, h.svc.ResetProject(t.TempDir()), ErrUnknownProject)
	require.NoError(t, h.svc.ResetProject(h.root))

	_, err := h.svc.Hover(ctx, h.root, "src/lib.rs", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, h.fake.Launches())
}

func TestService_ProjectsReportSessions(t *testing.T) {
	h := newHarness(t, nil)

	projects := h.svc.Projects()
	require.Len(t, projects, 1)
	assert.Equal(t, h.root, projects[0].Root)
	assert.Nil(t, projects[0].Session)

	h.fake.Respond("textDocument/hover", map[string]any{"contents": "x"})
	_, err := h.svc.Hover(context.Background(), h.root, "src/lib.rs", 1, 0)
	require.NoError(t, err)

	projects = h.svc.Projects()
	require.NotNil(t, projects[0].Session)
	assert.Equal(t, h.root, projects[0].Session.Root)
	assert.NotEmpty(t, projects[0].Session.ID)
}

func TestService_DocsAndExclusions(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	doc, err := h.svc.GetDocs(ctx, h.root, "tiny-dep", "")
	require.NoError(t, err)
	assert.Equal(t, "2.0.3", doc.Version)
	assert.Contains(t, doc.Markdown, "Tiny.")

	symbols, err := h.svc.DocSymbols(ctx, h.root, "tiny_dep")
	require.NoError(t, err)
	assert.Equal(t, []string{""}, symbols)

	n, err := h.svc.RebuildDocs(ctx, h.root, "tiny-dep")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, h.gen.calls)

	require.NoError(t, h.svc.SetIgnoreCrates(h.root, []string{"tiny_dep"}))
	_, err = h.svc.GetDocs(ctx, h.root, "tiny-dep", "")
	assert.ErrorIs(t, err, ErrExcluded)
	assert.Equal(t, []string{"tiny_dep"}, h.svc.Projects()[0].IgnoreCrates)

	assert.ErrorIs(t, h.svc.SetIgnoreCrates(t.TempDir(), nil), ErrUnknownProject)
}

func TestService_CheckAndTest(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	script := filepath.Join(t.TempDir(), "cargo")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho \"ran $1\"\n[ \"$1\" = test ] && exit 101\nexit 0\n"), 0o755))

	h := newHarness(t, func(cfg *config.Config) { cfg.Cargo.Command = script })
	ctx := context.Background()

	res, err := h.svc.CheckProject(ctx, h.root)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Output, "ran check")

	res, err = h.svc.TestProject(ctx, h.root)
	require.NoError(t, err)
	assert.Equal(t, 101, res.ExitCode)

	_, err = h.svc.CheckProject(ctx, t.TempDir())
	assert.ErrorIs(t, err, ErrUnknownProject)
}

func TestService_CloseShutsDownSessions(t *testing.T) {
	h := newHarness(t, nil)
	h.fake.Respond("textDocument/hover", map[string]any{"contents": "x"})

	_, err := h.svc.Hover(context.Background(), h.root, "src/lib.rs", 1, 0)
	require.NoError(t, err)

	require.NoError(t, h.svc.Close(context.Background()))
	assert.Equal(t, 1, h.fake.Count("shutdown"))
	assert.Equal(t, 1, h.fake.Count("exit"))
}

func TestManagerConfig(t *testing.T) {
	cfg := config.Default()
	cfg.LSP.Command = "/opt/ra"
	cfg.LSP.Args = []string{"--log-file", "/tmp/ra.log"}
	cfg.LSP.IdleTimeout = time.Minute
	cfg.LSP.WatchDebounce = 500 * time.Millisecond
	cfg.LSP.InitCooldown = 3 * time.Minute
	cfg.Docs.CacheDir = ".rustdoc"

	mc := managerConfig(cfg, Options{})
	assert.Equal(t, "/opt/ra", mc.Command)
	assert.Equal(t, []string{"--log-file", "/tmp/ra.log"}, mc.Args)
	assert.Equal(t, cfg.LSP.InitTimeout, mc.InitTimeout)
	assert.Equal(t, cfg.LSP.RequestTimeout, mc.RequestTimeout)
	assert.Equal(t, time.Minute, mc.IdleTimeout)
	assert.Equal(t, 500*time.Millisecond, mc.Watch.Debounce)
	assert.Contains(t, mc.Watch.SkipDirs, ".rustdoc")
	assert.Contains(t, mc.Watch.SkipDirs, "target")
	assert.Equal(t, 2, mc.MaxInitAttempts)
	assert.Equal(t, 3*time.Minute, mc.InitCooldown)
	assert.Nil(t, mc.Launcher)
}
