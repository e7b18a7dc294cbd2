// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cargolens is the query facade over rust-analyzer sessions,
// dependency documentation and cargo pass-throughs.
//
// Every call names a configured project root. Source positions are
// 1-based lines and 0-based UTF-16 columns; relative paths are joined
// to the project root.
package cargolens

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/AleutianAI/cargolens/services/cargolens/cargo"
	"github.com/AleutianAI/cargolens/services/cargolens/config"
	"github.com/AleutianAI/cargolens/services/cargolens/doccache"
	"github.com/AleutianAI/cargolens/services/cargolens/docs"
	"github.com/AleutianAI/cargolens/services/cargolens/lsp"
	"github.com/AleutianAI/cargolens/services/cargolens/project"
)

// Re-exported sentinels so callers need only this package.
var (
	ErrUnknownProject     = project.ErrUnknownProject
	ErrPathOutsideProject = project.ErrPathOutsideProject
	ErrNotFound           = lsp.ErrNotFound
	ErrDocsNotFound       = docs.ErrNotFound
	ErrExcluded           = docs.ErrExcluded
	ErrBuildFailed        = docs.ErrBuildFailed
	ErrCacheIO            = doccache.ErrCacheIO
	ErrSessionInitFailed  = lsp.ErrSessionInitFailed
)

// Options overrides the external processes a Service talks to.
// Zero values use the configured commands.
type Options struct {
	// Launcher starts rust-analyzer.
	Launcher lsp.Launcher

	// Generator produces rustdoc output.
	Generator docs.Generator

	// OpenStore opens a project's documentation cache.
	OpenStore func(dir string) (*doccache.Store, error)

	// ServerStderr receives rust-analyzer's log output.
	ServerStderr io.Writer
}

// ProjectStatus describes one configured project.
type ProjectStatus struct {
	Root         string             `json:"root"`
	IgnoreCrates []string           `json:"ignore_crates,omitempty"`
	Session      *lsp.SessionStatus `json:"session,omitempty"`
}

// Service answers code-intelligence and documentation queries.
//
// Thread Safety:
//
//	Safe for concurrent use. Queries for different projects proceed
//	in parallel; queries for one project are serialized by its session.
type Service struct {
	store   *config.Store
	manager *lsp.Manager
	ops     *lsp.Operations
	docs    *docs.Service
	cargo   *cargo.Runner
}

// New creates a Service over the configured projects.
//
// Description:
//
//	No process is started until the first query for a project. The
//	idle monitor runs when lsp.idle_timeout is set.
func New(store *config.Store, opts Options) *Service {
	cfg := store.Config()

	manager := lsp.NewManager(store, managerConfig(cfg, opts))
	manager.StartIdleMonitor()

	gen := opts.Generator
	if gen == nil {
		gen = &docs.CargoGenerator{Command: cfg.Docs.Command, Timeout: cfg.Docs.BuildTimeout}
	}

	return &Service{
		store:   store,
		manager: manager,
		ops:     lsp.NewOperations(manager),
		docs: docs.NewService(store, gen, docs.ServiceConfig{
			CacheDir:  cfg.Docs.CacheDir,
			Workers:   cfg.Docs.Workers,
			OpenStore: opts.OpenStore,
		}),
		cargo: &cargo.Runner{Command: cfg.Cargo.Command, Timeout: cfg.Cargo.Timeout},
	}
}

// managerConfig maps the lsp configuration section onto the manager.
func managerConfig(cfg config.Config, opts Options) lsp.ManagerConfig {
	mc := lsp.DefaultManagerConfig()
	mc.Launcher = opts.Launcher
	mc.ServerStderr = opts.ServerStderr
	mc.Command = cfg.LSP.Command
	mc.Args = cfg.LSP.Args
	mc.InitTimeout = cfg.LSP.InitTimeout
	mc.RequestTimeout = cfg.LSP.RequestTimeout
	mc.ShutdownGrace = cfg.LSP.ShutdownGrace
	mc.IndexTimeout = cfg.LSP.IndexTimeout
	mc.IdleTimeout = cfg.LSP.IdleTimeout
	if cfg.LSP.InitCooldown > 0 {
		mc.InitCooldown = cfg.LSP.InitCooldown
	}
	mc.WatchFiles = cfg.LSP.WatchFiles
	if cfg.LSP.WatchDebounce > 0 {
		mc.Watch.Debounce = cfg.LSP.WatchDebounce
	}
	if cfg.Docs.CacheDir != "" && cfg.Docs.CacheDir != config.DefaultCacheDir {
		mc.Watch.SkipDirs = append(mc.Watch.SkipDirs, cfg.Docs.CacheDir)
	}
	return mc
}

// =============================================================================
// CODE INTELLIGENCE
// =============================================================================

// Hover returns type and documentation for the symbol at a position.
func (s *Service) Hover(ctx context.Context, root, path string, line, col int) (*lsp.HoverInfo, error) {
	abs, err := s.resolvePath(root, path)
	if err != nil {
		return nil, err
	}
	return s.ops.Hover(ctx, abs, line, col)
}

// References returns every use of the symbol at a position.
func (s *Service) References(ctx context.Context, root, path string, line, col int) ([]lsp.Reference, error) {
	abs, err := s.resolvePath(root, path)
	if err != nil {
		return nil, err
	}
	return s.ops.References(ctx, abs, line, col)
}

// Implementation returns the implementations of the trait or type at a
// position.
func (s *Service) Implementation(ctx context.Context, root, path string, line, col int) ([]lsp.Implementation, error) {
	abs, err := s.resolvePath(root, path)
	if err != nil {
		return nil, err
	}
	return s.ops.Implementation(ctx, abs, line, col)
}

// FindSymbol locates a workspace symbol by name and hovers it.
func (s *Service) FindSymbol(ctx context.Context, root, name string) (*lsp.SymbolMatch, error) {
	proj, err := s.project(root)
	if err != nil {
		return nil, err
	}
	return s.ops.FindSymbolByName(ctx, proj.Root, name)
}

// =============================================================================
// DOCUMENTATION
// =============================================================================

// GetDocs returns the documentation of a dependency symbol. An empty
// symbol returns the crate overview.
func (s *Service) GetDocs(ctx context.Context, root, dependency, symbol string) (*docs.Doc, error) {
	return s.docs.GetDocs(ctx, root, dependency, symbol)
}

// RebuildDocs discards cached documentation for a dependency and
// builds it again.
func (s *Service) RebuildDocs(ctx context.Context, root, dependency string) (int, error) {
	return s.docs.Rebuild(ctx, root, dependency)
}

// DocSymbols lists the documented symbols of a dependency.
func (s *Service) DocSymbols(ctx context.Context, root, dependency string) ([]string, error) {
	return s.docs.Symbols(ctx, root, dependency)
}

// =============================================================================
// CARGO
// =============================================================================

// CheckProject runs cargo check in the project root.
func (s *Service) CheckProject(ctx context.Context, root string) (*cargo.Result, error) {
	proj, err := s.project(root)
	if err != nil {
		return nil, err
	}
	return s.cargo.Check(ctx, proj.Root)
}

// TestProject runs cargo test in the project root.
func (s *Service) TestProject(ctx context.Context, root string) (*cargo.Result, error) {
	proj, err := s.project(root)
	if err != nil {
		return nil, err
	}
	return s.cargo.Test(ctx, proj.Root)
}

// =============================================================================
// ADMINISTRATION
// =============================================================================

// Projects reports every configured project with its live session, if any.
func (s *Service) Projects() []ProjectStatus {
	sessions := make(map[string]lsp.SessionStatus)
	for _, st := range s.manager.Sessions() {
		sessions[st.Root] = st
	}

	projects := s.store.Projects()
	out := make([]ProjectStatus, 0, len(projects))
	for _, p := range projects {
		ps := ProjectStatus{Root: p.Root, IgnoreCrates: p.IgnoreCrates}
		if st, ok := sessions[p.Root]; ok {
			ps.Session = &st
		}
		out = append(out, ps)
	}
	return out
}

// SetIgnoreCrates replaces a project's documentation exclusion list.
// Already cached documentation is left in place.
func (s *Service) SetIgnoreCrates(root string, crates []string) error {
	if err := s.store.SetIgnoreCrates(root, crates); err != nil {
		return err
	}
	slog.Info("updated documentation exclusions",
		slog.String("root", root),
		slog.Int("crates", len(crates)))
	return nil
}

// ResetProject lets the next query for root start rust-analyzer again
// after repeated init failures, without waiting for the cooldown.
func (s *Service) ResetProject(root string) error {
	p, err := s.project(root)
	if err != nil {
		return err
	}
	s.manager.Reset(p.Root)
	slog.Info("reset project sessions", slog.String("root", p.Root))
	return nil
}

// Close shuts down every session and closes the documentation caches.
func (s *Service) Close(ctx context.Context) error {
	s.manager.ShutdownAll(ctx)
	if err := s.docs.Close(); err != nil {
		return fmt.Errorf("close documentation caches: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Service) project(root string) (project.Project, error) {
	if root == "" {
		return project.Project{}, fmt.Errorf("%w: empty project root", ErrUnknownProject)
	}
	return project.Lookup(s.store.Projects(), root)
}

// resolvePath joins a relative path to the project root and rejects
// paths that escape it.
func (s *Service) resolvePath(root, path string) (string, error) {
	proj, err := s.project(root)
	if err != nil {
		return "", err
	}
	abs, err := proj.Abs(path)
	if err != nil {
		if errors.Is(err, ErrPathOutsideProject) {
			return "", err
		}
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	return abs, nil
}
