// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package docs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/cargolens/services/cargolens/doccache"
	"github.com/AleutianAI/cargolens/services/cargolens/project"
)

// ProjectSource supplies the configured projects.
// *config.Store implements it.
type ProjectSource interface {
	Projects() []project.Project
}

// Doc is the documentation of one symbol.
type Doc struct {
	Dependency string    `json:"dependency"`
	Version    string    `json:"version"`
	Symbol     string    `json:"symbol"`
	Markdown   string    `json:"markdown"`
	BuiltAt    time.Time `json:"built_at"`
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	// CacheDir is the cache directory name under each project root.
	CacheDir string

	// Workers bounds parallel page conversion.
	Workers int

	// OpenStore opens a project's cache. Defaults to doccache.Open.
	OpenStore func(dir string) (*doccache.Store, error)
}

// Service answers documentation queries, building on demand.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Service struct {
	source    ProjectSource
	builder   *Builder
	cacheDir  string
	openStore func(dir string) (*doccache.Store, error)

	mu     sync.Mutex
	stores map[string]*doccache.Store
	closed bool
}

// NewService creates a Service that generates documentation with gen.
func NewService(source ProjectSource, gen Generator, cfg ServiceConfig) *Service {
	if cfg.CacheDir == "" {
		cfg.CacheDir = ".docs-cache"
	}
	if cfg.OpenStore == nil {
		cfg.OpenStore = doccache.Open
	}
	return &Service{
		source:    source,
		builder:   NewBuilder(gen, BuilderConfig{CacheDir: cfg.CacheDir, Workers: cfg.Workers}),
		cacheDir:  cfg.CacheDir,
		openStore: cfg.OpenStore,
		stores:    make(map[string]*doccache.Store),
	}
}

// GetDocs returns the documentation of a dependency symbol.
//
// Description:
//
//	Resolves the project and the dependency's version, then looks the
//	symbol up in the cache. A (dependency, version) with no entries is
//	built once and the lookup retried. A hit whose rustdoc page has
//	changed on disk is invalidated and rebuilt. A cached version that
//	lacks the symbol is reported as not found without rebuilding.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	root - Configured project root.
//	dep - Dependency crate name ('-' and '_' are equivalent).
//	symbol - Symbol path or suffix. Empty means the crate overview.
//
// Outputs:
//
//	*Doc - The documentation.
//	error - ErrUnknownProject, ErrExcluded, ErrNotFound, ErrBuildFailed
//	        or ErrCacheIO.
func (s *Service) GetDocs(ctx context.Context, root, dep, symbol string) (*Doc, error) {
	ctx, span := tracer.Start(ctx, "Service.GetDocs", trace.WithAttributes(
		attribute.String("docs.root", root),
		attribute.String("docs.dependency", dep),
		attribute.String("docs.symbol", symbol),
	))
	defer span.End()

	doc, err := s.getDocs(ctx, root, dep, symbol)
	if err != nil {
		span.RecordError(err)
	}
	return doc, err
}

func (s *Service) getDocs(ctx context.Context, root, dep, symbol string) (*Doc, error) {
	proj, target, err := s.resolve(root, dep)
	if err != nil {
		return nil, err
	}
	store, err := s.store(proj)
	if err != nil {
		return nil, err
	}

	crate := target.Crate()
	built := false
	for {
		entry, err := store.Lookup(ctx, crate, target.Version, func(symbols []string) (string, bool) {
			return ResolveSymbol(symbols, symbol)
		})
		if errors.Is(err, doccache.ErrMiss) {
			recordLookup(ctx, "miss")
			if built {
				return nil, fmt.Errorf("%w: %s %s", ErrNotFound, crate, target.Version)
			}
			if _, err := s.builder.Build(ctx, proj, store, target); err != nil {
				return nil, err
			}
			built = true
			continue
		}
		if errors.Is(err, doccache.ErrUnknownSymbol) {
			return nil, fmt.Errorf("%w: symbol %q in %s %s", ErrNotFound, symbol, crate, target.Version)
		}
		if err != nil {
			return nil, err
		}

		if !built && s.stale(proj, entry) {
			recordLookup(ctx, "stale")
			if err := store.Invalidate(ctx, crate, target.Version); err != nil {
				return nil, err
			}
			if _, err := s.builder.Build(ctx, proj, store, target); err != nil {
				return nil, err
			}
			built = true
			continue
		}

		recordLookup(ctx, "hit")
		return &Doc{
			Dependency: entry.Dependency,
			Version:    entry.Version,
			Symbol:     entry.Symbol,
			Markdown:   entry.Markdown,
			BuiltAt:    entry.BuiltAt,
		}, nil
	}
}

// Rebuild drops every cached version of dep and builds it again.
//
// Outputs:
//
//	int - Number of entries published.
//	error - As GetDocs.
func (s *Service) Rebuild(ctx context.Context, root, dep string) (int, error) {
	ctx, span := tracer.Start(ctx, "Service.Rebuild", trace.WithAttributes(
		attribute.String("docs.root", root),
		attribute.String("docs.dependency", dep),
	))
	defer span.End()

	proj, target, err := s.resolve(root, dep)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	store, err := s.store(proj)
	if err != nil {
		return 0, err
	}
	if err := store.Invalidate(ctx, target.Crate(), ""); err != nil {
		return 0, err
	}
	n, err := s.builder.Build(ctx, proj, store, target)
	if err != nil {
		span.RecordError(err)
	}
	return n, err
}

// Symbols lists the documented symbols of a dependency, building the
// documentation first when nothing is cached. The overview is "".
func (s *Service) Symbols(ctx context.Context, root, dep string) ([]string, error) {
	proj, target, err := s.resolve(root, dep)
	if err != nil {
		return nil, err
	}
	store, err := s.store(proj)
	if err != nil {
		return nil, err
	}

	has, err := store.Has(ctx, target.Crate(), target.Version)
	if err != nil {
		return nil, err
	}
	if !has {
		if _, err := s.builder.Build(ctx, proj, store, target); err != nil {
			return nil, err
		}
	}
	return store.Symbols(ctx, target.Crate(), target.Version)
}

// Close closes every open project cache.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	var errs []error
	for root, store := range s.stores {
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cache for %s: %w", root, err))
		}
		delete(s.stores, root)
	}
	return errors.Join(errs...)
}

// resolve maps (root, dep) to the project and build target.
func (s *Service) resolve(root, dep string) (project.Project, Target, error) {
	proj, err := project.Lookup(s.source.Projects(), root)
	if err != nil {
		return project.Project{}, Target{}, err
	}
	if dep == "" {
		return project.Project{}, Target{}, fmt.Errorf("%w: empty dependency name", ErrNotFound)
	}
	if proj.IsIgnored(dep) {
		return project.Project{}, Target{}, fmt.Errorf("%w: %s", ErrExcluded, dep)
	}

	version, err := project.ResolveVersion(proj.Root, dep)
	if errors.Is(err, project.ErrUnknownDependency) {
		return project.Project{}, Target{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if err != nil {
		return project.Project{}, Target{}, fmt.Errorf("resolve version of %s: %w", dep, err)
	}

	return proj, Target{Package: declaredName(proj.Root, dep), Version: version}, nil
}

// declaredName returns the manifest spelling of dep, which is what
// `cargo doc -p` accepts.
func declaredName(root, dep string) string {
	deps, err := project.Dependencies(root)
	if err != nil {
		return dep
	}
	want := project.NormalizeCrate(dep)
	for _, d := range deps {
		if project.NormalizeCrate(d.Name) == want {
			return d.Name
		}
	}
	return dep
}

// store returns the project's cache, opening it on first use.
func (s *Service) store(proj project.Project) (*doccache.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("%w: service closed", doccache.ErrCacheIO)
	}
	if store, ok := s.stores[proj.Root]; ok {
		return store, nil
	}

	dir := filepath.Join(proj.CacheDir(s.cacheDir), "markdown")
	store, err := s.openStore(dir)
	if err != nil {
		return nil, err
	}
	s.stores[proj.Root] = store
	return store, nil
}

// stale reports whether the rustdoc page behind entry changed since it
// was converted. A missing page keeps the entry valid.
func (s *Service) stale(proj project.Project, entry *doccache.Entry) bool {
	if entry.SourceFile == "" || entry.SourceHash == "" {
		return false
	}
	src, err := os.ReadFile(filepath.Join(s.builder.DocDir(proj), filepath.FromSlash(entry.SourceFile)))
	if err != nil {
		return false
	}
	return hashBytes(src) != entry.SourceHash
}
