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
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/cargolens/services/cargolens/doccache"
	"github.com/AleutianAI/cargolens/services/cargolens/project"
)

// Target names the dependency a build documents.
type Target struct {
	// Package is the crate name as declared, passed to `cargo doc -p`.
	Package string

	// Version is the resolved version the entries are stored under.
	Version string
}

// Crate returns the rustdoc directory and cache key for the target.
func (t Target) Crate() string {
	return project.NormalizeCrate(t.Package)
}

// BuilderConfig configures a Builder.
type BuilderConfig struct {
	// CacheDir is the cache directory name under each project root.
	CacheDir string

	// Workers bounds parallel page conversion.
	Workers int
}

// Builder generates, converts and publishes dependency documentation.
//
// Thread Safety:
//
//	Safe for concurrent use. Builds for one project are serialized;
//	concurrent builds of the same (project, dependency) share one run.
type Builder struct {
	gen      Generator
	cacheDir string
	workers  int

	mu    sync.Mutex
	roots map[string]*sync.Mutex

	group singleflight.Group
	now   func() time.Time
}

// NewBuilder creates a Builder.
func NewBuilder(gen Generator, cfg BuilderConfig) *Builder {
	if cfg.CacheDir == "" {
		cfg.CacheDir = ".docs-cache"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Builder{
		gen:      gen,
		cacheDir: cfg.CacheDir,
		workers:  cfg.Workers,
		roots:    make(map[string]*sync.Mutex),
		now:      time.Now,
	}
}

// DocDir returns the rustdoc output directory of a project.
func (b *Builder) DocDir(proj project.Project) string {
	return filepath.Join(proj.CacheDir(b.cacheDir), "doc")
}

// Build documents one dependency and publishes it to store.
//
// Description:
//
//	Runs a scoped `cargo doc -p <dep> --no-deps`, falling back to the
//	whole graph when the scoped run fails. Pages under doc/<crate> are
//	converted in parallel and replace every cached version of the
//	dependency in one step. After a whole-graph run, other declared
//	dependencies that are not excluded and not yet cached are
//	published too.
//
//	A caller that gives up receives ctx.Err(); the shared run keeps
//	going for the other waiters and is bounded by the generator's
//	own timeout.
//
// Inputs:
//
//	ctx - Context for the caller's wait.
//	proj - The project.
//	store - The project's cache.
//	target - Dependency and version.
//
// Outputs:
//
//	int - Number of entries published.
//	error - *BuildError, ErrNotFound when no pages were produced, or
//	        ErrCacheIO.
func (b *Builder) Build(ctx context.Context, proj project.Project, store *doccache.Store, target Target) (int, error) {
	key := proj.Root + "\x00" + target.Crate()
	ch := b.group.DoChan(key, func() (any, error) {
		return b.build(context.WithoutCancel(ctx), proj, store, target)
	})

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return 0, res.Err
		}
		return res.Val.(int), nil
	}
}

func (b *Builder) build(ctx context.Context, proj project.Project, store *doccache.Store, target Target) (int, error) {
	unlock := b.lockRoot(proj.Root)
	defer unlock()

	ctx, span := tracer.Start(ctx, "Builder.Build", trace.WithAttributes(
		attribute.String("docs.root", proj.Root),
		attribute.String("docs.dependency", target.Crate()),
		attribute.String("docs.version", target.Version),
	))
	defer span.End()

	start := time.Now()
	n, err := b.generateAndPublish(ctx, proj, store, target)
	recordBuild(ctx, target.Crate(), time.Since(start), n, err == nil)

	span.SetAttributes(attribute.Int("docs.entries", n))
	if err != nil {
		span.RecordError(err)
		slog.Warn("documentation build failed",
			slog.String("root", proj.Root),
			slog.String("dependency", target.Package),
			slog.String("error", err.Error()))
		return 0, err
	}

	slog.Info("documentation built",
		slog.String("root", proj.Root),
		slog.String("dependency", target.Package),
		slog.String("version", target.Version),
		slog.Int("entries", n),
		slog.Duration("duration", time.Since(start)))
	return n, nil
}

func (b *Builder) generateAndPublish(ctx context.Context, proj project.Project, store *doccache.Store, target Target) (int, error) {
	req := GenerateRequest{
		Root:      proj.Root,
		TargetDir: proj.CacheDir(b.cacheDir),
		Package:   target.Package,
	}

	scoped := true
	if err := b.gen.Generate(ctx, req); err != nil {
		slog.Debug("scoped documentation build failed, documenting the whole graph",
			slog.String("dependency", target.Package),
			slog.String("error", err.Error()))
		scoped = false
		req.Package = ""
		if err := b.gen.Generate(ctx, req); err != nil {
			return 0, err
		}
	}

	n, err := b.publish(ctx, proj, store, target)
	if err != nil {
		return 0, err
	}

	if !scoped {
		b.publishSiblings(ctx, proj, store, target.Crate())
	}
	return n, nil
}

// publish converts doc/<crate> and replaces the cached set.
func (b *Builder) publish(ctx context.Context, proj project.Project, store *doccache.Store, target Target) (int, error) {
	entries, err := b.Convert(ctx, b.DocDir(proj), target.Crate())
	if err != nil {
		return 0, err
	}
	if err := store.ReplaceDependency(ctx, target.Crate(), target.Version, entries); err != nil {
		return 0, err
	}
	return len(entries), nil
}

// publishSiblings caches other declared dependencies a whole-graph run
// documented as a side effect. Failures are logged and skipped.
func (b *Builder) publishSiblings(ctx context.Context, proj project.Project, store *doccache.Store, built string) {
	deps, err := project.Dependencies(proj.Root)
	if err != nil {
		return
	}

	seen := map[string]bool{built: true}
	for _, d := range deps {
		crate := project.NormalizeCrate(d.Name)
		if seen[crate] || proj.IsIgnored(d.Name) {
			continue
		}
		seen[crate] = true

		version, err := project.ResolveVersion(proj.Root, d.Name)
		if err != nil {
			continue
		}
		if has, err := store.Has(ctx, crate, version); err != nil || has {
			continue
		}
		if _, err := b.publish(ctx, proj, store, Target{Package: d.Name, Version: version}); err != nil {
			slog.Debug("skipping dependency documentation",
				slog.String("dependency", d.Name),
				slog.String("error", err.Error()))
		}
	}
}

// page is one rustdoc file selected for conversion.
type page struct {
	rel    string
	symbol string
}

// Convert turns the rustdoc pages of one crate into cache entries.
//
// Description:
//
//	Walks docDir/<crate>, keeps pages that name a symbol and converts
//	them with a bounded errgroup. Pages that convert to nothing
//	(redirects) are dropped. When two pages map to the same symbol
//	the lexically first wins. The overview entry gets an "Items"
//	section listing every symbol.
//
// Outputs:
//
//	[]doccache.Entry - Entries sorted by symbol.
//	error - ErrNotFound when the crate has no pages.
func (b *Builder) Convert(ctx context.Context, docDir, crate string) ([]doccache.Entry, error) {
	pages, err := findPages(docDir, crate)
	if err != nil {
		return nil, err
	}

	built := make([]*doccache.Entry, len(pages))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)

	for i, p := range pages {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			entry, err := b.convertPage(docDir, p)
			if err != nil {
				return err
			}
			built[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	bySymbol := make(map[string]doccache.Entry, len(built))
	for _, e := range built {
		if e == nil {
			continue
		}
		if _, dup := bySymbol[e.Symbol]; dup {
			continue
		}
		bySymbol[e.Symbol] = *e
	}
	if len(bySymbol) == 0 {
		return nil, fmt.Errorf("%w: no documentation pages for %s", ErrNotFound, crate)
	}

	entries := make([]doccache.Entry, 0, len(bySymbol))
	for _, e := range bySymbol {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Symbol < entries[j].Symbol })

	if entries[0].Symbol == "" {
		entries[0].Markdown = appendItems(entries[0].Markdown, entries[1:])
	}
	return entries, nil
}

func (b *Builder) convertPage(docDir string, p page) (*doccache.Entry, error) {
	src, err := os.ReadFile(filepath.Join(docDir, filepath.FromSlash(p.rel)))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p.rel, err)
	}
	md, err := Convert(src, ConvertOptions{Page: p.rel})
	if err != nil {
		return nil, fmt.Errorf("convert %s: %w", p.rel, err)
	}
	if md == "" {
		return nil, nil
	}
	return &doccache.Entry{
		Symbol:     p.symbol,
		Markdown:   md,
		SourceHash: hashBytes(src),
		SourceFile: p.rel,
		BuiltAt:    b.now().UTC(),
	}, nil
}

// findPages lists symbol pages under docDir/<crate> in lexical order.
func findPages(docDir, crate string) ([]page, error) {
	crateDir := filepath.Join(docDir, crate)
	var pages []page
	err := filepath.WalkDir(crateDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".html") {
			return nil
		}
		rel, err := filepath.Rel(docDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if symbol, ok := SymbolForPage(rel); ok {
			pages = append(pages, page{rel: rel, symbol: symbol})
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: no rustdoc output for %s", ErrNotFound, crate)
	}
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", crateDir, err)
	}
	return pages, nil
}

func appendItems(overview string, items []doccache.Entry) string {
	if len(items) == 0 {
		return overview
	}
	var sb strings.Builder
	sb.WriteString(overview)
	sb.WriteString("\n\n## Items\n\n")
	for i, e := range items {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("- `" + e.Symbol + "`")
	}
	return sb.String()
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// lockRoot serializes builds within a project.
func (b *Builder) lockRoot(root string) func() {
	b.mu.Lock()
	m, ok := b.roots[root]
	if !ok {
		m = &sync.Mutex{}
		b.roots[root] = m
	}
	b.mu.Unlock()

	m.Lock()
	return m.Unlock
}
