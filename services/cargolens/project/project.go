// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package project models configured Rust projects: root identity,
// path ownership, crate exclusions and Cargo manifest discovery.
package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

var (
	// ErrUnknownProject indicates no configured project root owns a path.
	ErrUnknownProject = errors.New("unknown project")

	// ErrPathOutsideProject indicates a path escapes its project root.
	ErrPathOutsideProject = errors.New("path outside project root")

	// ErrUnknownDependency indicates a crate is neither declared nor locked.
	ErrUnknownDependency = errors.New("unknown dependency")
)

// Project is a configured Rust workspace.
//
// Root is the identity of the project and is always absolute and
// canonical (symlinks resolved).
type Project struct {
	Root         string
	IgnoreCrates []string
}

// New builds a Project with a canonical root.
func New(root string, ignoreCrates []string) (Project, error) {
	if root == "" {
		return Project{}, errors.New("project root must not be empty")
	}
	canon, err := Canonicalize(root)
	if err != nil {
		return Project{}, err
	}
	return Project{
		Root:         canon,
		IgnoreCrates: slices.Clone(ignoreCrates),
	}, nil
}

// Canonicalize returns an absolute, cleaned path with symlinks resolved.
//
// Paths that do not exist yet are resolved as far as their longest
// existing ancestor so that roots and files beneath them compare equal.
func Canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}

	// Walk up until an existing ancestor resolves, then re-append the tail.
	dir, tail := abs, ""
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs, nil
		}
		tail = filepath.Join(filepath.Base(dir), tail)
		dir = parent
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(resolved, tail), nil
		}
	}
}

// Contains reports whether path (canonical) is the root or beneath it.
func (p Project) Contains(path string) bool {
	if path == p.Root {
		return true
	}
	return strings.HasPrefix(path, p.Root+string(filepath.Separator))
}

// Abs resolves a caller-supplied path against the project root.
//
// Relative paths are joined to the root. The result must lie inside
// the project, otherwise ErrPathOutsideProject is returned.
func (p Project) Abs(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrPathOutsideProject)
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(p.Root, path)
	}
	canon, err := Canonicalize(path)
	if err != nil {
		return "", err
	}
	if !p.Contains(canon) {
		return "", fmt.Errorf("%w: %s", ErrPathOutsideProject, path)
	}
	return canon, nil
}

// IsIgnored reports whether a crate is on the exclusion list.
//
// Crate names compare equal across '-' and '_', matching how cargo
// treats them.
func (p Project) IsIgnored(crate string) bool {
	want := NormalizeCrate(crate)
	for _, c := range p.IgnoreCrates {
		if NormalizeCrate(c) == want {
			return true
		}
	}
	return false
}

// CacheDir returns the documentation cache directory under the root.
func (p Project) CacheDir(name string) string {
	return filepath.Join(p.Root, name)
}

// Resolve finds the project owning path by longest-prefix match.
//
// Description:
//
//	Canonicalizes path and picks the deepest configured root that
//	contains it, so nested workspaces route to the innermost project.
//
// Inputs:
//
//	projects - Configured projects (canonical roots).
//	path - Absolute path of a file or directory.
//
// Outputs:
//
//	Project - The owning project.
//	error - ErrUnknownProject if no root matches.
func Resolve(projects []Project, path string) (Project, error) {
	canon, err := Canonicalize(path)
	if err != nil {
		return Project{}, err
	}

	var best Project
	found := false
	for _, p := range projects {
		if !p.Contains(canon) {
			continue
		}
		if !found || len(p.Root) > len(best.Root) {
			best = p
			found = true
		}
	}
	if !found {
		return Project{}, fmt.Errorf("%w: %s", ErrUnknownProject, path)
	}
	return best, nil
}

// Lookup finds a project by its root.
func Lookup(projects []Project, root string) (Project, error) {
	canon, err := Canonicalize(root)
	if err != nil {
		return Project{}, err
	}
	for _, p := range projects {
		if p.Root == canon {
			return p, nil
		}
	}
	return Project{}, fmt.Errorf("%w: %s", ErrUnknownProject, root)
}

// NormalizeCrate maps a crate name to its rustdoc directory form.
func NormalizeCrate(name string) string {
	return strings.ReplaceAll(strings.TrimSpace(name), "-", "_")
}

// isFile reports whether path names an existing regular file.
func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
