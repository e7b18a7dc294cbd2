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
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/mod/semver"
)

// =============================================================================
// MANIFEST TYPES
// =============================================================================

// DependencyKind classifies a manifest dependency table.
type DependencyKind string

const (
	KindNormal DependencyKind = "normal"
	KindDev    DependencyKind = "dev"
	KindBuild  DependencyKind = "build"
)

// Dependency is one crate declared in a Cargo manifest.
type Dependency struct {
	// Name is the crate name as published (the package key wins over a rename).
	Name string

	// Requirement is the version requirement, empty for path/git deps.
	Requirement string

	// Kind is the table the dependency came from.
	Kind DependencyKind

	// Manifest is the Cargo.toml that declared it.
	Manifest string
}

// manifest is the subset of Cargo.toml cargolens reads.
type manifest struct {
	Package *struct {
		Name string `toml:"name"`
	} `toml:"package"`
	Dependencies      map[string]any        `toml:"dependencies"`
	DevDependencies   map[string]any        `toml:"dev-dependencies"`
	BuildDependencies map[string]any        `toml:"build-dependencies"`
	Target            map[string]targetDeps `toml:"target"`
	Workspace         *struct {
		Members      []string       `toml:"members"`
		Exclude      []string       `toml:"exclude"`
		Dependencies map[string]any `toml:"dependencies"`
	} `toml:"workspace"`
}

type targetDeps struct {
	Dependencies      map[string]any `toml:"dependencies"`
	DevDependencies   map[string]any `toml:"dev-dependencies"`
	BuildDependencies map[string]any `toml:"build-dependencies"`
}

type lockFile struct {
	Package []struct {
		Name    string `toml:"name"`
		Version string `toml:"version"`
		Source  string `toml:"source"`
	} `toml:"package"`
}

// =============================================================================
// DISCOVERY
// =============================================================================

// Dependencies lists the crates declared by the project's manifests.
//
// Description:
//
//	Reads <root>/Cargo.toml and, for workspaces, every member manifest
//	matched by the members globs (minus exclude). Collects normal, dev,
//	build and target-specific tables. `workspace = true` entries inherit
//	the requirement from [workspace.dependencies]. Duplicates keep the
//	first declaration.
//
// Outputs:
//
//	[]Dependency - Sorted by name.
//	error - Non-nil if the root manifest is missing or malformed.
func Dependencies(root string) ([]Dependency, error) {
	rootManifest := filepath.Join(root, "Cargo.toml")
	m, err := readManifest(rootManifest)
	if err != nil {
		return nil, err
	}

	var workspaceDeps map[string]any
	manifests := []string{rootManifest}
	parsed := map[string]*manifest{rootManifest: m}

	if m.Workspace != nil {
		workspaceDeps = m.Workspace.Dependencies
		members, err := workspaceMembers(root, m.Workspace.Members, m.Workspace.Exclude)
		if err != nil {
			return nil, err
		}
		for _, path := range members {
			if _, seen := parsed[path]; seen {
				continue
			}
			mm, err := readManifest(path)
			if err != nil {
				return nil, err
			}
			parsed[path] = mm
			manifests = append(manifests, path)
		}
	}

	seen := make(map[string]bool)
	var deps []Dependency
	add := func(path string, kind DependencyKind, table map[string]any) {
		keys := make([]string, 0, len(table))
		for k := range table {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, key := range keys {
			dep := parseDependency(key, table[key], workspaceDeps)
			if seen[dep.Name] {
				continue
			}
			seen[dep.Name] = true
			dep.Kind = kind
			dep.Manifest = path
			deps = append(deps, dep)
		}
	}

	for _, path := range manifests {
		mm := parsed[path]
		add(path, KindNormal, mm.Dependencies)
		add(path, KindDev, mm.DevDependencies)
		add(path, KindBuild, mm.BuildDependencies)

		targets := make([]string, 0, len(mm.Target))
		for t := range mm.Target {
			targets = append(targets, t)
		}
		sort.Strings(targets)
		for _, t := range targets {
			td := mm.Target[t]
			add(path, KindNormal, td.Dependencies)
			add(path, KindDev, td.DevDependencies)
			add(path, KindBuild, td.BuildDependencies)
		}
	}

	sort.Slice(deps, func(i, j int) bool { return deps[i].Name < deps[j].Name })
	return deps, nil
}

// LockedVersions reads <root>/Cargo.lock into crate name -> versions.
//
// A missing lockfile returns an empty map and no error.
func LockedVersions(root string) (map[string][]string, error) {
	data, err := os.ReadFile(filepath.Join(root, "Cargo.lock"))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string][]string{}, nil
		}
		return nil, fmt.Errorf("read Cargo.lock: %w", err)
	}

	var lock lockFile
	if err := toml.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("parse Cargo.lock: %w", err)
	}

	versions := make(map[string][]string)
	for _, pkg := range lock.Package {
		name := NormalizeCrate(pkg.Name)
		versions[name] = append(versions[name], pkg.Version)
	}
	return versions, nil
}

// ResolveVersion returns the version string used to key a crate's docs.
//
// Description:
//
//	Prefers the highest locked version of the crate. Falls back to the
//	manifest requirement with operators stripped, or "0.0.0-local" for
//	path dependencies without one. Crates that appear only in the lock
//	(transitive dependencies) are accepted.
//
// Outputs:
//
//	string - The version.
//	error - ErrUnknownDependency if the crate is neither declared nor locked.
func ResolveVersion(root, crate string) (string, error) {
	want := NormalizeCrate(crate)

	locked, err := LockedVersions(root)
	if err != nil {
		return "", err
	}
	if best := highestVersion(locked[want]); best != "" {
		return best, nil
	}

	deps, err := Dependencies(root)
	if err != nil {
		return "", err
	}
	for _, d := range deps {
		if NormalizeCrate(d.Name) != want {
			continue
		}
		req := strings.TrimLeft(strings.TrimSpace(d.Requirement), "^=~>< ")
		if req == "" {
			return "0.0.0-local", nil
		}
		return req, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownDependency, crate)
}

// =============================================================================
// HELPERS
// =============================================================================

func readManifest(path string) (*manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var m manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &m, nil
}

// workspaceMembers expands member globs into manifest paths.
func workspaceMembers(root string, members, exclude []string) ([]string, error) {
	excluded := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		excluded[filepath.Clean(filepath.Join(root, e))] = true
	}

	var out []string
	for _, pattern := range members {
		matches, err := filepath.Glob(filepath.Join(root, pattern))
		if err != nil {
			return nil, fmt.Errorf("workspace member %q: %w", pattern, err)
		}
		sort.Strings(matches)
		for _, dir := range matches {
			if excluded[filepath.Clean(dir)] {
				continue
			}
			path := filepath.Join(dir, "Cargo.toml")
			if isFile(path) {
				out = append(out, path)
			}
		}
	}
	return out, nil
}

// parseDependency interprets a dependency table value.
//
// Values are either a requirement string or an inline table with
// version, package and workspace keys.
func parseDependency(key string, value any, workspaceDeps map[string]any) Dependency {
	dep := Dependency{Name: key}
	switch v := value.(type) {
	case string:
		dep.Requirement = v
	case map[string]any:
		if pkg, ok := v["package"].(string); ok && pkg != "" {
			dep.Name = pkg
		}
		if ver, ok := v["version"].(string); ok {
			dep.Requirement = ver
		}
		if inherit, ok := v["workspace"].(bool); ok && inherit && workspaceDeps != nil {
			ws := parseDependency(key, workspaceDeps[key], nil)
			if dep.Name == key {
				dep.Name = ws.Name
			}
			if dep.Requirement == "" {
				dep.Requirement = ws.Requirement
			}
		}
	}
	return dep
}

// highestVersion picks the greatest semver, ignoring unparseable entries.
func highestVersion(versions []string) string {
	best := ""
	for _, v := range versions {
		if !semver.IsValid("v" + v) {
			continue
		}
		if best == "" || semver.Compare("v"+v, "v"+best) > 0 {
			best = v
		}
	}
	if best == "" && len(versions) > 0 {
		return versions[0]
	}
	return best
}
