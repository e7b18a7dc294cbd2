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
	"fmt"
	"slices"
	"sync"

	"github.com/AleutianAI/cargolens/services/cargolens/project"
)

// Store holds the configuration snapshot for one run.
//
// Thread Safety:
//
//	Safe for concurrent use. The only mutation is the per-project
//	exclusion set, which affects future documentation builds only.
type Store struct {
	mu       sync.RWMutex
	cfg      Config
	projects []project.Project
}

// NewStore canonicalizes every project root and wraps cfg.
func NewStore(cfg Config) (*Store, error) {
	projects := make([]project.Project, 0, len(cfg.Projects))
	for _, pc := range cfg.Projects {
		p, err := project.New(pc.Root, pc.IgnoreCrates)
		if err != nil {
			return nil, fmt.Errorf("project %s: %w", pc.Root, err)
		}
		projects = append(projects, p)
	}
	return &Store{cfg: cfg, projects: projects}, nil
}

// Config returns the configuration snapshot.
func (s *Store) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Projects returns a copy of the configured projects.
func (s *Store) Projects() []project.Project {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]project.Project, len(s.projects))
	for i, p := range s.projects {
		out[i] = project.Project{Root: p.Root, IgnoreCrates: slices.Clone(p.IgnoreCrates)}
	}
	return out
}

// SetIgnoreCrates replaces the exclusion set of one project.
//
// Outputs:
//
//	error - project.ErrUnknownProject if root is not configured.
func (s *Store) SetIgnoreCrates(root string, crates []string) error {
	canon, err := project.Canonicalize(root)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.projects {
		if s.projects[i].Root == canon {
			s.projects[i].IgnoreCrates = slices.Clone(crates)
			for j := range s.cfg.Projects {
				if c, err := project.Canonicalize(s.cfg.Projects[j].Root); err == nil && c == canon {
					s.cfg.Projects[j].IgnoreCrates = slices.Clone(crates)
				}
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s", project.ErrUnknownProject, root)
}
