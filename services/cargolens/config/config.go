// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the cargolens configuration.
//
// The configuration is a YAML file (default ~/.cargolens/config.yaml)
// listing projects and tuning the language server, documentation and
// cargo subsystems. It is loaded once per run into an explicit Config
// value; Store wraps it for the core, which only ever reads it.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultCacheDir is the per-project documentation cache directory name.
const DefaultCacheDir = ".docs-cache"

// Config is the full cargolens configuration.
type Config struct {
	Projects []ProjectConfig `yaml:"projects" validate:"dive"`
	LSP      LSPConfig       `yaml:"lsp"`
	Docs     DocsConfig      `yaml:"docs"`
	Cargo    CargoConfig     `yaml:"cargo"`
	Logging  LoggingConfig   `yaml:"logging"`
}

// ProjectConfig describes one Rust project.
type ProjectConfig struct {
	// Root is the absolute project root.
	Root string `yaml:"root" validate:"required"`

	// IgnoreCrates lists dependencies never documented.
	IgnoreCrates []string `yaml:"ignore_crates,omitempty" validate:"dive,required"`
}

// LSPConfig tunes rust-analyzer sessions.
type LSPConfig struct {
	Command        string        `yaml:"command" validate:"required"`
	Args           []string      `yaml:"args,omitempty"`
	InitTimeout    time.Duration `yaml:"init_timeout" validate:"gt=0"`
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gt=0"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace" validate:"gt=0"`

	// IndexTimeout bounds the wait for initial indexing. Zero disables it.
	IndexTimeout time.Duration `yaml:"index_timeout" validate:"gte=0"`

	// IdleTimeout stops sessions unused for this long. Zero disables it.
	IdleTimeout time.Duration `yaml:"idle_timeout" validate:"gte=0"`

	// InitCooldown is how long a project that failed to start twice
	// waits before the next attempt.
	InitCooldown time.Duration `yaml:"init_cooldown" validate:"gte=0"`

	WatchFiles    bool          `yaml:"watch_files"`
	WatchDebounce time.Duration `yaml:"watch_debounce" validate:"gte=0"`
}

// DocsConfig tunes the documentation pipeline.
type DocsConfig struct {
	Command      string        `yaml:"command" validate:"required"`
	CacheDir     string        `yaml:"cache_dir" validate:"required"`
	BuildTimeout time.Duration `yaml:"build_timeout" validate:"gt=0"`
	Workers      int           `yaml:"workers" validate:"gte=1,lte=64"`
}

// CargoConfig tunes the check/test pass-throughs.
type CargoConfig struct {
	Command string        `yaml:"command" validate:"required"`
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	JSON  bool   `yaml:"json"`
	Dir   string `yaml:"dir,omitempty"`
}

// Default returns a configuration with no projects and stock settings.
func Default() Config {
	return Config{
		LSP: LSPConfig{
			Command:        "rust-analyzer",
			InitTimeout:    60 * time.Second,
			RequestTimeout: 30 * time.Second,
			ShutdownGrace:  5 * time.Second,
			IndexTimeout:   2 * time.Minute,
			InitCooldown:   time.Minute,
			WatchFiles:     true,
			WatchDebounce:  2 * time.Second,
		},
		Docs: DocsConfig{
			Command:      "cargo",
			CacheDir:     DefaultCacheDir,
			BuildTimeout: 10 * time.Minute,
			Workers:      4,
		},
		Cargo: CargoConfig{
			Command: "cargo",
			Timeout: 10 * time.Minute,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DefaultPath returns ~/.cargolens/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".cargolens", "config.yaml"), nil
}

// Load reads, defaults and validates a configuration file.
//
// Description:
//
//	Unset fields keep their Default() values. A missing file is not an
//	error and yields Default().
//
// Inputs:
//
//	path - Path to the YAML file.
//
// Outputs:
//
//	Config - The validated configuration.
//	error - Non-nil on read, parse or validation failure.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("failed to read the config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse the config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML, creating parent directories.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

var validate = validator.New()

// Validate checks struct constraints plus absolute, unique project roots.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	seen := make(map[string]bool, len(c.Projects))
	for _, p := range c.Projects {
		if !filepath.IsAbs(p.Root) {
			return fmt.Errorf("invalid config: project root %q must be absolute", p.Root)
		}
		clean := filepath.Clean(p.Root)
		if seen[clean] {
			return fmt.Errorf("invalid config: duplicate project root %q", p.Root)
		}
		seen[clean] = true
	}
	return nil
}
