// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/cargolens/pkg/logging"
	"github.com/AleutianAI/cargolens/pkg/telemetry"
	"github.com/AleutianAI/cargolens/services/cargolens"
	"github.com/AleutianAI/cargolens/services/cargolens/config"
	"github.com/AleutianAI/cargolens/services/cargolens/project"
)

// closeTimeout bounds session shutdown when a command finishes.
const closeTimeout = 15 * time.Second

// app holds the state shared by every command of one invocation.
type app struct {
	configPath string
	projectDir string
	logLevel   string
	jsonOut    bool
	telemetry  bool

	// options is passed to cargolens.New. Tests inject fakes here.
	options cargolens.Options

	configFile string
	store      *config.Store
	svc        *cargolens.Service
	logger     *logging.Logger
	log        *logging.Logger
	shutdown   func(context.Context) error
}

func newApp() *app {
	return &app{}
}

// setup loads configuration and builds the service.
func (a *app) setup(cmd *cobra.Command) error {
	path := a.configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return err
		}
		path = p
	}
	a.configFile = path

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	level := cfg.Logging.Level
	if a.logLevel != "" {
		level = a.logLevel
	}
	parsed, err := logging.ParseLevel(level)
	if err != nil {
		return err
	}
	a.logger = logging.New(logging.Config{
		Level:   parsed,
		LogDir:  cfg.Logging.Dir,
		Service: "cargolens",
		JSON:    cfg.Logging.JSON,
		Stderr:  cmd.ErrOrStderr(),
	})
	slog.SetDefault(a.logger.Slog())
	a.log = a.logger.With(slog.String("command", cmd.Name()))

	if a.telemetry {
		tcfg := telemetry.DefaultConfig()
		tcfg.Writer = cmd.ErrOrStderr()
		shutdown, err := telemetry.Init(cmd.Context(), tcfg)
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		a.shutdown = shutdown
		a.log.Info("telemetry enabled",
			slog.String("traces", tcfg.TraceExporter),
			slog.String("metrics", tcfg.MetricExporter))
	}

	store, err := config.NewStore(cfg)
	if err != nil {
		return err
	}
	a.store = store
	a.svc = cargolens.New(store, a.options)

	a.log.Debug("configuration loaded",
		slog.String("path", path),
		slog.Int("projects", len(cfg.Projects)))
	return nil
}

// run executes one invocation and always tears down what setup built.
func run(ctx context.Context, a *app, args []string, stdout, stderr io.Writer) error {
	cmd := newRootCmd(a)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	start := time.Now()
	err := cmd.ExecuteContext(ctx)
	a.logResult(err, time.Since(start))
	if tErr := a.teardown(); tErr != nil && err == nil {
		err = tErr
	}
	return err
}

// logResult records how the command ended. Nothing is logged when
// setup never ran.
func (a *app) logResult(err error, elapsed time.Duration) {
	if a.log == nil {
		return
	}
	var exit *exitError
	switch {
	case err == nil:
		a.log.Debug("command finished", slog.Duration("duration", elapsed))
	case errors.As(err, &exit):
		a.log.Warn("command exited with failure", slog.Int("exit_code", exit.code))
	default:
		a.log.Error("command failed", slog.String("error", err.Error()))
	}
}

// teardown stops sessions and flushes telemetry and logs. Safe to call
// more than once.
func (a *app) teardown() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	var firstErr error
	if a.svc != nil {
		if err := a.svc.Close(ctx); err != nil {
			firstErr = err
		}
	}
	if a.shutdown != nil {
		if err := a.shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.logger != nil {
		_ = a.logger.Close()
	}
	a.svc, a.shutdown, a.logger, a.log = nil, nil, nil, nil
	return firstErr
}

// root picks the project a command applies to: --project if given,
// otherwise the configured project containing the working directory.
func (a *app) root() (string, error) {
	if a.projectDir != "" {
		return a.projectDir, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	p, err := project.Resolve(a.store.Projects(), cwd)
	if err != nil {
		return "", fmt.Errorf("%w (use --project)", err)
	}
	return p.Root, nil
}

// print writes v as JSON with --json, otherwise with the text renderer.
func (a *app) print(w io.Writer, v any, text func(io.Writer)) error {
	if a.jsonOut {
		return writeJSON(w, v)
	}
	text(w)
	return nil
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "cargolens",
		Short:         "Code intelligence and dependency docs for Rust projects",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `cargolens drives rust-analyzer and cargo doc for the projects listed
in its configuration file and answers hover, references, implementation,
symbol and documentation queries.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default ~/.cargolens/config.yaml)")
	flags.StringVarP(&a.projectDir, "project", "p", "", "project root (default: the project containing the working directory)")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.BoolVar(&a.jsonOut, "json", false, "print results as JSON")
	flags.BoolVar(&a.telemetry, "telemetry", false, "export traces and metrics to stderr")

	root.AddCommand(
		newHoverCmd(a),
		newReferencesCmd(a),
		newImplCmd(a),
		newSymbolCmd(a),
		newDocsCmd(a),
		newRebuildDocsCmd(a),
		newSymbolsCmd(a),
		newCheckCmd(a),
		newTestCmd(a),
		newProjectsCmd(a),
		newIgnoreCmd(a),
	)
	return root
}
