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
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/AleutianAI/cargolens/pkg/procgroup"
)

// GenerateRequest describes one rustdoc run.
type GenerateRequest struct {
	// Root is the project root the command runs in.
	Root string

	// TargetDir receives the output; pages land in TargetDir/doc.
	TargetDir string

	// Package scopes the run to one dependency. Empty documents the
	// whole dependency graph.
	Package string
}

// Generator produces rustdoc HTML for a project.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) error
}

// CargoGenerator runs cargo doc.
type CargoGenerator struct {
	// Command is the cargo binary. Defaults to "cargo".
	Command string

	// Timeout bounds each run. Zero means no bound beyond ctx.
	Timeout time.Duration
}

// Generate runs `cargo doc --target-dir <dir> [-p <pkg> --no-deps]`.
//
// Description:
//
//	The command runs in its own process group so a timeout also kills
//	rustc and build scripts. Combined output is captured and returned
//	inside *BuildError on failure.
//
// Outputs:
//
//	error - *BuildError (matching ErrBuildFailed) on any failure.
func (g *CargoGenerator) Generate(ctx context.Context, req GenerateRequest) error {
	command := g.Command
	if command == "" {
		command = "cargo"
	}
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	args := []string{"doc", "--target-dir", req.TargetDir}
	if req.Package != "" {
		args = append(args, "-p", req.Package, "--no-deps")
	}

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = req.Root
	cmd.Stdout = &out
	cmd.Stderr = &out
	procgroup.Prepare(cmd)

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = errors.Join(ctxErr, err)
		}
		return &BuildError{
			Command: command + " " + strings.Join(args, " "),
			Output:  out.String(),
			Err:     err,
		}
	}
	return nil
}
