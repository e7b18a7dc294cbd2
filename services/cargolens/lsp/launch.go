// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"context"
	"fmt"
	"io"
	"os/exec"

	"github.com/AleutianAI/cargolens/pkg/procgroup"
)

// Process is a started language server: its stdio plus lifecycle hooks.
type Process struct {
	// Stdin receives client messages.
	Stdin io.WriteCloser

	// Stdout yields server messages.
	Stdout io.ReadCloser

	// Wait blocks until the process exits. Called exactly once.
	Wait func() error

	// Kill terminates the process (and its children) immediately.
	Kill func() error

	// PID is informational; zero for in-process servers.
	PID int
}

// Launcher starts a language server for a project root.
//
// The context bounds the process lifetime, not just the launch.
type Launcher interface {
	Launch(ctx context.Context, root string) (*Process, error)
}

// ExecLauncher spawns a language server binary in the project root.
type ExecLauncher struct {
	Command string
	Args    []string

	// Stderr receives the server's log output. Nil discards it.
	Stderr io.Writer
}

// Launch implements Launcher.
//
// Errors:
//
//	ErrServerNotInstalled - Command is not on PATH
func (l ExecLauncher) Launch(ctx context.Context, root string) (*Process, error) {
	path, err := exec.LookPath(l.Command)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrServerNotInstalled, l.Command)
	}

	cmd := exec.CommandContext(ctx, path, l.Args...)
	cmd.Dir = root
	cmd.Stderr = l.Stderr
	procgroup.Prepare(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return nil, fmt.Errorf("start process: %w", err)
	}

	return &Process{
		Stdin:  stdin,
		Stdout: stdout,
		Wait:   cmd.Wait,
		Kill:   func() error { return procgroup.Kill(cmd) },
		PID:    cmd.Process.Pid,
	}, nil
}
