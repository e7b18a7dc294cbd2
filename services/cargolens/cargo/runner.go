// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cargo runs cargo check and cargo test inside a project root.
//
// Output is returned verbatim. Compiler diagnostics from the JSON
// message stream are also decoded so callers can summarize them
// without reparsing.
package cargo

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/AleutianAI/cargolens/pkg/procgroup"
)

// ErrCommandFailed indicates cargo could not be run to completion
// (missing binary, timeout, cancellation). A non-zero exit is not an
// error.
var ErrCommandFailed = errors.New("cargo command failed")

// Result is the outcome of one cargo invocation.
type Result struct {
	// Command is the command line that was run.
	Command string `json:"command"`

	// ExitCode is cargo's exit status.
	ExitCode int `json:"exit_code"`

	// Output is the combined stdout and stderr, verbatim.
	Output string `json:"output"`

	// Duration is the wall time of the run.
	Duration time.Duration `json:"duration"`

	// Diagnostics are the compiler messages decoded from Output.
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
}

// Success reports whether cargo exited zero.
func (r *Result) Success() bool {
	return r.ExitCode == 0
}

// Count returns the number of diagnostics at level ("error", "warning").
func (r *Result) Count(level string) int {
	n := 0
	for _, d := range r.Diagnostics {
		if d.Level == level {
			n++
		}
	}
	return n
}

// Diagnostic is one rustc message.
type Diagnostic struct {
	Level   string `json:"level"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
}

// Runner runs cargo subcommands.
type Runner struct {
	// Command is the cargo binary. Defaults to "cargo".
	Command string

	// Timeout bounds each run. Zero means no bound beyond ctx.
	Timeout time.Duration
}

// Check runs `cargo check --message-format=json` in root.
func (r *Runner) Check(ctx context.Context, root string) (*Result, error) {
	return r.run(ctx, root, "check")
}

// Test runs `cargo test --message-format=json` in root.
func (r *Runner) Test(ctx context.Context, root string) (*Result, error) {
	return r.run(ctx, root, "test")
}

// run executes one subcommand.
//
// Description:
//
//	The child runs in its own process group so timeouts also stop
//	rustc and test binaries. Exit codes are reported in the Result.
//
// Outputs:
//
//	*Result - Captured output and exit status.
//	error - ErrCommandFailed when cargo could not start or was stopped.
func (r *Runner) run(ctx context.Context, root, sub string) (*Result, error) {
	command := r.Command
	if command == "" {
		command = "cargo"
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	args := []string{sub, "--message-format=json"}
	line := command + " " + strings.Join(args, " ")

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = root
	cmd.Stdout = &out
	cmd.Stderr = &out
	procgroup.Prepare(cmd)

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if err != nil {
		var exitErr *exec.ExitError
		if ctxErr := ctx.Err(); ctxErr != nil || !errors.As(err, &exitErr) {
			if ctxErr != nil {
				err = errors.Join(ctxErr, err)
			}
			slog.Warn("cargo did not complete",
				slog.String("command", line),
				slog.String("root", root),
				slog.String("error", err.Error()))
			return nil, fmt.Errorf("%w: %s: %w", ErrCommandFailed, line, err)
		}
	}

	result := &Result{
		Command:     line,
		ExitCode:    cmd.ProcessState.ExitCode(),
		Output:      out.String(),
		Duration:    duration,
		Diagnostics: ParseDiagnostics(out.Bytes()),
	}
	slog.Debug("cargo finished",
		slog.String("command", line),
		slog.String("root", root),
		slog.Int("exit_code", result.ExitCode),
		slog.Duration("duration", duration))
	return result, nil
}

// message is the subset of a cargo JSON message cargolens decodes.
type message struct {
	Reason  string `json:"reason"`
	Message *struct {
		Level   string `json:"level"`
		Message string `json:"message"`
		Code    *struct {
			Code string `json:"code"`
		} `json:"code"`
		Spans []struct {
			FileName    string `json:"file_name"`
			LineStart   int    `json:"line_start"`
			ColumnStart int    `json:"column_start"`
			IsPrimary   bool   `json:"is_primary"`
		} `json:"spans"`
	} `json:"message"`
}

// ParseDiagnostics decodes compiler-message lines from cargo output.
// Lines that are not JSON (progress, test output) are skipped.
func ParseDiagnostics(output []byte) []Diagnostic {
	var diags []Diagnostic
	scanner := bufio.NewScanner(bytes.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 || raw[0] != '{' {
			continue
		}
		var msg message
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.Reason != "compiler-message" || msg.Message == nil {
			continue
		}

		d := Diagnostic{Level: msg.Message.Level, Message: msg.Message.Message}
		if msg.Message.Code != nil {
			d.Code = msg.Message.Code.Code
		}
		for i, span := range msg.Message.Spans {
			if span.IsPrimary || i == 0 {
				d.File = span.FileName
				d.Line = span.LineStart
				d.Column = span.ColumnStart
			}
			if span.IsPrimary {
				break
			}
		}
		diags = append(diags, d)
	}
	return diags
}
