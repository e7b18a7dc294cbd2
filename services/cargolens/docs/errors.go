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
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/cargolens/services/cargolens/project"
)

// Sentinel errors for documentation queries.
var (
	// ErrUnknownProject indicates no configured root matches.
	ErrUnknownProject = project.ErrUnknownProject

	// ErrExcluded indicates the dependency is on the project's exclusion list.
	ErrExcluded = errors.New("dependency excluded from documentation")

	// ErrNotFound indicates an undeclared dependency or a missing symbol.
	ErrNotFound = errors.New("documentation not found")

	// ErrBuildFailed indicates cargo doc failed. See BuildError for output.
	ErrBuildFailed = errors.New("documentation build failed")
)

// BuildError carries the captured output of a failed cargo doc run.
type BuildError struct {
	// Command is the command line that was run.
	Command string

	// Output is the combined stdout and stderr.
	Output string

	// Err is the underlying exec or context error.
	Err error
}

// Error implements error.
func (e *BuildError) Error() string {
	msg := fmt.Sprintf("%s: %s", ErrBuildFailed.Error(), e.Command)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if tail := lastLines(e.Output, 5); tail != "" {
		msg += "\n" + tail
	}
	return msg
}

// Unwrap exposes ErrBuildFailed and the underlying cause.
func (e *BuildError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrBuildFailed}
	}
	return []error{ErrBuildFailed, e.Err}
}

// lastLines returns the last n non-empty lines of s.
func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
