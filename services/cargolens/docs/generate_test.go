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
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCargo writes an executable script standing in for cargo.
func fakeCargo(t *testing.T, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "cargo")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestCargoGenerator_Arguments(t *testing.T) {
	root := t.TempDir()
	argsFile := filepath.Join(root, "args.txt")
	gen := &CargoGenerator{Command: fakeCargo(t, `echo "$@" > `+argsFile)}

	err := gen.Generate(context.Background(), GenerateRequest{Root: root, TargetDir: "/tmp/out", Package: "my-dep"})
	require.NoError(t, err)
	data, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Equal(t, "doc --target-dir /tmp/out -p my-dep --no-deps", strings.TrimSpace(string(data)))

	err = gen.Generate(context.Background(), GenerateRequest{Root: root, TargetDir: "/tmp/out"})
	require.NoError(t, err)
	data, err = os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Equal(t, "doc --target-dir /tmp/out", strings.TrimSpace(string(data)))
}

func TestCargoGenerator_RunsInRoot(t *testing.T) {
	root := t.TempDir()
	gen := &CargoGenerator{Command: fakeCargo(t, `pwd > marker.txt`)}

	require.NoError(t, gen.Generate(context.Background(), GenerateRequest{Root: root, TargetDir: "out"}))
	assert.FileExists(t, filepath.Join(root, "marker.txt"))
}

func TestCargoGenerator_FailureCapturesOutput(t *testing.T) {
	gen := &CargoGenerator{Command: fakeCargo(t, `echo "   Compiling my-dep v0.3.1"; echo "error: could not document my-dep" >&2; exit 101`)}

	err := gen.Generate(context.Background(), GenerateRequest{Root: t.TempDir(), TargetDir: "out", Package: "my-dep"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBuildFailed)

	var buildErr *BuildError
	require.ErrorAs(t, err, &buildErr)
	assert.Contains(t, buildErr.Output, "Compiling my-dep")
	assert.Contains(t, buildErr.Output, "could not document")
	assert.Contains(t, buildErr.Command, "-p my-dep")
	assert.Contains(t, err.Error(), "could not document")
}

func TestCargoGenerator_Timeout(t *testing.T) {
	gen := &CargoGenerator{
		Command: fakeCargo(t, `sleep 10`),
		Timeout: 100 * time.Millisecond,
	}

	start := time.Now()
	err := gen.Generate(context.Background(), GenerateRequest{Root: t.TempDir(), TargetDir: "out"})
	assert.ErrorIs(t, err, ErrBuildFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second, "the process group must be killed on timeout")
}

func TestCargoGenerator_MissingBinary(t *testing.T) {
	gen := &CargoGenerator{Command: filepath.Join(t.TempDir(), "no-such-cargo")}
	err := gen.Generate(context.Background(), GenerateRequest{Root: t.TempDir(), TargetDir: "out"})
	assert.ErrorIs(t, err, ErrBuildFailed)
}

func TestBuildError_Message(t *testing.T) {
	err := &BuildError{
		Command: "cargo doc",
		Output:  "l1\nl2\nl3\nl4\nl5\nl6\nl7\n",
	}
	msg := err.Error()
	assert.True(t, strings.HasPrefix(msg, "documentation build failed: cargo doc"))
	assert.NotContains(t, msg, "l2")
	assert.Contains(t, msg, "l3\nl4\nl5\nl6\nl7")
}
