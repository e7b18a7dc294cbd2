// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package procgroup runs child commands in their own process group so
// that cancellation also reaches grandchildren (rustc, build scripts,
// proc-macro servers).
package procgroup

import (
	"os"
	"os/exec"
	"time"
)

// WaitDelay bounds how long Wait blocks on inherited pipes after a kill.
const WaitDelay = 2 * time.Second

// Prepare configures cmd to start in a new process group and to kill the
// whole group when its context is cancelled.
func Prepare(cmd *exec.Cmd) {
	setGroup(cmd)
	cmd.Cancel = func() error { return Kill(cmd) }
	cmd.WaitDelay = WaitDelay
}

// Kill sends SIGKILL to the command's process group. It is a no-op for
// commands that never started.
func Kill(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return killGroup(cmd)
}

var errProcessDone = os.ErrProcessDone
