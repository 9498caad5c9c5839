// SPDX-License-Identifier: MIT

//go:build windows

package procgroup

import (
	"os/exec"
	"time"
)

func set(*exec.Cmd) {}

func interrupt(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	// No SIGINT equivalent for detached processes; fall through to Kill.
	return cmd.Process.Kill()
}

func killGroup(cmd *exec.Cmd, _ time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
