// SPDX-License-Identifier: MIT

// Package procgroup starts external recorder processes in their own process
// group so the whole pipeline (shells, ffmpeg children) can be signalled and
// reaped together.
package procgroup

import (
	"os/exec"
	"time"
)

// Set configures cmd to start in a new process group. Required before
// Interrupt or KillGroup can act on the group.
func Set(cmd *exec.Cmd) {
	set(cmd)
}

// Interrupt sends the polite stop signal (SIGINT on unix) to the group.
func Interrupt(cmd *exec.Cmd) error {
	return interrupt(cmd)
}

// KillGroup terminates the whole group: polite signal, grace wait, then
// SIGKILL.
func KillGroup(cmd *exec.Cmd, grace time.Duration) error {
	return killGroup(cmd, grace)
}
