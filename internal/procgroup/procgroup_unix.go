// SPDX-License-Identifier: MIT

//go:build unix

package procgroup

import (
	"os/exec"
	"syscall"
	"time"
)

func set(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	// Setpgid makes the child's PID its PGID; negative PID targets the group.
	err := syscall.Kill(-cmd.Process.Pid, sig)
	if err == syscall.ESRCH {
		return nil
	}
	return err
}

func interrupt(cmd *exec.Cmd) error {
	return signalGroup(cmd, syscall.SIGINT)
}

func killGroup(cmd *exec.Cmd, grace time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := signalGroup(cmd, syscall.SIGTERM); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		// Wait is owned by the caller; poll group liveness instead.
		for {
			if syscall.Kill(-cmd.Process.Pid, 0) == syscall.ESRCH {
				close(done)
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	}()

	select {
	case <-done:
		return nil
	case <-time.After(grace):
		return signalGroup(cmd, syscall.SIGKILL)
	}
}
