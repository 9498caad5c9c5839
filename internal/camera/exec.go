// SPDX-License-Identifier: MIT

package camera

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/fieldrig/fieldrig/internal/log"
	"github.com/fieldrig/fieldrig/internal/procgroup"
)

// Exec drives an external recorder process (an ffmpeg or libcamera
// pipeline). The argv comes from config with {path} substituted by the
// allocated recording path; the process runs in its own group so stop and
// abort reach the whole pipeline.
type Exec struct {
	argv []string
}

// NewExec creates an exec driver for the given argv template.
func NewExec(argv []string) *Exec {
	return &Exec{argv: argv}
}

func (d *Exec) Kind() string { return "exec" }

// Detect probes the recorder binary. An absent binary means no usable
// camera pipeline on this node.
func (d *Exec) Detect(context.Context) bool {
	if len(d.argv) == 0 {
		return false
	}
	_, err := exec.LookPath(d.argv[0])
	return err == nil
}

func (d *Exec) Open(ctx context.Context, path string) (Handle, error) {
	if len(d.argv) == 0 {
		return nil, fmt.Errorf("exec driver: empty command")
	}
	argv := make([]string, len(d.argv))
	for i, a := range d.argv {
		argv[i] = strings.ReplaceAll(a, "{path}", path)
	}

	// The process must outlive the arm request context; stopping is the
	// recorder's job, not the HTTP handler's.
	cmd := exec.Command(argv[0], argv[1:]...) // #nosec G204 -- argv is operator config
	procgroup.Set(cmd)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("exec driver start %q: %w", argv[0], err)
	}
	log.WithComponent("camera.exec").Info().
		Str(log.FieldPath, path).
		Int("pid", cmd.Process.Pid).
		Msg("recorder process started")

	h := &execHandle{
		path:   path,
		cmd:    cmd,
		waitCh: make(chan error, 1),
		failed: make(chan error, 1),
	}
	go h.reap()
	return h, nil
}

type execHandle struct {
	path   string
	cmd    *exec.Cmd
	waitCh chan error
	failed chan error

	mu       sync.Mutex
	stopping bool
}

// reap waits for process exit. An exit before Stop was requested is a driver
// failure (crash, device disconnect).
func (h *execHandle) reap() {
	err := h.cmd.Wait()
	h.waitCh <- err

	h.mu.Lock()
	stopping := h.stopping
	h.mu.Unlock()
	if !stopping {
		if err == nil {
			err = fmt.Errorf("recorder process exited prematurely")
		}
		select {
		case h.failed <- fmt.Errorf("recorder process: %w", err):
		default:
		}
	}
	// reap is the only sender; closing here releases the failure watcher.
	close(h.failed)
}

func (h *execHandle) Stop(ctx context.Context) (Result, error) {
	h.mu.Lock()
	if h.stopping {
		h.mu.Unlock()
		return Result{}, fmt.Errorf("exec handle already stopped")
	}
	h.stopping = true
	h.mu.Unlock()

	if err := procgroup.Interrupt(h.cmd); err != nil {
		return Result{}, fmt.Errorf("interrupt recorder: %w", err)
	}
	select {
	case <-h.waitCh:
		// Flushed and exited within grace; exit status is irrelevant as
		// long as the file landed.
	case <-ctx.Done():
		log.WithComponent("camera.exec").Warn().
			Str(log.FieldPath, h.path).
			Msg("recorder did not stop within grace, killing process group")
		_ = procgroup.KillGroup(h.cmd, 0)
		<-h.waitCh
	}

	info, err := os.Stat(h.path)
	if err != nil {
		return Result{}, fmt.Errorf("recorder output missing: %w", err)
	}
	return Result{Path: h.path, SizeBytes: info.Size()}, nil
}

func (h *execHandle) Abort() error {
	h.mu.Lock()
	h.stopping = true
	h.mu.Unlock()
	_ = procgroup.KillGroup(h.cmd, 0)
	<-h.waitCh
	return os.Remove(h.path)
}

func (h *execHandle) Failed() <-chan error { return h.failed }
