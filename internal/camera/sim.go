// SPDX-License-Identifier: MIT

package camera

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fieldrig/fieldrig/internal/log"
)

// Sim is the simulated driver: it writes pseudo-random bytes to the
// recording file at a configured rate. Used for rigs without a camera
// attached and for the end-to-end test cycle.
type Sim struct {
	byteRate int64
}

// NewSim creates a simulated driver writing byteRate bytes per second.
func NewSim(byteRate int64) *Sim {
	if byteRate <= 0 {
		byteRate = 4 << 20
	}
	return &Sim{byteRate: byteRate}
}

func (s *Sim) Kind() string { return "sim" }

func (s *Sim) Detect(context.Context) bool { return true }

func (s *Sim) Open(_ context.Context, path string) (Handle, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644) // #nosec G304 -- path is built from validated ids
	if err != nil {
		return nil, fmt.Errorf("sim open %s: %w", path, err)
	}
	h := &simHandle{
		path:   path,
		f:      f,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		failed: make(chan error, 1),
	}
	go h.run(s.byteRate)
	return h, nil
}

type simHandle struct {
	path   string
	f      *os.File
	stop   chan struct{}
	done   chan struct{}
	failed chan error

	mu         sync.Mutex
	stopped    bool
	failClosed bool
	written    int64
}

func (h *simHandle) run(byteRate int64) {
	defer close(h.done)
	logger := log.WithComponent("camera.sim")

	// One write per tick keeps the rate close enough for a simulation.
	const tick = 100 * time.Millisecond
	chunk := make([]byte, byteRate/10+1)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			if _, err := rand.Read(chunk); err != nil {
				h.fail(fmt.Errorf("sim entropy: %w", err))
				return
			}
			n, err := h.f.Write(chunk)
			if err != nil {
				logger.Error().Err(err).Str(log.FieldPath, h.path).Msg("sim write failed")
				h.fail(fmt.Errorf("sim write: %w", err))
				return
			}
			h.mu.Lock()
			h.written += int64(n)
			h.mu.Unlock()
		}
	}
}

func (h *simHandle) fail(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failClosed {
		return
	}
	select {
	case h.failed <- err:
	default:
	}
}

// closeFailed releases the failure watcher once the handle is terminal.
func (h *simHandle) closeFailed() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.failClosed {
		h.failClosed = true
		close(h.failed)
	}
}

func (h *simHandle) Stop(ctx context.Context) (Result, error) {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return Result{}, fmt.Errorf("sim handle already stopped")
	}
	h.stopped = true
	h.mu.Unlock()

	close(h.stop)
	select {
	case <-h.done:
	case <-ctx.Done():
	}
	h.closeFailed()
	if err := h.f.Sync(); err != nil {
		return Result{}, fmt.Errorf("sim sync: %w", err)
	}
	if err := h.f.Close(); err != nil {
		return Result{}, fmt.Errorf("sim close: %w", err)
	}
	info, err := os.Stat(h.path)
	if err != nil {
		return Result{}, fmt.Errorf("sim stat: %w", err)
	}
	return Result{Path: h.path, SizeBytes: info.Size()}, nil
}

func (h *simHandle) Abort() error {
	h.mu.Lock()
	already := h.stopped
	h.stopped = true
	h.mu.Unlock()
	if !already {
		close(h.stop)
		<-h.done
	}
	h.closeFailed()
	_ = h.f.Close()
	return os.Remove(h.path)
}

func (h *simHandle) Failed() <-chan error { return h.failed }
