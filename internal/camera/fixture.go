// SPDX-License-Identifier: MIT

package camera

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// Fixture is the scripted test driver. Tests control detection, open
// failures and mid-recording faults; Stop writes a deterministic payload so
// checksums are reproducible.
type Fixture struct {
	mu         sync.Mutex
	detect     bool
	openErr    error
	payload    []byte
	dropped    int64
	lastHandle *FixtureHandle
}

// NewFixture creates a fixture driver that detects a camera and records a
// small fixed payload.
func NewFixture() *Fixture {
	return &Fixture{detect: true, payload: []byte("fieldrig fixture recording\n")}
}

// SetDetect controls Detect's answer.
func (d *Fixture) SetDetect(ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.detect = ok
}

// SetOpenError makes the next Open fail.
func (d *Fixture) SetOpenError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openErr = err
}

// SetPayload sets the bytes written on Stop.
func (d *Fixture) SetPayload(p []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.payload = p
}

// SetDroppedFrames sets the dropped-frame count reported on Stop.
func (d *Fixture) SetDroppedFrames(n int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropped = n
}

// LastHandle returns the most recently opened handle, for fault injection.
func (d *Fixture) LastHandle() *FixtureHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastHandle
}

func (d *Fixture) Kind() string { return "fixture" }

func (d *Fixture) Detect(context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.detect
}

func (d *Fixture) Open(_ context.Context, path string) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		err := d.openErr
		d.openErr = nil
		return nil, err
	}
	// The file exists from Open on, like a real driver.
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return nil, fmt.Errorf("fixture open %s: %w", path, err)
	}
	h := &FixtureHandle{path: path, payload: d.payload, dropped: d.dropped, failed: make(chan error, 1)}
	d.lastHandle = h
	return h, nil
}

// FixtureHandle is the scripted recording handle.
type FixtureHandle struct {
	path    string
	payload []byte
	dropped int64
	failed  chan error

	mu      sync.Mutex
	stopped bool
	stopErr error
}

// InjectFailure emits an asynchronous driver failure, as a disconnected
// device would.
func (h *FixtureHandle) InjectFailure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	select {
	case h.failed <- err:
	default:
	}
}

// SetStopError makes Stop fail, driving the FINALIZING -> fail edge.
func (h *FixtureHandle) SetStopError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopErr = err
}

func (h *FixtureHandle) Stop(context.Context) (Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return Result{}, fmt.Errorf("fixture handle already stopped")
	}
	h.stopped = true
	close(h.failed)
	if h.stopErr != nil {
		return Result{}, h.stopErr
	}
	if err := os.WriteFile(h.path, h.payload, 0o644); err != nil {
		return Result{}, fmt.Errorf("fixture write %s: %w", h.path, err)
	}
	return Result{Path: h.path, SizeBytes: int64(len(h.payload)), DroppedFrames: h.dropped}, nil
}

func (h *FixtureHandle) Abort() error {
	h.mu.Lock()
	if !h.stopped {
		h.stopped = true
		close(h.failed)
	}
	h.mu.Unlock()
	return os.Remove(h.path)
}

func (h *FixtureHandle) Failed() <-chan error { return h.failed }
