// SPDX-License-Identifier: MIT

// Package camera defines the recording driver contract and its variants. The
// recorder treats a driver as a black box that writes the recording file; a
// driver must honor Stop within the configured grace and may report
// asynchronous failure (device disconnect, write error) through Failed.
package camera

import (
	"context"
	"fmt"

	"github.com/fieldrig/fieldrig/internal/config"
)

// Result is the finalization outcome returned by Handle.Stop.
type Result struct {
	Path          string
	SizeBytes     int64
	DroppedFrames int64
}

// Handle is one active recording file opened by a driver.
type Handle interface {
	// Stop ends capture, letting the driver flush until ctx expires, and
	// reports the finalized file. After Stop the file is closed and stable.
	Stop(ctx context.Context) (Result, error)

	// Abort discards the recording without finalization. The file may be
	// removed by the driver.
	Abort() error

	// Failed yields at most one asynchronous driver failure. A receive
	// means the recording is lost from the driver's point of view; the
	// file, if any, is preserved as-is.
	Failed() <-chan error
}

// Driver opens recording handles.
type Driver interface {
	// Kind identifies the variant for logs and status.
	Kind() string

	// Detect reports whether a capture device is present.
	Detect(ctx context.Context) bool

	// Open allocates the recording file at path and starts capture.
	Open(ctx context.Context, path string) (Handle, error)
}

// New selects the driver variant from config.
func New(cfg config.Driver) (Driver, error) {
	switch cfg.Kind {
	case config.DriverSim:
		return NewSim(cfg.SimByteRate), nil
	case config.DriverExec:
		return NewExec(cfg.Exec), nil
	case config.DriverFixture:
		return NewFixture(), nil
	default:
		return nil, fmt.Errorf("unknown driver kind %q", cfg.Kind)
	}
}
