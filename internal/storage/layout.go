// SPDX-License-Identifier: MIT

// Package storage owns the node-side recording layout and the durable
// recording catalog that drives the offload queue across restarts.
package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fieldrig/fieldrig/internal/fsutil"
	"github.com/fieldrig/fieldrig/internal/ident"
)

// Layout resolves recording paths under the configured root:
// {root}/{session_id}/{node_id}/{recording_id}.{ext} with a sibling .json
// manifest.
type Layout struct {
	Root string
	Ext  string
}

// RecordingPath allocates the path for a session's recording on this node.
// Both identifiers have been validated against the id grammar, and the
// confinement check keeps a hostile session id inside the root regardless.
func (l Layout) RecordingPath(sessionID, nodeID string) (string, error) {
	rel := filepath.Join(sessionID, nodeID, ident.RecordingID(sessionID, nodeID)+"."+l.Ext)
	path, err := fsutil.ConfineRelPath(l.Root, rel)
	if err != nil {
		return "", fmt.Errorf("recording path: %w", err)
	}
	return path, nil
}

// EnsureSessionDir creates the per-session node directory.
func (l Layout) EnsureSessionDir(sessionID, nodeID string) error {
	dir, err := fsutil.ConfineRelPath(l.Root, filepath.Join(sessionID, nodeID))
	if err != nil {
		return err
	}
	return fsutil.EnsureDir(dir)
}

// RemoveSession deletes a session's local directory tree, used by the test
// cycle and confirmed-recording cleanup.
func (l Layout) RemoveSession(sessionID string) error {
	dir, err := fsutil.ConfineRelPath(l.Root, sessionID)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}
