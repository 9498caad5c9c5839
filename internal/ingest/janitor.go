// SPDX-License-Identifier: MIT

package ingest

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fieldrig/fieldrig/internal/log"
	"github.com/fieldrig/fieldrig/internal/metrics"
)

// Janitor expires stalled uploads and settles sessions whose completion
// window has lapsed.
type Janitor struct {
	mgr      *Manager
	interval time.Duration
	timeout  time.Duration
}

// NewJanitor creates the janitor from the manager's configuration.
func NewJanitor(mgr *Manager) *Janitor {
	return &Janitor{
		mgr:      mgr,
		interval: mgr.cfg.JanitorInterval,
		timeout:  mgr.cfg.CompleteTimeout,
	}
}

// Run sweeps until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs one pass: expire idle uploads, settle overdue sessions, drop
// orphaned staging directories.
func (j *Janitor) Sweep(ctx context.Context) {
	logger := log.WithComponent("ingest.janitor")
	now := time.Now().UTC()

	uploads, err := j.mgr.store.ListUploads()
	if err != nil {
		logger.Error().Err(err).Msg("list uploads")
		return
	}
	for _, u := range uploads {
		if u.State != UploadActive || now.Sub(u.UpdatedAt) <= j.timeout {
			continue
		}
		if _, err := j.mgr.store.UpdateUpload(u.UploadID, func(u *Upload) error {
			u.State = UploadExpired
			return nil
		}); err != nil {
			logger.Error().Err(err).Str(log.FieldUploadID, u.UploadID).Msg("expire upload")
			continue
		}
		if dir, derr := j.mgr.chunkDir(u); derr == nil {
			_ = os.RemoveAll(dir)
		}
		metrics.IngestUploadClosed()
		logger.Warn().
			Str(log.FieldUploadID, u.UploadID).
			Str(log.FieldRecordingID, u.RecordingID).
			Msg("upload expired")
	}

	sessions, err := j.mgr.store.ListSessions()
	if err != nil {
		logger.Error().Err(err).Msg("list sessions")
		return
	}
	for _, sess := range sessions {
		if sess.Status != SessionCollecting || now.Sub(sess.CreatedAt) <= j.timeout {
			continue
		}
		if len(sess.Confirmed) > 0 {
			// Whoever arrived in time is the session; late cameras missed it.
			if err := j.mgr.publish(ctx, sess.SessionID, SessionPartial); err != nil {
				logger.Error().Err(err).Str(log.FieldSessionID, sess.SessionID).Msg("publish partial")
			}
			continue
		}
		// Nothing confirmed: the session never materialized. Drop the
		// staging leftovers and record the outcome.
		if dir, derr := j.mgr.sessionStagingPath(sess.SessionID); derr == nil {
			_ = os.RemoveAll(dir)
		}
		if _, err := j.mgr.store.UpsertSession(sess.SessionID, func(sess *Session) error {
			sess.Status = SessionPartial
			return nil
		}); err != nil {
			logger.Error().Err(err).Str(log.FieldSessionID, sess.SessionID).Msg("mark partial")
			continue
		}
		j.mgr.invalidateStatus(ctx, sess.SessionID)
		logger.Warn().Str(log.FieldSessionID, sess.SessionID).Msg("empty session expired")
	}

	j.sweepOrphans(sessions)
}

// sweepOrphans removes staging directories with no session record, e.g.
// after a store reset.
func (j *Janitor) sweepOrphans(sessions []Session) {
	known := make(map[string]bool, len(sessions))
	for _, sess := range sessions {
		known[sess.SessionID] = true
	}
	root := filepath.Join(j.mgr.cfg.SessionsRoot, stagingDir)
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() || known[e.Name()] {
			continue
		}
		_ = os.RemoveAll(filepath.Join(root, e.Name()))
		log.WithComponent("ingest.janitor").Warn().
			Str(log.FieldSessionID, e.Name()).
			Msg("orphaned staging directory removed")
	}
}
