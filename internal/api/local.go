// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"time"

	"github.com/fieldrig/fieldrig/internal/ident"
	"github.com/fieldrig/fieldrig/internal/recorder"
	"github.com/fieldrig/fieldrig/internal/state"
	"github.com/fieldrig/fieldrig/internal/storage"
	"github.com/fieldrig/fieldrig/internal/timesync"
)

// Local adapts this node's own engine to the coordinator's per-node control
// interface, so the coordinator treats self and peers uniformly.
type Local struct {
	Engine  *recorder.Engine
	Store   *state.Store
	Sync    *timesync.Monitor
	Layout  storage.Layout
	Catalog *storage.Catalog
}

func (l *Local) Status(context.Context) (state.Snapshot, error) {
	return l.Store.Snapshot(), nil
}

func (l *Local) Arm(ctx context.Context, sessionID string) error {
	return l.Engine.Arm(ctx, sessionID)
}

func (l *Local) Start(ctx context.Context, sessionID string) (time.Time, error) {
	return l.Engine.Start(ctx, sessionID)
}

func (l *Local) Stop(ctx context.Context, sessionID string) (*storage.Record, error) {
	return l.Engine.Stop(ctx, sessionID)
}

func (l *Local) Abort(ctx context.Context, sessionID string) error {
	return l.Engine.Abort(ctx, sessionID)
}

func (l *Local) SyncTrigger(ctx context.Context) (timesync.Sample, error) {
	return l.Sync.Trigger(ctx)
}

// CleanupSession removes the session's local artifacts and catalog row, used
// by the coordinator's test cycle.
func (l *Local) CleanupSession(ctx context.Context, sessionID string) error {
	nodeID := l.Store.Identity().NodeID
	if err := l.Catalog.Delete(ctx, ident.RecordingID(sessionID, nodeID)); err != nil {
		return err
	}
	return l.Layout.RemoveSession(sessionID)
}
