// SPDX-License-Identifier: MIT

package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fieldrig/fieldrig/internal/rigerr"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := OpenCatalog(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func rec(id string) Record {
	return Record{
		RecordingID:  id + "_CAM_L",
		SessionID:    id,
		NodeID:       "CAM_L",
		FilePath:     "/rec/" + id + "/CAM_L/" + id + "_CAM_L.mp4",
		ManifestPath: "/rec/" + id + "/CAM_L/" + id + "_CAM_L.json",
		SizeBytes:    2048,
		DurationSec:  10,
		Checksum:     "abcd",
		OffloadState: OffloadLocal,
	}
}

func TestCatalogPutGet(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, rec("GAME_A")))

	got, err := c.Get(ctx, "GAME_A_CAM_L")
	require.NoError(t, err)
	require.Equal(t, OffloadLocal, got.OffloadState)
	require.Equal(t, int64(2048), got.SizeBytes)

	_, err = c.Get(ctx, "missing")
	var rerr *rigerr.Error
	require.True(t, errors.As(err, &rerr))
	require.Equal(t, rigerr.ReasonNotFound, rerr.Reason)
}

func TestCatalogPendingQueueOrder(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, rec("GAME_A")))
	require.NoError(t, c.Put(ctx, rec("GAME_B")))

	r, ok, err := c.NextPending(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "GAME_A_CAM_L", r.RecordingID)

	n, err := c.CountPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// CONFIRMED leaves the queue; a crashed UPLOADING row stays in it.
	require.NoError(t, c.SetOffloadState(ctx, "GAME_A_CAM_L", OffloadConfirmed, ""))
	require.NoError(t, c.SetOffloadState(ctx, "GAME_B_CAM_L", OffloadUploading, ""))

	r, ok, err = c.NextPending(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "GAME_B_CAM_L", r.RecordingID)

	require.NoError(t, c.SetOffloadState(ctx, "GAME_B_CAM_L", OffloadFailed, "checksum mismatch"))
	_, ok, err = c.NextPending(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCatalogAttemptsAndDelete(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, rec("GAME_A")))
	require.NoError(t, c.IncrementAttempts(ctx, "GAME_A_CAM_L"))
	require.NoError(t, c.IncrementAttempts(ctx, "GAME_A_CAM_L"))

	got, err := c.Get(ctx, "GAME_A_CAM_L")
	require.NoError(t, err)
	require.Equal(t, 2, got.Attempts)

	require.NoError(t, c.Delete(ctx, "GAME_A_CAM_L"))
	_, err = c.Get(ctx, "GAME_A_CAM_L")
	require.Error(t, err)
}

func TestCatalogSetStateUnknownRecording(t *testing.T) {
	c := openTestCatalog(t)
	err := c.SetOffloadState(context.Background(), "nope", OffloadConfirmed, "")
	require.Equal(t, rigerr.ReasonNotFound, rigerr.ReasonOf(err))
}

func TestLayoutPaths(t *testing.T) {
	l := Layout{Root: t.TempDir(), Ext: "mp4"}

	p, err := l.RecordingPath("GAME_20240315_140000", "CAM_L")
	require.NoError(t, err)
	require.Contains(t, p, "GAME_20240315_140000/CAM_L/GAME_20240315_140000_CAM_L.mp4")

	_, err = l.RecordingPath("../evil", "CAM_L")
	require.Error(t, err)

	require.NoError(t, l.EnsureSessionDir("GAME_20240315_140000", "CAM_L"))
	require.NoError(t, l.RemoveSession("GAME_20240315_140000"))
}
