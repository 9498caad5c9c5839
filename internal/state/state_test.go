// SPDX-License-Identifier: MIT

package state

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fieldrig/fieldrig/internal/config"
)

func testStore() *Store {
	return NewStore(
		config.Identity{NodeID: "CAM_L", Position: config.PositionLeft, Endpoint: "10.0.0.11:8080"},
		config.Recording{BitrateMbps: 30, MinFreeBytes: 10 << 30},
	)
}

func TestSnapshotDefaults(t *testing.T) {
	snap := testStore().Snapshot()
	require.Equal(t, "CAM_L", snap.NodeID)
	require.False(t, snap.IsMaster)
	require.Equal(t, StateIdle, snap.RecordingState)
	require.Nil(t, snap.SyncOffsetMS, "offset must be unknown before the first sample")
	require.Equal(t, "fail", snap.SyncStatus)
}

func TestMasterDefaultsByPosition(t *testing.T) {
	s := NewStore(config.Identity{NodeID: "CAM_C", Position: config.PositionCenter}, config.Recording{})
	snap := s.Snapshot()
	require.True(t, snap.IsMaster)
	require.Equal(t, "master", snap.SyncStatus)
}

func TestSnapshotMarshalsWithUnknownOffset(t *testing.T) {
	// A NaN leak would make Marshal fail; the nil pointer form must encode.
	data, err := json.Marshal(testStore().Snapshot())
	require.NoError(t, err)
	require.Contains(t, string(data), `"sync_offset_ms":null`)
}

func TestSetSyncAndStorage(t *testing.T) {
	s := testStore()
	s.SetSync(1.25, "ok")
	s.SetStorage(50<<30, 100<<30)

	snap := s.Snapshot()
	require.NotNil(t, snap.SyncOffsetMS)
	require.Equal(t, 1.25, *snap.SyncOffsetMS)
	require.Equal(t, "ok", snap.SyncStatus)
	require.False(t, snap.LowSpaceWarning)
	require.Greater(t, snap.EstimatedMinutesLeft, 0.0)

	s.SetStorage(15<<30, 100<<30) // below 2x MIN_FREE
	require.True(t, s.Snapshot().LowSpaceWarning)
}

func TestRecordingStateRoundTrip(t *testing.T) {
	s := testStore()
	s.SetRecordingState(StateRecording, "GAME_20240315_140000")
	st, session := s.RecordingState()
	require.Equal(t, StateRecording, st)
	require.Equal(t, "GAME_20240315_140000", session)

	s.SetRecordingState(StateIdle, "")
	snap := s.Snapshot()
	require.Equal(t, StateIdle, snap.RecordingState)
	require.Empty(t, snap.CurrentSessionID)
}

func TestTemperatureWindow(t *testing.T) {
	w := NewTemperatureWindow()
	avg, max := w.Stats()
	require.Zero(t, avg)
	require.Zero(t, max)

	w.Record(50)
	w.Record(70)
	avg, max = w.Stats()
	require.Equal(t, 60.0, avg)
	require.Equal(t, 70.0, max)

	w.Reset()
	avg, max = w.Stats()
	require.Zero(t, avg)
	require.Zero(t, max)
}
