// SPDX-License-Identifier: MIT

package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldrig/fieldrig/internal/config"
	"github.com/fieldrig/fieldrig/internal/ident"
	"github.com/fieldrig/fieldrig/internal/registry"
	"github.com/fieldrig/fieldrig/internal/rigerr"
	"github.com/fieldrig/fieldrig/internal/state"
	"github.com/fieldrig/fieldrig/internal/storage"
	"github.com/fieldrig/fieldrig/internal/timesync"
)

// fakeNode is a scripted NodeControl standing in for one camera daemon.
type fakeNode struct {
	mu       sync.Mutex
	snap     state.Snapshot
	armErr   error
	startErr error
	stopErr  error
	record   *storage.Record
	aborted  []string
	cleaned  []string
}

func newFakeNode(id string, free uint64) *fakeNode {
	return &fakeNode{snap: state.Snapshot{
		NodeID:           id,
		CameraDetected:   true,
		RecordingState:   state.StateIdle,
		StorageFreeBytes: free,
		SyncStatus:       "ok",
		TemperatureC:     45,
	}}
}

func (f *fakeNode) Status(context.Context) (state.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap, nil
}

func (f *fakeNode) Arm(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.armErr != nil {
		return f.armErr
	}
	f.snap.RecordingState = state.StateArmed
	f.snap.CurrentSessionID = sessionID
	return nil
}

func (f *fakeNode) Start(_ context.Context, _ string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return time.Time{}, f.startErr
	}
	f.snap.RecordingState = state.StateRecording
	return time.Now().UTC(), nil
}

func (f *fakeNode) Stop(_ context.Context, _ string) (*storage.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return nil, f.stopErr
	}
	f.snap.RecordingState = state.StateIdle
	f.snap.CurrentSessionID = ""
	return f.record, nil
}

func (f *fakeNode) Abort(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, sessionID)
	f.snap.RecordingState = state.StateIdle
	f.snap.CurrentSessionID = ""
	return nil
}

func (f *fakeNode) SyncTrigger(context.Context) (timesync.Sample, error) {
	return timesync.Sample{OffsetMS: 1.2, RTTMS: 8, Status: timesync.StatusOK}, nil
}

func (f *fakeNode) CleanupSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = append(f.cleaned, sessionID)
	return nil
}

// downNode answers nothing, like a powered-off camera.
type downNode struct{}

func (downNode) err() error {
	return rigerr.New(rigerr.ReasonPeerUnreachable, "test", "connection refused")
}

func (d downNode) Status(context.Context) (state.Snapshot, error) { return state.Snapshot{}, d.err() }
func (d downNode) Arm(context.Context, string) error              { return d.err() }
func (d downNode) Start(context.Context, string) (time.Time, error) {
	return time.Time{}, d.err()
}
func (d downNode) Stop(context.Context, string) (*storage.Record, error) { return nil, d.err() }
func (d downNode) Abort(context.Context, string) error                   { return d.err() }
func (d downNode) SyncTrigger(context.Context) (timesync.Sample, error) {
	return timesync.Sample{}, d.err()
}
func (d downNode) CleanupSession(context.Context, string) error { return d.err() }

type cluster struct {
	coord *Coordinator
	local *fakeNode
	nodes map[string]NodeControl
}

func newCluster(t *testing.T, left, right NodeControl) *cluster {
	t.Helper()
	reg, err := registry.New("CAM_C", 5*time.Second, []config.Peer{
		{NodeID: "CAM_L", Endpoint: "10.0.0.11:8080", Position: config.PositionLeft},
		{NodeID: "CAM_R", Endpoint: "10.0.0.13:8080", Position: config.PositionRight},
	})
	require.NoError(t, err)

	c := &cluster{
		local: newFakeNode("CAM_C", 50<<30),
		nodes: map[string]NodeControl{
			"10.0.0.11:8080": left,
			"10.0.0.13:8080": right,
		},
	}
	c.local.snap.SyncStatus = "master"
	c.local.snap.IsMaster = true
	c.coord = New(Options{
		NodeID: "CAM_C",
		Cluster: config.Cluster{
			PeerTimeout:     5 * time.Second,
			ArmTimeout:      500 * time.Millisecond,
			StatusTimeout:   500 * time.Millisecond,
			StopTimeout:     time.Second,
			MinParticipants: 2,
		},
		TestDuration:      30 * time.Millisecond,
		MinFreeBytes:      10 << 30,
		TemperatureLimitC: 75,
		Registry:          reg,
		Local:             c.local,
		Remote:            func(endpoint string) NodeControl { return c.nodes[endpoint] },
	})
	return c
}

func TestStatusAggregation(t *testing.T) {
	left := newFakeNode("CAM_L", 20<<30)
	c := newCluster(t, left, downNode{})

	st := c.coord.Status(context.Background())
	require.Equal(t, 3, st.Summary.CamerasTotal)
	require.Equal(t, 2, st.Summary.CamerasOnline)
	require.False(t, st.Summary.AllSynced, "an offline camera cannot be synced")
	require.False(t, st.Summary.AnyRecording)
	require.InDelta(t, 70.0, st.Summary.TotalStorageFreeGB, 0.01)

	require.True(t, st.Cameras["CAM_L"].Online)
	require.False(t, st.Cameras["CAM_R"].Online)
	require.Equal(t, "peer_unreachable", st.Cameras["CAM_R"].Error)
}

func TestStatusReportsCurrentSession(t *testing.T) {
	left := newFakeNode("CAM_L", 20<<30)
	right := newFakeNode("CAM_R", 20<<30)
	c := newCluster(t, left, right)

	require.NoError(t, left.Arm(context.Background(), "GAME_X"))
	_, err := left.Start(context.Background(), "GAME_X")
	require.NoError(t, err)

	st := c.coord.Status(context.Background())
	require.Equal(t, "GAME_X", st.CurrentSessionID)
	require.True(t, st.Summary.AnyRecording)
}

func TestStartHappyPath(t *testing.T) {
	left := newFakeNode("CAM_L", 20<<30)
	right := newFakeNode("CAM_R", 20<<30)
	c := newCluster(t, left, right)

	res, err := c.coord.Start(context.Background(), "GAME_20240315_140000")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "GAME_20240315_140000", res.SessionID)
	require.Len(t, res.Cameras, 3)
	for id, cam := range res.Cameras {
		require.True(t, cam.Armed, id)
		require.True(t, cam.Started, id)
		require.NotNil(t, cam.StartedAt, id)
		require.Empty(t, cam.Error, id)
	}
	require.Equal(t, state.StateRecording, c.local.snap.RecordingState)
}

func TestStartGeneratesSessionID(t *testing.T) {
	c := newCluster(t, newFakeNode("CAM_L", 20<<30), newFakeNode("CAM_R", 20<<30))
	res, err := c.coord.Start(context.Background(), "")
	require.NoError(t, err)
	require.True(t, ident.ValidSessionID(res.SessionID))
	require.False(t, ident.IsTestSession(res.SessionID))
}

func TestStartRejectsBadSessionID(t *testing.T) {
	c := newCluster(t, newFakeNode("CAM_L", 20<<30), newFakeNode("CAM_R", 20<<30))
	_, err := c.coord.Start(context.Background(), "bad id!")
	require.Equal(t, rigerr.ReasonInvalid, rigerr.ReasonOf(err))
}

func TestStartAbortsAllWhenPeerUnreachable(t *testing.T) {
	left := newFakeNode("CAM_L", 20<<30)
	c := newCluster(t, left, downNode{})

	res, err := c.coord.Start(context.Background(), "TEST_B")
	require.NoError(t, err)
	require.False(t, res.Success)

	require.True(t, res.Cameras["CAM_L"].Armed)
	require.True(t, res.Cameras["CAM_L"].Aborted)
	require.True(t, res.Cameras["CAM_C"].Armed)
	require.True(t, res.Cameras["CAM_C"].Aborted)
	require.Equal(t, "peer_unreachable", res.Cameras["CAM_R"].Error)
	require.False(t, res.Cameras["CAM_R"].Started)

	// No survivor is left armed.
	require.Equal(t, state.StateIdle, left.snap.RecordingState)
	require.Equal(t, state.StateIdle, c.local.snap.RecordingState)
	require.Equal(t, []string{"TEST_B"}, left.aborted)
}

func TestStartQuorum(t *testing.T) {
	left := newFakeNode("CAM_L", 20<<30)
	right := newFakeNode("CAM_R", 20<<30)
	right.startErr = rigerr.New(rigerr.ReasonConflict, "test", "armed for another session")
	c := newCluster(t, left, right)

	// Two of three started meets MIN_PARTICIPANTS=2.
	res, err := c.coord.Start(context.Background(), "GAME_A")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.False(t, res.Cameras["CAM_R"].Started)
	require.Equal(t, "conflict", res.Cameras["CAM_R"].Error)
}

func TestStopReportsPerPeerOutcomes(t *testing.T) {
	left := newFakeNode("CAM_L", 20<<30)
	right := newFakeNode("CAM_R", 20<<30)
	c := newCluster(t, left, right)

	_, err := c.coord.Start(context.Background(), "GAME_A")
	require.NoError(t, err)

	// The local camera fails mid-recording; the survivors finalize.
	c.local.mu.Lock()
	c.local.snap.RecordingState = state.StateError
	c.local.mu.Unlock()
	left.record = &storage.Record{RecordingID: "GAME_A_CAM_L", SizeBytes: 1 << 20}
	right.record = &storage.Record{RecordingID: "GAME_A_CAM_R", SizeBytes: 1 << 20}

	res, err := c.coord.Stop(context.Background())
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "ERROR", res.Cameras["CAM_C"].State)
	require.Nil(t, res.Cameras["CAM_C"].Recording)
	require.Equal(t, "IDLE", res.Cameras["CAM_L"].State)
	require.Equal(t, "GAME_A_CAM_L", res.Cameras["CAM_L"].Recording.RecordingID)
	require.Equal(t, "GAME_A_CAM_R", res.Cameras["CAM_R"].Recording.RecordingID)
}

func TestPreflightStorageFailure(t *testing.T) {
	left := newFakeNode("CAM_L", 5<<30)
	right := newFakeNode("CAM_R", 20<<30)
	c := newCluster(t, left, right)

	res := c.coord.Preflight(context.Background())
	require.False(t, res.Passed)

	var st Check
	found := false
	for _, ck := range res.Cameras["CAM_L"].Checks {
		if ck.Name == "storage" {
			st, found = ck, true
		}
	}
	require.True(t, found)
	require.False(t, st.Passed)
	require.Equal(t, "5 GiB free, need 10", st.Message)

	// The other cameras pass all checks.
	for _, ck := range res.Cameras["CAM_R"].Checks {
		require.True(t, ck.Passed, ck.Name)
	}
	require.True(t, res.Cluster[0].Passed, "all cameras answered")
}

func TestPreflightOfflinePeer(t *testing.T) {
	c := newCluster(t, newFakeNode("CAM_L", 20<<30), downNode{})
	res := c.coord.Preflight(context.Background())
	require.False(t, res.Passed)
	require.False(t, res.Cameras["CAM_R"].Online)
	require.False(t, res.Cluster[0].Passed)
	require.Contains(t, res.Cluster[0].Message, "CAM_R")
}

func TestPreflightIsReadOnly(t *testing.T) {
	left := newFakeNode("CAM_L", 20<<30)
	c := newCluster(t, left, newFakeNode("CAM_R", 20<<30))
	_ = c.coord.Preflight(context.Background())
	require.Equal(t, state.StateIdle, left.snap.RecordingState)
	require.Empty(t, left.aborted)
}

func TestSyncAll(t *testing.T) {
	c := newCluster(t, newFakeNode("CAM_L", 20<<30), downNode{})
	out := c.coord.SyncAll(context.Background())
	require.Len(t, out, 3)
	require.Equal(t, "ok", out["CAM_L"].Status)
	require.Equal(t, "peer_unreachable", out["CAM_R"].Error)
}

func TestTestCycle(t *testing.T) {
	left := newFakeNode("CAM_L", 20<<30)
	right := newFakeNode("CAM_R", 20<<30)
	left.record = &storage.Record{SizeBytes: 4096}
	right.record = &storage.Record{SizeBytes: 4096}
	c := newCluster(t, left, right)
	c.local.record = &storage.Record{SizeBytes: 4096}

	res, err := c.coord.Test(context.Background())
	require.NoError(t, err)
	require.True(t, res.Passed)
	require.True(t, ident.IsTestSession(res.SessionID))
	for id, cam := range res.Cameras {
		require.True(t, cam.Passed, id)
		require.Equal(t, int64(4096), cam.SizeBytes, id)
	}

	// Artifacts are deleted everywhere.
	require.Equal(t, []string{res.SessionID}, left.cleaned)
	require.Equal(t, []string{res.SessionID}, c.local.cleaned)
}

func TestTestCycleFlagsEmptyFile(t *testing.T) {
	left := newFakeNode("CAM_L", 20<<30)
	right := newFakeNode("CAM_R", 20<<30)
	left.record = &storage.Record{SizeBytes: 0}
	right.record = &storage.Record{SizeBytes: 4096}
	c := newCluster(t, left, right)
	c.local.record = &storage.Record{SizeBytes: 4096}

	res, err := c.coord.Test(context.Background())
	require.NoError(t, err)
	require.False(t, res.Passed)
	require.False(t, res.Cameras["CAM_L"].Passed)
	require.True(t, res.Cameras["CAM_R"].Passed)
	require.NotEmpty(t, left.cleaned, "failed test still cleans up")
}

func TestPeerAdmin(t *testing.T) {
	c := newCluster(t, newFakeNode("CAM_L", 20<<30), newFakeNode("CAM_R", 20<<30))

	require.Len(t, c.coord.Peers(), 2)
	require.NoError(t, c.coord.AddPeer("CAM_X", "10.0.0.14:8080", "", false))
	require.Len(t, c.coord.Peers(), 3)
	require.NoError(t, c.coord.RemovePeer("CAM_X"))
	require.Len(t, c.coord.Peers(), 2)
}
