// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldrig/fieldrig/internal/camera"
	"github.com/fieldrig/fieldrig/internal/config"
	"github.com/fieldrig/fieldrig/internal/coordinator"
	"github.com/fieldrig/fieldrig/internal/health"
	"github.com/fieldrig/fieldrig/internal/nodeclient"
	"github.com/fieldrig/fieldrig/internal/recorder"
	"github.com/fieldrig/fieldrig/internal/registry"
	"github.com/fieldrig/fieldrig/internal/state"
	"github.com/fieldrig/fieldrig/internal/storage"
	"github.com/fieldrig/fieldrig/internal/testutil"
	"github.com/fieldrig/fieldrig/internal/timesync"
)

type apiEnv struct {
	srv     *httptest.Server
	fixture *camera.Fixture
	reg     *registry.Registry
	store   *state.Store
	catalog *storage.Catalog
}

func newAPI(t *testing.T) *apiEnv {
	t.Helper()

	id := config.Identity{NodeID: "CAM_C", Position: config.PositionCenter, Endpoint: "10.0.0.12:8080"}
	rec := config.Recording{
		MinFreeBytes: 1 << 20,
		Container:    "mp4",
		Codec:        "h264",
		Width:        1920,
		Height:       1080,
		FPS:          30,
		BitrateMbps:  10,
		StopGrace:    2 * time.Second,
	}

	fixture := camera.NewFixture()
	store := state.NewStore(id, rec)
	store.SetStorage(10<<30, 100<<30)
	store.SetCameraDetected(true)
	layout := storage.Layout{Root: t.TempDir(), Ext: "mp4"}

	catalog := testutil.OpenCatalog(t)

	sync := timesync.NewMonitor(config.Sync{
		Interval:    time.Second,
		ToleranceMS: 5,
		RTTMaxMS:    50,
		Stale:       time.Minute,
	}, true, nil, store)

	engine, err := recorder.New(recorder.Options{
		Identity:        id,
		Recording:       rec,
		Driver:          fixture,
		Store:           store,
		Layout:          layout,
		Catalog:         catalog,
		Sync:            sync,
		Temps:           state.NewTemperatureWindow(),
		ExpectedCameras: func() []string { return []string{"CAM_C"} },
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})

	local := &Local{Engine: engine, Store: store, Sync: sync, Layout: layout, Catalog: catalog}
	reg, err := registry.New("CAM_C", 5*time.Second, nil)
	require.NoError(t, err)

	coord := coordinator.New(coordinator.Options{
		NodeID: "CAM_C",
		Cluster: config.Cluster{
			ArmTimeout:      500 * time.Millisecond,
			StatusTimeout:   500 * time.Millisecond,
			StopTimeout:     2 * time.Second,
			MinParticipants: 1,
		},
		TestDuration:      30 * time.Millisecond,
		MinFreeBytes:      1 << 30,
		TemperatureLimitC: 75,
		Registry:          reg,
		Local:             local,
		Remote:            func(endpoint string) coordinator.NodeControl { return nodeclient.New().Bind(endpoint) },
	})

	server := NewServer(Options{
		Identity:    id,
		Local:       local,
		Coordinator: coord,
		Registry:    reg,
		Catalog:     catalog,
		Health:      health.NewManager("test"),
	})
	srv := httptest.NewServer(server.Router(0))
	t.Cleanup(srv.Close)

	return &apiEnv{srv: srv, fixture: fixture, reg: reg, store: store, catalog: catalog}
}

func (e *apiEnv) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func TestStatusEndpoint(t *testing.T) {
	e := newAPI(t)
	code, body := e.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, code)

	var snap state.Snapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	require.Equal(t, "CAM_C", snap.NodeID)
	require.Equal(t, state.StateIdle, snap.RecordingState)
	require.True(t, snap.CameraDetected)
}

func TestRecordingLifecycleOverHTTP(t *testing.T) {
	e := newAPI(t)
	session := nodeclient.SessionRequest{SessionID: "GAME_20240315_140000"}

	code, _ := e.do(t, http.MethodPost, "/arm", session)
	require.Equal(t, http.StatusOK, code)

	// Arming twice is a state conflict, not a retryable hiccup.
	code, body := e.do(t, http.MethodPost, "/arm", session)
	require.Equal(t, http.StatusConflict, code)
	var eb nodeclient.ErrorResponse
	require.NoError(t, json.Unmarshal(body, &eb))
	require.Equal(t, "conflict", eb.Reason)

	code, body = e.do(t, http.MethodPost, "/start", session)
	require.Equal(t, http.StatusOK, code)
	var started nodeclient.StartResponse
	require.NoError(t, json.Unmarshal(body, &started))
	require.False(t, started.StartedAt.IsZero())

	code, body = e.do(t, http.MethodPost, "/stop", session)
	require.Equal(t, http.StatusOK, code)
	var stopped nodeclient.StopResponse
	require.NoError(t, json.Unmarshal(body, &stopped))
	require.Equal(t, state.StateIdle, stopped.State)
	require.NotNil(t, stopped.Recording)
	require.NotEmpty(t, stopped.Recording.Checksum)

	code, body = e.do(t, http.MethodGet, "/recordings", nil)
	require.Equal(t, http.StatusOK, code)
	var recs []storage.Record
	require.NoError(t, json.Unmarshal(body, &recs))
	require.Len(t, recs, 1)
	require.Equal(t, "GAME_20240315_140000_CAM_C", recs[0].RecordingID)
}

func TestArmRejectsMalformedBody(t *testing.T) {
	e := newAPI(t)
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/arm", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTimeEndpoint(t *testing.T) {
	e := newAPI(t)
	before := time.Now().UnixNano()
	code, body := e.do(t, http.MethodGet, "/time", nil)
	after := time.Now().UnixNano()
	require.Equal(t, http.StatusOK, code)

	var clock timesync.ClockResponse
	require.NoError(t, json.Unmarshal(body, &clock))
	require.Equal(t, "CAM_C", clock.NodeID)
	require.True(t, clock.IsMaster)
	require.LessOrEqual(t, clock.TRecvNS, clock.TSendNS)
	require.GreaterOrEqual(t, clock.TRecvNS, before)
	require.LessOrEqual(t, clock.TSendNS, after)
}

func TestCoordinatorRoundTrip(t *testing.T) {
	e := newAPI(t)

	code, body := e.do(t, http.MethodPost, "/coordinator/preflight", nil)
	require.Equal(t, http.StatusOK, code)
	var pf coordinator.PreflightResult
	require.NoError(t, json.Unmarshal(body, &pf))
	require.True(t, pf.Passed)

	code, body = e.do(t, http.MethodPost, "/coordinator/start", clusterStartRequest{SessionID: "GAME_20240315_140000"})
	require.Equal(t, http.StatusOK, code)
	var start coordinator.StartResult
	require.NoError(t, json.Unmarshal(body, &start))
	require.True(t, start.Success)
	require.Equal(t, "GAME_20240315_140000", start.SessionID)

	code, body = e.do(t, http.MethodGet, "/coordinator/status", nil)
	require.Equal(t, http.StatusOK, code)
	var cs coordinator.ClusterStatus
	require.NoError(t, json.Unmarshal(body, &cs))
	require.Equal(t, "GAME_20240315_140000", cs.CurrentSessionID)
	require.True(t, cs.Summary.AnyRecording)

	code, body = e.do(t, http.MethodPost, "/coordinator/stop", nil)
	require.Equal(t, http.StatusOK, code)
	var stop coordinator.StopResult
	require.NoError(t, json.Unmarshal(body, &stop))
	require.True(t, stop.Success)
}

func TestPeerAdminEndpoints(t *testing.T) {
	e := newAPI(t)

	code, _ := e.do(t, http.MethodPost, "/coordinator/peers", addPeerRequest{
		NodeID: "CAM_L", Endpoint: "10.0.0.11:8080", Position: config.PositionLeft,
	})
	require.Equal(t, http.StatusOK, code)

	code, body := e.do(t, http.MethodGet, "/coordinator/peers", nil)
	require.Equal(t, http.StatusOK, code)
	var peers []registry.Peer
	require.NoError(t, json.Unmarshal(body, &peers))
	require.Len(t, peers, 1)
	require.Equal(t, "CAM_L", peers[0].NodeID)

	code, _ = e.do(t, http.MethodDelete, "/coordinator/peers/CAM_L", nil)
	require.Equal(t, http.StatusOK, code)

	code, body = e.do(t, http.MethodGet, "/coordinator/peers", nil)
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, "[]", string(body))
}

func TestReverseLearningFromHeaders(t *testing.T) {
	e := newAPI(t)

	req, err := http.NewRequest(http.MethodGet, e.srv.URL+"/status", nil)
	require.NoError(t, err)
	req.Header.Set(nodeclient.HeaderNodeID, "CAM_R")
	req.Header.Set(nodeclient.HeaderEndpoint, "10.0.0.13:8080")
	req.Header.Set(nodeclient.HeaderPosition, "right")
	req.Header.Set(nodeclient.HeaderMaster, "true")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()

	peer, ok := e.reg.Get("CAM_R")
	require.True(t, ok)
	require.Equal(t, "10.0.0.13:8080", peer.Endpoint)
	require.Equal(t, "learned", peer.Source)
	require.True(t, peer.Master, "a reconfigured master announces itself off-center")

	master, ok := e.reg.Master()
	require.True(t, ok)
	require.Equal(t, "CAM_R", master.NodeID)
}

func TestRequeueOffloadUnknownRecording(t *testing.T) {
	e := newAPI(t)
	code, _ := e.do(t, http.MethodPost, "/recordings/GAME_X_CAM_C/offload", nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestOffloadStatusWithoutWorker(t *testing.T) {
	e := newAPI(t)
	code, body := e.do(t, http.MethodGet, "/offload/status", nil)
	require.Equal(t, http.StatusOK, code)

	var st nodeclient.OffloadStatus
	require.NoError(t, json.Unmarshal(body, &st))
	require.False(t, st.Enabled)
	require.Equal(t, "disabled", st.BreakerState)
}

func TestCleanupSessionRejectsBadID(t *testing.T) {
	e := newAPI(t)
	code, _ := e.do(t, http.MethodDelete, "/sessions/bad%20id", nil)
	require.Equal(t, http.StatusBadRequest, code)
}
