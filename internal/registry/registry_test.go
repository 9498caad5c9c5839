// SPDX-License-Identifier: MIT

package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldrig/fieldrig/internal/config"
	"github.com/fieldrig/fieldrig/internal/rigerr"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := New("CAM_C", 5*time.Second, []config.Peer{
		{NodeID: "CAM_L", Endpoint: "10.0.0.11:8080", Position: config.PositionLeft},
		{NodeID: "CAM_R", Endpoint: "10.0.0.13:8080", Position: config.PositionRight},
	})
	require.NoError(t, err)
	return r
}

func TestStaticSeeding(t *testing.T) {
	r := newTestRegistry(t)
	peers := r.List()
	require.Len(t, peers, 2)
	require.Equal(t, "CAM_L", peers[0].NodeID)
	require.Equal(t, "static", peers[0].Source)
	require.False(t, peers[0].Online, "never seen peers start offline")
}

func TestSelfPeerRejected(t *testing.T) {
	_, err := New("CAM_C", time.Second, []config.Peer{
		{NodeID: "CAM_C", Endpoint: "10.0.0.12:8080"},
	})
	require.Error(t, err)
}

func TestObservePrecedence(t *testing.T) {
	r := newTestRegistry(t)

	// A discovered announcement must not override a static endpoint.
	r.Observe("CAM_L", "10.9.9.9:9999", config.PositionLeft, false, SourceDiscovered)
	p, ok := r.Get("CAM_L")
	require.True(t, ok)
	require.Equal(t, "10.0.0.11:8080", p.Endpoint)
	require.True(t, p.Online, "observation still refreshes liveness")

	// Unknown peers are added with their observed source.
	r.Observe("CAM_X", "10.0.0.14:8080", "", false, SourceLearned)
	p, ok = r.Get("CAM_X")
	require.True(t, ok)
	require.Equal(t, "learned", p.Source)

	// Discovery outranks reverse-learning and may move the endpoint.
	r.Observe("CAM_X", "10.0.0.15:8080", config.PositionRight, false, SourceDiscovered)
	p, _ = r.Get("CAM_X")
	require.Equal(t, "10.0.0.15:8080", p.Endpoint)
	require.Equal(t, "discovered", p.Source)

	// Bad endpoints are dropped silently.
	r.Observe("CAM_Y", "not-an-endpoint", "", false, SourceDiscovered)
	_, ok = r.Get("CAM_Y")
	require.False(t, ok)
}

func TestMasterResolution(t *testing.T) {
	// Default rig: the center camera is the master.
	r := newTestRegistry(t)
	_, ok := r.Master()
	require.False(t, ok, "left and right peers carry no master flag")

	r.Observe("CAM_M", "10.0.0.12:8080", config.PositionCenter, true, SourceDiscovered)
	m, ok := r.Master()
	require.True(t, ok)
	require.Equal(t, "CAM_M", m.NodeID)
}

func TestMasterOnNonCenterNode(t *testing.T) {
	// The center camera died and CAM_L was reconfigured as master. Slaves
	// must follow the flag, not the position.
	flagged := true
	r, err := New("CAM_R", 5*time.Second, []config.Peer{
		{NodeID: "CAM_L", Endpoint: "10.0.0.11:8080", Position: config.PositionLeft, Master: &flagged},
		{NodeID: "CAM_C", Endpoint: "10.0.0.12:8080", Position: config.PositionCenter, Master: new(bool)},
	})
	require.NoError(t, err)

	m, ok := r.Master()
	require.True(t, ok)
	require.Equal(t, "CAM_L", m.NodeID)
	require.True(t, m.Master)
	require.Equal(t, config.PositionLeft, m.Position)

	// Without an explicit flag the center peer defaults to master.
	r2, err := New("CAM_R", 5*time.Second, []config.Peer{
		{NodeID: "CAM_C", Endpoint: "10.0.0.12:8080", Position: config.PositionCenter},
	})
	require.NoError(t, err)
	m, ok = r2.Master()
	require.True(t, ok)
	require.Equal(t, "CAM_C", m.NodeID)
}

func TestOnlineWindow(t *testing.T) {
	r, err := New("CAM_C", 50*time.Millisecond, []config.Peer{
		{NodeID: "CAM_L", Endpoint: "10.0.0.11:8080"},
	})
	require.NoError(t, err)

	r.MarkSeen("CAM_L")
	p, _ := r.Get("CAM_L")
	require.True(t, p.Online)

	time.Sleep(80 * time.Millisecond)
	p, _ = r.Get("CAM_L")
	require.False(t, p.Online)
}

func TestRemove(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Remove("CAM_L"))
	err := r.Remove("CAM_L")
	require.Equal(t, rigerr.ReasonNotFound, rigerr.ReasonOf(err))
}

func TestProbeAllMarksReachablePeers(t *testing.T) {
	r := newTestRegistry(t)

	var mu sync.Mutex
	probed := map[string]bool{}
	probe := func(_ context.Context, endpoint string) error {
		mu.Lock()
		probed[endpoint] = true
		mu.Unlock()
		if endpoint == "10.0.0.13:8080" {
			return errors.New("connection refused")
		}
		return nil
	}

	p := NewProber(r, probe, time.Minute, 100*time.Millisecond)
	p.ProbeAll(context.Background())

	require.Len(t, probed, 2)
	l, _ := r.Get("CAM_L")
	require.True(t, l.Online)
	rr, _ := r.Get("CAM_R")
	require.False(t, rr.Online, "failed probe must not refresh liveness")
}
