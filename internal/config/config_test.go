// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	require.NoError(t, DefaultNode().Validate())
	require.NoError(t, DefaultIngest().Validate())
}

func TestIsMasterPositionalDefault(t *testing.T) {
	id := Identity{NodeID: "CAM_C", Position: PositionCenter}
	assert.True(t, id.IsMaster())

	id.Position = PositionLeft
	assert.False(t, id.IsMaster())

	explicit := true
	id.Master = &explicit
	assert.True(t, id.IsMaster(), "explicit flag wins over position")
}

func TestLoadNodeFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	doc := `
logLevel: debug
identity:
  nodeId: CAM_L
  position: left
  endpoint: 10.0.0.11:8080
recording:
  root: /tmp/rec
sync:
  toleranceMs: 7.5
cluster:
  peers:
    - nodeId: CAM_C
      endpoint: 10.0.0.12:8080
      position: center
offload:
  enabled: true
  ingestUrl: http://10.0.0.2:8880
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := LoadNode(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "CAM_L", cfg.Identity.NodeID)
	assert.Equal(t, PositionLeft, cfg.Identity.Position)
	assert.False(t, cfg.Identity.IsMaster())
	assert.Equal(t, "/tmp/rec", cfg.Recording.Root)
	assert.Equal(t, 7.5, cfg.Sync.ToleranceMS)
	// Untouched sections keep their defaults.
	assert.Equal(t, DefaultSyncInterval, cfg.Sync.Interval)
	assert.Equal(t, DefaultChunkSize, cfg.Offload.ChunkSize)
	require.Len(t, cfg.Cluster.Peers, 1)
	assert.Equal(t, "CAM_C", cfg.Cluster.Peers[0].NodeID)
}

func TestLoadNodeRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte("identity:\n  nodeld: CAM_L\n"), 0o600))

	_, err := LoadNode(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nodeld")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RIG_NODE_ID", "CAM_R")
	t.Setenv("RIG_POSITION", "right")
	t.Setenv("RIG_MASTER", "true")
	t.Setenv("RIG_MIN_FREE_BYTES", "1073741824")
	t.Setenv("RIG_SYNC_INTERVAL", "30s")
	t.Setenv("RIG_PEERS", "CAM_L=10.0.0.11:8080, CAM_C=10.0.0.12:8080")
	t.Setenv("RIG_OFFLOAD", "false")

	cfg, err := LoadNode("")
	require.NoError(t, err)

	assert.Equal(t, "CAM_R", cfg.Identity.NodeID)
	assert.Equal(t, PositionRight, cfg.Identity.Position)
	assert.True(t, cfg.Identity.IsMaster())
	assert.Equal(t, int64(1<<30), cfg.Recording.MinFreeBytes)
	assert.Equal(t, 30*time.Second, cfg.Sync.Interval)
	assert.False(t, cfg.Offload.Enabled)
	require.Len(t, cfg.Cluster.Peers, 2)
	assert.Equal(t, "10.0.0.12:8080", cfg.Cluster.Peers[1].Endpoint)
}

func TestEnvInvalidValueKeepsPrevious(t *testing.T) {
	t.Setenv("RIG_MIN_FREE_BYTES", "ten gigabytes")
	t.Setenv("RIG_SYNC_INTERVAL", "soon")

	cfg, err := LoadNode("")
	require.NoError(t, err)
	assert.Equal(t, DefaultMinFreeBytes, cfg.Recording.MinFreeBytes)
	assert.Equal(t, DefaultSyncInterval, cfg.Sync.Interval)
}

func TestNodeValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Node)
		want   string
	}{
		{"bad node id", func(c *Node) { c.Identity.NodeID = "cam left" }, "nodeId"},
		{"bad position", func(c *Node) { c.Identity.Position = "middle" }, "position"},
		{"zero min free", func(c *Node) { c.Recording.MinFreeBytes = 0 }, "minFreeBytes"},
		{"bad driver", func(c *Node) { c.Driver.Kind = "gstreamer" }, "driver.kind"},
		{"exec without argv", func(c *Node) { c.Driver.Kind = DriverExec; c.Driver.Exec = nil }, "driver.exec"},
		{"self peer", func(c *Node) {
			c.Cluster.Peers = []Peer{{NodeID: c.Identity.NodeID, Endpoint: "x:1"}}
		}, "this node"},
		{"offload without url", func(c *Node) { c.Offload.Enabled = true; c.Offload.IngestURL = "" }, "ingestUrl"},
		{"two masters", func(c *Node) {
			flagged := true
			c.Cluster.Peers = []Peer{{NodeID: "CAM_L", Endpoint: "10.0.0.11:8080", Position: PositionLeft, Master: &flagged}}
		}, "sync masters"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultNode()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.want), "error %q should mention %q", err, tt.want)
		})
	}
}

func TestIngestValidation(t *testing.T) {
	cfg := DefaultIngest()
	cfg.ExpectedCameras = 0
	require.Error(t, cfg.Validate())

	cfg = DefaultIngest()
	cfg.SessionsRoot = ""
	require.Error(t, cfg.Validate())
}

func TestLoadIngestEnv(t *testing.T) {
	t.Setenv("RIG_SESSIONS_ROOT", "/srv/ingest")
	t.Setenv("RIG_EXPECTED_CAMERAS", "2")
	t.Setenv("RIG_REDIS_ADDR", "127.0.0.1:6379")

	cfg, err := LoadIngest("")
	require.NoError(t, err)
	assert.Equal(t, "/srv/ingest", cfg.SessionsRoot)
	assert.Equal(t, 2, cfg.ExpectedCameras)
	assert.Equal(t, "127.0.0.1:6379", cfg.RedisAddr)
}
