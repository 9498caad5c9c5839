// SPDX-License-Identifier: MIT

package nodeclient

import (
	"context"
	"net/http"

	"github.com/fieldrig/fieldrig/internal/config"
	"github.com/fieldrig/fieldrig/internal/coordinator"
	"github.com/fieldrig/fieldrig/internal/registry"
	"github.com/fieldrig/fieldrig/internal/storage"
)

// Coordinator API methods, used by rigctl. Any node answers these; the
// receiving node performs the fan-out itself.

// ClusterStatus fetches the aggregate cluster view from a node.
func (c *Client) ClusterStatus(ctx context.Context, endpoint string) (coordinator.ClusterStatus, error) {
	var out coordinator.ClusterStatus
	err := c.do(ctx, http.MethodGet, endpoint, "/coordinator/status", nil, &out)
	return out, err
}

// Preflight runs the cluster readiness checks.
func (c *Client) Preflight(ctx context.Context, endpoint string) (coordinator.PreflightResult, error) {
	var out coordinator.PreflightResult
	err := c.do(ctx, http.MethodPost, endpoint, "/coordinator/preflight", nil, &out)
	return out, err
}

type clusterStartRequest struct {
	SessionID string `json:"session_id,omitempty"`
}

// ClusterStart runs the two-phase start. sessionID may be empty; the
// coordinator generates one.
func (c *Client) ClusterStart(ctx context.Context, endpoint, sessionID string) (coordinator.StartResult, error) {
	var out coordinator.StartResult
	err := c.do(ctx, http.MethodPost, endpoint, "/coordinator/start", clusterStartRequest{SessionID: sessionID}, &out)
	return out, err
}

// ClusterStop stops the current session on every node.
func (c *Client) ClusterStop(ctx context.Context, endpoint string) (coordinator.StopResult, error) {
	var out coordinator.StopResult
	err := c.do(ctx, http.MethodPost, endpoint, "/coordinator/stop", nil, &out)
	return out, err
}

// SyncAll forces a sync pass across the cluster.
func (c *Client) SyncAll(ctx context.Context, endpoint string) (map[string]coordinator.CameraSync, error) {
	var out map[string]coordinator.CameraSync
	err := c.do(ctx, http.MethodPost, endpoint, "/coordinator/sync", nil, &out)
	return out, err
}

// TestCycle runs the short recording test on every node.
func (c *Client) TestCycle(ctx context.Context, endpoint string) (coordinator.TestResult, error) {
	var out coordinator.TestResult
	err := c.do(ctx, http.MethodPost, endpoint, "/coordinator/test", nil, &out)
	return out, err
}

// Peers lists the node's registry.
func (c *Client) Peers(ctx context.Context, endpoint string) ([]registry.Peer, error) {
	var out []registry.Peer
	err := c.do(ctx, http.MethodGet, endpoint, "/coordinator/peers", nil, &out)
	return out, err
}

type addPeerRequest struct {
	NodeID   string          `json:"node_id"`
	Endpoint string          `json:"endpoint"`
	Position config.Position `json:"position"`
	Master   bool            `json:"master"`
}

// AddPeer registers a static peer on a node.
func (c *Client) AddPeer(ctx context.Context, endpoint, nodeID, peerEndpoint string, position config.Position, master bool) error {
	return c.do(ctx, http.MethodPost, endpoint, "/coordinator/peers",
		addPeerRequest{NodeID: nodeID, Endpoint: peerEndpoint, Position: position, Master: master}, nil)
}

// RemovePeer drops a peer from a node's registry.
func (c *Client) RemovePeer(ctx context.Context, endpoint, nodeID string) error {
	return c.do(ctx, http.MethodDelete, endpoint, "/coordinator/peers/"+nodeID, nil, nil)
}

// Recordings lists a node's local catalog.
func (c *Client) Recordings(ctx context.Context, endpoint string) ([]storage.Record, error) {
	var out []storage.Record
	err := c.do(ctx, http.MethodGet, endpoint, "/recordings", nil, &out)
	return out, err
}

// RequeueOffload puts a recording back on a node's upload queue.
func (c *Client) RequeueOffload(ctx context.Context, endpoint, recordingID string) error {
	return c.do(ctx, http.MethodPost, endpoint, "/recordings/"+recordingID+"/offload", nil, nil)
}

// OffloadStatus reports a node's upload queue.
func (c *Client) OffloadStatus(ctx context.Context, endpoint string) (OffloadStatus, error) {
	var out OffloadStatus
	err := c.do(ctx, http.MethodGet, endpoint, "/offload/status", nil, &out)
	return out, err
}
