// SPDX-License-Identifier: MIT

// Package coordinator orchestrates the cluster from any node: aggregate
// status, preflight, two-phase start, stop, sync trigger and the end-to-end
// test cycle. It keeps no state of its own; every operation fans out to the
// current registry view plus the local node and reports per-peer outcomes.
package coordinator

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fieldrig/fieldrig/internal/config"
	"github.com/fieldrig/fieldrig/internal/ident"
	"github.com/fieldrig/fieldrig/internal/log"
	"github.com/fieldrig/fieldrig/internal/metrics"
	"github.com/fieldrig/fieldrig/internal/registry"
	"github.com/fieldrig/fieldrig/internal/rigerr"
	"github.com/fieldrig/fieldrig/internal/state"
	"github.com/fieldrig/fieldrig/internal/storage"
	"github.com/fieldrig/fieldrig/internal/timesync"
)

// NodeControl is the control surface of one camera node. The local node
// implements it directly on the recorder; remote peers go through the node
// client.
type NodeControl interface {
	Status(ctx context.Context) (state.Snapshot, error)
	Arm(ctx context.Context, sessionID string) error
	Start(ctx context.Context, sessionID string) (time.Time, error)
	Stop(ctx context.Context, sessionID string) (*storage.Record, error)
	Abort(ctx context.Context, sessionID string) error
	SyncTrigger(ctx context.Context) (timesync.Sample, error)
	CleanupSession(ctx context.Context, sessionID string) error
}

// Options wires the coordinator.
type Options struct {
	NodeID            string
	Cluster           config.Cluster
	TestDuration      time.Duration
	MinFreeBytes      int64
	TemperatureLimitC float64

	Registry *registry.Registry
	Local    NodeControl
	// Remote builds a control for a peer endpoint.
	Remote func(endpoint string) NodeControl
}

// Coordinator fans control operations out over the cluster.
type Coordinator struct {
	opts Options
}

// New creates the coordinator.
func New(opts Options) *Coordinator {
	return &Coordinator{opts: opts}
}

// target is one fan-out destination, the local node included.
type target struct {
	nodeID  string
	control NodeControl
	remote  bool
}

func (c *Coordinator) targets() []target {
	peers := c.opts.Registry.List()
	out := make([]target, 0, len(peers)+1)
	out = append(out, target{nodeID: c.opts.NodeID, control: c.opts.Local})
	for _, p := range peers {
		out = append(out, target{nodeID: p.NodeID, control: c.opts.Remote(p.Endpoint), remote: true})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].nodeID < out[j].nodeID })
	return out
}

// fanOut runs fn against every target in parallel with a per-call timeout
// and returns the per-node errors. It never aborts early; every peer gets
// its chance and every outcome is reported.
func (c *Coordinator) fanOut(ctx context.Context, op string, targets []target, timeout time.Duration, fn func(ctx context.Context, t target) error) map[string]error {
	started := time.Now()
	var mu sync.Mutex
	errs := make(map[string]error, len(targets))

	g, ctx := errgroup.WithContext(ctx)
	for _, t := range targets {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			err := fn(cctx, t)
			if err != nil {
				metrics.FanoutPeerError(op, string(rigerr.ReasonOf(err)))
			} else if t.remote {
				c.opts.Registry.MarkSeen(t.nodeID)
			}
			mu.Lock()
			errs[t.nodeID] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	metrics.ObserveFanout(op, time.Since(started))
	return errs
}

// Summary is the condensed cluster view for dashboards.
type Summary struct {
	CamerasOnline      int     `json:"cameras_online"`
	CamerasTotal       int     `json:"cameras_total"`
	AllSynced          bool    `json:"all_synced"`
	AnyRecording       bool    `json:"any_recording"`
	TotalStorageFreeGB float64 `json:"total_storage_free_gb"`
}

// NodeStatus is one node's slot in the aggregate status.
type NodeStatus struct {
	Online bool            `json:"online"`
	State  *state.Snapshot `json:"state,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ClusterStatus is the aggregate status response.
type ClusterStatus struct {
	CurrentSessionID string                `json:"current_session_id,omitempty"`
	Summary          Summary               `json:"summary"`
	Cameras          map[string]NodeStatus `json:"cameras"`
}

// Status aggregates every node's state. An unreachable peer is reported
// offline; the call itself never fails.
func (c *Coordinator) Status(ctx context.Context) ClusterStatus {
	targets := c.targets()
	var mu sync.Mutex
	cameras := make(map[string]NodeStatus, len(targets))

	c.fanOut(ctx, "status", targets, c.opts.Cluster.StatusTimeout, func(ctx context.Context, t target) error {
		snap, err := t.control.Status(ctx)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			cameras[t.nodeID] = NodeStatus{Error: string(rigerr.ReasonOf(err))}
			return err
		}
		cameras[t.nodeID] = NodeStatus{Online: true, State: &snap}
		return nil
	})

	out := ClusterStatus{Cameras: cameras}
	out.Summary.CamerasTotal = len(targets)
	out.Summary.AllSynced = true
	for _, ns := range cameras {
		if !ns.Online {
			out.Summary.AllSynced = false
			continue
		}
		out.Summary.CamerasOnline++
		snap := ns.State
		if snap.SyncStatus != string(timesync.StatusOK) && snap.SyncStatus != string(timesync.StatusMaster) {
			out.Summary.AllSynced = false
		}
		if snap.RecordingState == state.StateRecording {
			out.Summary.AnyRecording = true
		}
		if snap.CurrentSessionID != "" && out.CurrentSessionID == "" {
			out.CurrentSessionID = snap.CurrentSessionID
		}
		out.Summary.TotalStorageFreeGB += float64(snap.StorageFreeBytes) / (1 << 30)
	}
	if out.Summary.CamerasOnline == 0 {
		out.Summary.AllSynced = false
	}
	metrics.SetPeersOnline(out.Summary.CamerasOnline)
	return out
}

// CameraStart is one node's outcome in a two-phase start.
type CameraStart struct {
	Armed     bool       `json:"armed,omitempty"`
	Started   bool       `json:"started,omitempty"`
	Aborted   bool       `json:"aborted,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Error     string     `json:"error,omitempty"`
	Detail    string     `json:"detail,omitempty"`
}

// StartResult is the cluster outcome of a start.
type StartResult struct {
	Success   bool                   `json:"success"`
	SessionID string                 `json:"session_id"`
	Cameras   map[string]CameraStart `json:"cameras"`
}

// Start runs the two-phase start: arm everyone, abort the survivors if any
// arm failed, otherwise start everyone. Success requires at least
// MinParticipants recording; fewer is reported as a failed start with the
// partial listing intact.
func (c *Coordinator) Start(ctx context.Context, sessionID string) (StartResult, error) {
	if sessionID == "" {
		sessionID = ident.GenerateSessionID(time.Now().UTC())
	}
	if !ident.ValidSessionID(sessionID) {
		return StartResult{}, rigerr.Newf(rigerr.ReasonInvalid, "coordinator.start", "session id %q does not match the grammar", sessionID)
	}

	logger := log.WithComponent("coordinator")
	targets := c.targets()
	res := StartResult{SessionID: sessionID, Cameras: make(map[string]CameraStart, len(targets))}

	armErrs := c.fanOut(ctx, "arm", targets, c.opts.Cluster.ArmTimeout, func(ctx context.Context, t target) error {
		return t.control.Arm(ctx, sessionID)
	})
	armFailed := false
	for id, err := range armErrs {
		if err != nil {
			armFailed = true
			res.Cameras[id] = CameraStart{Error: string(rigerr.ReasonOf(err)), Detail: err.Error()}
		} else {
			res.Cameras[id] = CameraStart{Armed: true}
		}
	}

	if armFailed {
		// One unarmed camera invalidates the whole session; release the
		// survivors before anyone starts writing.
		armed := make([]target, 0, len(targets))
		for _, t := range targets {
			if res.Cameras[t.nodeID].Armed {
				armed = append(armed, t)
			}
		}
		abortErrs := c.fanOut(ctx, "abort", armed, c.opts.Cluster.ArmTimeout, func(ctx context.Context, t target) error {
			return t.control.Abort(ctx, sessionID)
		})
		for id, err := range abortErrs {
			cam := res.Cameras[id]
			cam.Aborted = err == nil
			res.Cameras[id] = cam
		}
		logger.Warn().Str(log.FieldSessionID, sessionID).Msg("arm phase failed, session aborted")
		return res, nil
	}

	var mu sync.Mutex
	startedAt := make(map[string]time.Time, len(targets))
	startErrs := c.fanOut(ctx, "start", targets, c.opts.Cluster.ArmTimeout, func(ctx context.Context, t target) error {
		at, err := t.control.Start(ctx, sessionID)
		if err != nil {
			return err
		}
		mu.Lock()
		startedAt[t.nodeID] = at
		mu.Unlock()
		return nil
	})
	started := 0
	for id, err := range startErrs {
		cam := res.Cameras[id]
		if err != nil {
			cam.Error = string(rigerr.ReasonOf(err))
			cam.Detail = err.Error()
		} else {
			cam.Started = true
			at := startedAt[id]
			cam.StartedAt = &at
			started++
		}
		res.Cameras[id] = cam
	}

	quorum := c.opts.Cluster.MinParticipants
	if quorum <= 0 {
		quorum = 1
	}
	res.Success = started >= quorum
	logger.Info().
		Str(log.FieldSessionID, sessionID).
		Int("started", started).
		Bool("success", res.Success).
		Msg("cluster start")
	return res, nil
}

// CameraStop is one node's outcome in a cluster stop.
type CameraStop struct {
	State     string          `json:"state"`
	Recording *storage.Record `json:"recording,omitempty"`
	Error     string          `json:"error,omitempty"`
	Detail    string          `json:"detail,omitempty"`
}

// StopResult is the cluster outcome of a stop.
type StopResult struct {
	Success bool                  `json:"success"`
	Cameras map[string]CameraStop `json:"cameras"`
}

// Stop finalizes every recording node, bounded by StopTimeout overall.
// Nodes in other states are reported as-is; a crashed peer errors alone.
func (c *Coordinator) Stop(ctx context.Context) (StopResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Cluster.StopTimeout)
	defer cancel()

	targets := c.targets()
	var mu sync.Mutex
	res := StopResult{Cameras: make(map[string]CameraStop, len(targets))}
	finalized, failed := 0, 0

	c.fanOut(ctx, "stop", targets, c.opts.Cluster.StopTimeout, func(ctx context.Context, t target) error {
		snap, err := t.control.Status(ctx)
		if err != nil {
			mu.Lock()
			res.Cameras[t.nodeID] = CameraStop{Error: string(rigerr.ReasonOf(err)), Detail: err.Error()}
			mu.Unlock()
			return err
		}
		if snap.RecordingState != state.StateRecording {
			mu.Lock()
			res.Cameras[t.nodeID] = CameraStop{State: string(snap.RecordingState)}
			mu.Unlock()
			return nil
		}
		rec, err := t.control.Stop(ctx, snap.CurrentSessionID)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			failed++
			res.Cameras[t.nodeID] = CameraStop{
				State:  string(state.StateRecording),
				Error:  string(rigerr.ReasonOf(err)),
				Detail: err.Error(),
			}
			return err
		}
		finalized++
		res.Cameras[t.nodeID] = CameraStop{State: string(state.StateIdle), Recording: rec}
		return nil
	})

	res.Success = finalized > 0 && failed == 0
	return res, nil
}

// CameraSync is one node's outcome of a forced sync pass.
type CameraSync struct {
	OffsetMS float64 `json:"offset_ms"`
	RTTMS    float64 `json:"rtt_ms"`
	Status   string  `json:"status"`
	Error    string  `json:"error,omitempty"`
}

// SyncAll triggers an immediate sync pass on every node.
func (c *Coordinator) SyncAll(ctx context.Context) map[string]CameraSync {
	targets := c.targets()
	var mu sync.Mutex
	out := make(map[string]CameraSync, len(targets))

	c.fanOut(ctx, "sync", targets, c.opts.Cluster.StatusTimeout, func(ctx context.Context, t target) error {
		sample, err := t.control.SyncTrigger(ctx)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			out[t.nodeID] = CameraSync{Error: string(rigerr.ReasonOf(err))}
			return err
		}
		out[t.nodeID] = CameraSync{OffsetMS: sample.OffsetMS, RTTMS: sample.RTTMS, Status: string(sample.Status)}
		return nil
	})
	return out
}

// Peers returns the registry view.
func (c *Coordinator) Peers() []registry.Peer {
	return c.opts.Registry.List()
}

// AddPeer registers a peer via the admin API.
func (c *Coordinator) AddPeer(nodeID, endpoint string, position config.Position, master bool) error {
	return c.opts.Registry.Add(nodeID, endpoint, position, master)
}

// RemovePeer drops a peer via the admin API.
func (c *Coordinator) RemovePeer(nodeID string) error {
	return c.opts.Registry.Remove(nodeID)
}
