// SPDX-License-Identifier: MIT

// Package recorder drives the per-node recording lifecycle: the bounded
// IDLE/ARMED/RECORDING/FINALIZING/ERROR machine, the camera driver, and
// crash-consistent finalization (checksum, manifest, catalog row).
package recorder

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fieldrig/fieldrig/internal/buildinfo"
	"github.com/fieldrig/fieldrig/internal/camera"
	"github.com/fieldrig/fieldrig/internal/config"
	"github.com/fieldrig/fieldrig/internal/fsm"
	"github.com/fieldrig/fieldrig/internal/ident"
	"github.com/fieldrig/fieldrig/internal/log"
	"github.com/fieldrig/fieldrig/internal/manifest"
	"github.com/fieldrig/fieldrig/internal/metrics"
	"github.com/fieldrig/fieldrig/internal/rigerr"
	"github.com/fieldrig/fieldrig/internal/state"
	"github.com/fieldrig/fieldrig/internal/storage"
	"github.com/fieldrig/fieldrig/internal/timesync"
)

// Event names the lifecycle inputs.
type Event string

const (
	EventArm          Event = "arm"
	EventStart        Event = "start"
	EventAbort        Event = "abort"
	EventStop         Event = "stop"
	EventDriverFail   Event = "driver_fail"
	EventFinalizeOK   Event = "ok"
	EventFinalizeFail Event = "fail"
	EventReset        Event = "reset"
)

func transitions() []fsm.Transition[state.RecordingState, Event] {
	return []fsm.Transition[state.RecordingState, Event]{
		{From: state.StateIdle, Event: EventArm, To: state.StateArmed},
		{From: state.StateArmed, Event: EventStart, To: state.StateRecording},
		{From: state.StateArmed, Event: EventAbort, To: state.StateIdle},
		{From: state.StateRecording, Event: EventStop, To: state.StateFinalizing},
		{From: state.StateRecording, Event: EventDriverFail, To: state.StateError},
		{From: state.StateFinalizing, Event: EventFinalizeOK, To: state.StateIdle},
		{From: state.StateFinalizing, Event: EventFinalizeFail, To: state.StateError},
		{From: state.StateError, Event: EventReset, To: state.StateIdle},
	}
}

// Options wires the engine's collaborators.
type Options struct {
	Identity  config.Identity
	Recording config.Recording
	Driver    camera.Driver
	Store     *state.Store
	Layout    storage.Layout
	Catalog   *storage.Catalog
	Sync      *timesync.Monitor
	Temps     *state.TemperatureWindow

	// ExpectedCameras lists the cluster's camera set for the manifest.
	ExpectedCameras func() []string

	// OnLocal is invoked after a recording reaches LOCAL; the offload
	// worker hangs off this. Test sessions are not announced.
	OnLocal func(storage.Record)
}

// Engine is the per-node recording state machine. All operations are
// serialized by the machine's own mutex via fire; status reads snapshot the
// state store.
type Engine struct {
	opts    Options
	machine *fsm.Machine[state.RecordingState, Event]

	// mu serializes lifecycle operations; only one transition runs at a
	// time per node. Status reads go through the state store's own lock.
	mu        sync.Mutex
	sessionID string
	path      string
	handle    camera.Handle
	startedAt time.Time
	startSync timesync.Sample
	armGen    uint64 // invalidates the failure watcher of a finished arm

	lastFinalized struct {
		sessionID string
		record    storage.Record
	}
}

// New creates the engine in IDLE.
func New(opts Options) (*Engine, error) {
	m, err := fsm.New(state.StateIdle, transitions())
	if err != nil {
		return nil, err
	}
	e := &Engine{opts: opts, machine: m}
	return e, nil
}

// fire applies one event, translating machine rejections to conflicts and
// mirroring every accepted transition into the state store and metrics.
func (e *Engine) fire(ctx context.Context, ev Event, sessionID string) error {
	from := e.machine.State()
	to, err := e.machine.Fire(ctx, ev)
	if err != nil {
		return rigerr.Newf(rigerr.ReasonConflict, "recorder."+string(ev), "not allowed in state %s", from)
	}
	// IDLE clears the session handle; ERROR keeps it so the snapshot names
	// the failed session until reset.
	session := sessionID
	if to == state.StateIdle {
		session = ""
	}
	e.opts.Store.SetRecordingState(to, session)
	metrics.StateTransition(string(from), string(to), string(ev))
	log.WithComponent("recorder").Info().
		Str(log.FieldOldState, string(from)).
		Str(log.FieldNewState, string(to)).
		Str(log.FieldEvent, string(ev)).
		Str(log.FieldSessionID, sessionID).
		Msg("state transition")
	return nil
}

// State returns the current lifecycle state.
func (e *Engine) State() state.RecordingState { return e.machine.State() }

// Arm validates preconditions, allocates the recording file and opens the
// driver. Typed failures map to the §6 status codes at the API boundary.
func (e *Engine) Arm(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !ident.ValidSessionID(sessionID) {
		return rigerr.Newf(rigerr.ReasonInvalid, "recorder.arm", "session id %q does not match the grammar", sessionID)
	}
	if st := e.machine.State(); st != state.StateIdle {
		return rigerr.Newf(rigerr.ReasonConflict, "recorder.arm", "not allowed in state %s", st)
	}
	if !e.opts.Driver.Detect(ctx) {
		e.opts.Store.SetCameraDetected(false)
		return rigerr.New(rigerr.ReasonNoCamera, "recorder.arm", "no capture device detected")
	}
	e.opts.Store.SetCameraDetected(true)

	snap := e.opts.Store.Snapshot()
	if snap.StorageFreeBytes < uint64(e.opts.Recording.MinFreeBytes) {
		metrics.RecordingFailed("arm")
		return rigerr.Newf(rigerr.ReasonPrecondition, "recorder.arm",
			"%.1f GiB free, need %.1f", gib(snap.StorageFreeBytes), gib(uint64(e.opts.Recording.MinFreeBytes)))
	}
	if !e.opts.Sync.WithinTolerance() {
		metrics.RecordingFailed("arm")
		return rigerr.New(rigerr.ReasonPrecondition, "recorder.arm", "clock offset outside sync tolerance")
	}

	if err := e.opts.Layout.EnsureSessionDir(sessionID, e.opts.Identity.NodeID); err != nil {
		return rigerr.Wrap(rigerr.ReasonDriverFailure, "recorder.arm", err)
	}
	path, err := e.opts.Layout.RecordingPath(sessionID, e.opts.Identity.NodeID)
	if err != nil {
		return rigerr.Wrap(rigerr.ReasonInvalid, "recorder.arm", err)
	}
	handle, err := e.opts.Driver.Open(ctx, path)
	if err != nil {
		metrics.RecordingFailed("arm")
		return rigerr.Wrap(rigerr.ReasonDriverFailure, "recorder.arm", err)
	}

	if err := e.fire(ctx, EventArm, sessionID); err != nil {
		_ = handle.Abort()
		return err
	}
	e.sessionID = sessionID
	e.path = path
	e.handle = handle
	e.armGen++
	go e.watchDriver(handle, sessionID, e.armGen)
	return nil
}

// watchDriver turns an asynchronous driver failure during RECORDING into
// the ERROR transition. The partial file is preserved and marked FAILED.
func (e *Engine) watchDriver(h camera.Handle, sessionID string, gen uint64) {
	err, ok := <-h.Failed()
	if !ok || err == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	// Only act if this arm generation is still the active one.
	if e.armGen != gen || e.sessionID != sessionID {
		return
	}
	if ferr := e.fire(context.Background(), EventDriverFail, sessionID); ferr != nil {
		return
	}
	metrics.RecordingFailed("driver")
	log.WithComponent("recorder").Error().
		Err(err).
		Str(log.FieldSessionID, sessionID).
		Msg("driver failure, recording lost")

	rec := storage.Record{
		RecordingID:  ident.RecordingID(sessionID, e.opts.Identity.NodeID),
		SessionID:    sessionID,
		NodeID:       e.opts.Identity.NodeID,
		FilePath:     e.path,
		ManifestPath: manifest.PathFor(e.path),
		OffloadState: storage.OffloadFailed,
		LastError:    err.Error(),
	}
	if info, serr := os.Stat(e.path); serr == nil {
		rec.SizeBytes = info.Size()
	}
	if e.opts.Catalog != nil {
		if perr := e.opts.Catalog.Put(context.Background(), rec); perr != nil {
			log.WithComponent("recorder").Error().Err(perr).Msg("record failed recording")
		}
	}
}

// Start enters RECORDING. sessionID may be empty to accept whatever was
// armed; otherwise it must match.
func (e *Engine) Start(ctx context.Context, sessionID string) (time.Time, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if sessionID != "" && sessionID != e.sessionID {
		return time.Time{}, rigerr.Newf(rigerr.ReasonConflict, "recorder.start",
			"armed for %s, not %s", e.sessionID, sessionID)
	}
	if err := e.fire(ctx, EventStart, e.sessionID); err != nil {
		return time.Time{}, err
	}
	// Monotonic reading rides along in the Time value for the duration
	// computation; wall clock feeds the manifest.
	e.startedAt = time.Now()
	e.startSync = e.opts.Sync.Current()
	if e.opts.Temps != nil {
		e.opts.Temps.Reset()
	}
	metrics.RecordingStarted()
	return e.startedAt.UTC(), nil
}

// Abort discards an armed session.
func (e *Engine) Abort(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if sessionID != "" && sessionID != e.sessionID {
		return rigerr.Newf(rigerr.ReasonConflict, "recorder.abort", "armed for %s, not %s", e.sessionID, sessionID)
	}
	if err := e.fire(ctx, EventAbort, e.sessionID); err != nil {
		return err
	}
	if e.handle != nil {
		if err := e.handle.Abort(); err != nil {
			log.WithComponent("recorder").Warn().Err(err).Msg("driver abort failed")
		}
	}
	e.clearSession()
	return nil
}

// Stop finalizes the active recording. Idempotent per session: stopping an
// already-finalized session succeeds again with the same summary.
// Finalization proceeds even if the caller's context is already gone.
func (e *Engine) Stop(ctx context.Context, sessionID string) (*storage.Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopLocked(ctx, sessionID)
}

func (e *Engine) stopLocked(ctx context.Context, sessionID string) (*storage.Record, error) {
	if st := e.machine.State(); st != state.StateRecording {
		if sessionID != "" && sessionID == e.lastFinalized.sessionID {
			rec := e.lastFinalized.record
			return &rec, nil
		}
		return nil, rigerr.Newf(rigerr.ReasonConflict, "recorder.stop", "not allowed in state %s", st)
	}
	if sessionID != "" && sessionID != e.sessionID {
		return nil, rigerr.Newf(rigerr.ReasonConflict, "recorder.stop", "recording %s, not %s", e.sessionID, sessionID)
	}
	if err := e.fire(ctx, EventStop, e.sessionID); err != nil {
		return nil, err
	}

	// A network hiccup must not lose a stopped recording: finalize under a
	// context detached from the caller's.
	fctx := context.WithoutCancel(ctx)
	rec, err := e.finalize(fctx)
	if err != nil {
		_ = e.fire(fctx, EventFinalizeFail, e.sessionID)
		metrics.RecordingFailed("finalize")
		return nil, rigerr.Wrap(rigerr.ReasonDriverFailure, "recorder.stop", err)
	}
	session := e.sessionID
	if err := e.fire(fctx, EventFinalizeOK, session); err != nil {
		return nil, err
	}
	e.lastFinalized.sessionID = session
	e.lastFinalized.record = *rec
	e.clearSession()
	metrics.RecordingFinalized(rec.SizeBytes)

	if e.opts.OnLocal != nil && !ident.IsTestSession(session) {
		e.opts.OnLocal(*rec)
	}
	return rec, nil
}

// finalize closes the driver, hashes the file, writes the manifest and
// inserts the catalog row in LOCAL.
func (e *Engine) finalize(ctx context.Context) (*storage.Record, error) {
	stopCtx, cancel := context.WithTimeout(ctx, e.opts.Recording.StopGrace)
	defer cancel()
	res, err := e.handle.Stop(stopCtx)
	if err != nil {
		return nil, err
	}

	duration := time.Since(e.startedAt)
	checksum, size, err := FileSHA256(res.Path)
	if err != nil {
		return nil, err
	}

	endedAt := time.Now().UTC()
	m := e.buildManifest(res, checksum, size, duration, endedAt)
	manifestPath := manifest.PathFor(res.Path)
	if err := manifest.Write(manifestPath, m); err != nil {
		return nil, err
	}

	rec := storage.Record{
		RecordingID:  ident.RecordingID(e.sessionID, e.opts.Identity.NodeID),
		SessionID:    e.sessionID,
		NodeID:       e.opts.Identity.NodeID,
		FilePath:     res.Path,
		ManifestPath: manifestPath,
		SizeBytes:    size,
		DurationSec:  duration.Seconds(),
		Checksum:     checksum,
		OffloadState: storage.OffloadLocal,
	}
	if e.opts.Catalog != nil {
		if err := e.opts.Catalog.Put(ctx, rec); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}

func (e *Engine) buildManifest(res camera.Result, checksum string, size int64, duration time.Duration, endedAt time.Time) *manifest.Manifest {
	hostname, _ := os.Hostname()
	var avgC, maxC float64
	if e.opts.Temps != nil {
		avgC, maxC = e.opts.Temps.Stats()
	}
	var expected []string
	if e.opts.ExpectedCameras != nil {
		expected = e.opts.ExpectedCameras()
	}
	syncOK := e.startSync.Status == timesync.StatusOK || e.startSync.Status == timesync.StatusMaster
	offset := e.startSync.OffsetMS
	if e.startSync.Status == timesync.StatusMaster {
		offset = 0
	}
	return &manifest.Manifest{
		Version: manifest.Version,
		Recording: manifest.Recording{
			ID:        ident.RecordingID(e.sessionID, e.opts.Identity.NodeID),
			SessionID: e.sessionID,
			NodeID:    e.opts.Identity.NodeID,
			Position:  string(e.opts.Identity.Position),
		},
		File: manifest.File{
			Name:      filepath.Base(res.Path),
			SizeBytes: size,
			Container: e.opts.Recording.Container,
			Codec:     e.opts.Recording.Codec,
		},
		Video: manifest.Video{
			Width:       e.opts.Recording.Width,
			Height:      e.opts.Recording.Height,
			FPS:         e.opts.Recording.FPS,
			BitrateMbps: e.opts.Recording.BitrateMbps,
			DurationSec: duration.Seconds(),
		},
		Timing: manifest.Timing{
			StartTime:    e.startedAt.UTC().Format(time.RFC3339Nano),
			EndTime:      endedAt.Format(time.RFC3339Nano),
			SyncOK:       syncOK,
			SyncOffsetMS: offset,
		},
		Checksum: manifest.Checksum{Algorithm: manifest.Algorithm, Value: checksum},
		Device: manifest.Device{
			Hostname:        hostname,
			Endpoint:        e.opts.Identity.Endpoint,
			SoftwareVersion: buildinfo.Version,
		},
		Quality: manifest.Quality{
			DroppedFrames:   res.DroppedFrames,
			TemperatureAvgC: avgC,
			TemperatureMaxC: maxC,
		},
		ExpectedCameras: expected,
	}
}

// Reset acknowledges an ERROR and returns to IDLE.
func (e *Engine) Reset(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.fire(ctx, EventReset, e.sessionID); err != nil {
		return err
	}
	e.clearSession()
	return nil
}

// Shutdown stops and finalizes an in-progress recording before exit.
func (e *Engine) Shutdown(ctx context.Context) error {
	switch e.machine.State() {
	case state.StateRecording:
		_, err := e.Stop(ctx, "")
		return err
	case state.StateArmed:
		return e.Abort(ctx, "")
	default:
		return nil
	}
}

func (e *Engine) clearSession() {
	e.sessionID = ""
	e.path = ""
	e.handle = nil
	e.armGen++
}

func gib(b uint64) float64 { return float64(b) / (1 << 30) }


