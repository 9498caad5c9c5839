// SPDX-License-Identifier: MIT

// Package state holds the per-node authoritative state: recording status,
// storage, sync offset, temperature. Reads take a consistent snapshot under
// the same mutex that transitions hold, so status never observes a
// half-applied change.
package state

import (
	"math"
	"sync"
	"time"

	"github.com/fieldrig/fieldrig/internal/config"
)

// RecordingState is the bounded lifecycle state of the node.
type RecordingState string

const (
	StateIdle       RecordingState = "IDLE"
	StateArmed      RecordingState = "ARMED"
	StateRecording  RecordingState = "RECORDING"
	StateFinalizing RecordingState = "FINALIZING"
	StateError      RecordingState = "ERROR"
)

// Snapshot is the externally visible node state. SyncOffsetMS is nil while
// no sync sample has been accepted (the NaN case of the data model).
type Snapshot struct {
	NodeID           string          `json:"node_id"`
	Position         config.Position `json:"position"`
	IsMaster         bool            `json:"is_master"`
	Endpoint         string          `json:"endpoint"`
	CameraDetected   bool            `json:"camera_detected"`
	RecordingState   RecordingState  `json:"recording_state"`
	CurrentSessionID string          `json:"current_session_id,omitempty"`
	StorageFreeBytes uint64          `json:"storage_free_bytes"`
	StorageTotal     uint64          `json:"storage_total_bytes"`
	SyncOffsetMS     *float64        `json:"sync_offset_ms"`
	SyncStatus       string          `json:"sync_status"`
	TemperatureC     float64         `json:"temperature_c"`
	LastHeartbeatAt  time.Time       `json:"last_heartbeat_at"`

	// Derived guidance for the dashboard.
	EstimatedMinutesLeft float64 `json:"estimated_recording_minutes_left"`
	LowSpaceWarning      bool    `json:"low_space_warning"`
}

// Store owns the mutable node state.
type Store struct {
	mu sync.Mutex

	identity config.Identity
	bitrate  float64 // Mbps, for the minutes-left estimate
	minFree  int64

	cameraDetected bool
	recState       RecordingState
	sessionID      string
	storageFree    uint64
	storageTotal   uint64
	syncOffsetMS   float64 // NaN while unknown
	syncStatus     string
	temperatureC   float64
	heartbeatAt    time.Time
}

// NewStore creates the state store for this node's identity.
func NewStore(id config.Identity, rec config.Recording) *Store {
	status := "fail"
	if id.IsMaster() {
		status = "master"
	}
	return &Store{
		identity:     id,
		bitrate:      rec.BitrateMbps,
		minFree:      rec.MinFreeBytes,
		recState:     StateIdle,
		syncOffsetMS: math.NaN(),
		syncStatus:   status,
		heartbeatAt:  time.Now().UTC(),
	}
}

// Snapshot returns a consistent copy of the node state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		NodeID:           s.identity.NodeID,
		Position:         s.identity.Position,
		IsMaster:         s.identity.IsMaster(),
		Endpoint:         s.identity.Endpoint,
		CameraDetected:   s.cameraDetected,
		RecordingState:   s.recState,
		CurrentSessionID: s.sessionID,
		StorageFreeBytes: s.storageFree,
		StorageTotal:     s.storageTotal,
		SyncStatus:       s.syncStatus,
		TemperatureC:     s.temperatureC,
		LastHeartbeatAt:  s.heartbeatAt,
		LowSpaceWarning:  s.minFree > 0 && s.storageFree < uint64(2*s.minFree),
	}
	if !math.IsNaN(s.syncOffsetMS) {
		v := s.syncOffsetMS
		snap.SyncOffsetMS = &v
	}
	if s.bitrate > 0 {
		bytesPerMinute := s.bitrate * 1e6 / 8 * 60
		snap.EstimatedMinutesLeft = float64(s.storageFree) / bytesPerMinute
	}
	return snap
}

// SetRecordingState records a lifecycle transition. sessionID is empty when
// returning to IDLE.
func (s *Store) SetRecordingState(st RecordingState, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recState = st
	s.sessionID = sessionID
	s.heartbeatAt = time.Now().UTC()
}

// RecordingState returns the current lifecycle state and session.
func (s *Store) RecordingState() (RecordingState, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recState, s.sessionID
}

// SetCameraDetected records the driver's detection answer.
func (s *Store) SetCameraDetected(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cameraDetected = ok
	s.heartbeatAt = time.Now().UTC()
}

// SetStorage records sampled disk usage.
func (s *Store) SetStorage(free, total uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storageFree = free
	s.storageTotal = total
	s.heartbeatAt = time.Now().UTC()
}

// SetSync records a sync sample and its classification.
func (s *Store) SetSync(offsetMS float64, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncOffsetMS = offsetMS
	s.syncStatus = status
	s.heartbeatAt = time.Now().UTC()
}

// SetTemperature records the latest sensor reading.
func (s *Store) SetTemperature(c float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.temperatureC = c
	s.heartbeatAt = time.Now().UTC()
}

// Identity returns the immutable node identity.
func (s *Store) Identity() config.Identity { return s.identity }
