// SPDX-License-Identifier: MIT

// Package nodeclient speaks the node control API: wire types plus a typed
// HTTP client used by the coordinator fan-out, the sync monitor and rigctl.
package nodeclient

import (
	"time"

	"github.com/fieldrig/fieldrig/internal/state"
	"github.com/fieldrig/fieldrig/internal/storage"
)

// SessionRequest is the body of /arm, /start, /stop and /abort.
type SessionRequest struct {
	SessionID string `json:"session_id"`
}

// OKResponse acknowledges a state transition.
type OKResponse struct {
	OK bool `json:"ok"`
}

// StartResponse reports the instant RECORDING was entered.
type StartResponse struct {
	OK        bool      `json:"ok"`
	StartedAt time.Time `json:"started_at"`
}

// StopResponse carries the finalized recording summary. Recording is nil
// when the stop was idempotent for an already-finalized session.
type StopResponse struct {
	OK        bool                 `json:"ok"`
	State     state.RecordingState `json:"state"`
	Recording *storage.Record      `json:"recording,omitempty"`
}

// ErrorResponse is the uniform error body of every server in the rig.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// OffloadStatus reports the upload worker's queue.
type OffloadStatus struct {
	Enabled      bool   `json:"enabled"`
	QueueDepth   int    `json:"queue_depth"`
	Uploading    string `json:"uploading,omitempty"`
	LastError    string `json:"last_error,omitempty"`
	BreakerState string `json:"breaker_state"`
	IngestURL    string `json:"ingest_url,omitempty"`
}
