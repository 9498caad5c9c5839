// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID   = "session_id"
	FieldRecordingID = "recording_id"
	FieldRequestID   = "request_id"
	FieldNodeID      = "node_id"
	FieldPeerID      = "peer_id"
	FieldUploadID    = "upload_id"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Sync fields
	FieldOffsetMS = "offset_ms"
	FieldRTTMS    = "rtt_ms"

	// Path fields
	FieldPath = "path"
)
