// SPDX-License-Identifier: MIT

// Package rigerr defines the error vocabulary shared by the cluster control
// plane, the offload path and the ingest server. Every failure that crosses a
// process or API boundary carries a Reason so callers can branch on machine
// tags instead of error strings.
package rigerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Reason is the machine tag attached to a classified error.
type Reason string

const (
	// ReasonPrecondition marks a failed admission check (low storage, sync
	// out of tolerance). Not retryable without operator action.
	ReasonPrecondition Reason = "precondition_failed"

	// ReasonPeerUnreachable marks a timeout or connection failure talking to
	// a peer node or the ingest server.
	ReasonPeerUnreachable Reason = "peer_unreachable"

	// ReasonDriverFailure marks a camera or filesystem fault. Terminal for
	// the current recording.
	ReasonDriverFailure Reason = "driver_failure"

	// ReasonChecksumMismatch marks a client/server hash disagreement after
	// upload finalize.
	ReasonChecksumMismatch Reason = "checksum_mismatch"

	// ReasonTimeout marks a deadline expiry on an awaited operation.
	ReasonTimeout Reason = "timeout"

	// ReasonInvariant marks an internal bug, e.g. a forbidden state machine
	// transition. Never advances state.
	ReasonInvariant Reason = "invariant_violation"

	// ReasonConflict marks an operation arriving in the wrong state
	// (arm while not IDLE, start while not ARMED).
	ReasonConflict Reason = "conflict"

	// ReasonNoCamera marks an absent capture device.
	ReasonNoCamera Reason = "no_camera"

	// ReasonNotFound marks a missing entity (session, upload, recording).
	ReasonNotFound Reason = "not_found"

	// ReasonInvalid marks a malformed request or identifier.
	ReasonInvalid Reason = "invalid_request"
)

// Error is a classified error with an operation name and optional detail.
type Error struct {
	Reason Reason
	Op     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Detail != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Reason, e.Detail, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Reason, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Reason, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Reason)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error with a human-readable detail.
func New(reason Reason, op, detail string) *Error {
	return &Error{Reason: reason, Op: op, Detail: detail}
}

// Newf builds a classified error with a formatted detail.
func Newf(reason Reason, op, format string, args ...any) *Error {
	return &Error{Reason: reason, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(reason Reason, op string, err error) *Error {
	return &Error{Reason: reason, Op: op, Err: err}
}

// ReasonOf extracts the Reason from err, or empty when unclassified.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// Is lets errors.Is match on bare reasons via ReasonError.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Reason == e.Reason
	}
	return false
}

// HTTPStatus maps a classified error to the wire status used by all servers.
func HTTPStatus(err error) int {
	switch ReasonOf(err) {
	case ReasonConflict:
		return http.StatusConflict
	case ReasonPrecondition:
		return http.StatusPreconditionFailed
	case ReasonNoCamera:
		return http.StatusServiceUnavailable
	case ReasonPeerUnreachable:
		return http.StatusBadGateway
	case ReasonTimeout:
		return http.StatusGatewayTimeout
	case ReasonNotFound:
		return http.StatusNotFound
	case ReasonInvalid:
		return http.StatusBadRequest
	case ReasonChecksumMismatch:
		return http.StatusUnprocessableEntity
	case ReasonInvariant:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Exit codes for the control CLI.
const (
	ExitOK           = 0
	ExitGeneric      = 1
	ExitPrecondition = 2
	ExitUnreachable  = 3
	ExitVerification = 4
)

// ExitCode maps a classified error to a CLI exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch ReasonOf(err) {
	case ReasonPrecondition, ReasonConflict, ReasonNoCamera:
		return ExitPrecondition
	case ReasonPeerUnreachable, ReasonTimeout:
		return ExitUnreachable
	case ReasonChecksumMismatch:
		return ExitVerification
	default:
		return ExitGeneric
	}
}

// FromStatus rebuilds a classified error from an HTTP status and reason tag,
// used by clients to round-trip server-side classification.
func FromStatus(status int, reason Reason, op, detail string) *Error {
	if reason == "" {
		switch status {
		case http.StatusConflict:
			reason = ReasonConflict
		case http.StatusPreconditionFailed:
			reason = ReasonPrecondition
		case http.StatusServiceUnavailable:
			reason = ReasonNoCamera
		case http.StatusBadGateway, http.StatusGatewayTimeout:
			reason = ReasonPeerUnreachable
		case http.StatusNotFound:
			reason = ReasonNotFound
		case http.StatusBadRequest:
			reason = ReasonInvalid
		case http.StatusUnprocessableEntity:
			reason = ReasonChecksumMismatch
		default:
			// Unlisted 4xx statuses are rejections of the request itself
			// and must not be retried; only server-side trouble maps to
			// the retryable invariant class.
			if status >= 400 && status < 500 {
				reason = ReasonInvalid
			} else {
				reason = ReasonInvariant
			}
		}
	}
	return &Error{Reason: reason, Op: op, Detail: detail}
}
