// SPDX-License-Identifier: MIT

package rigerr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestReasonOf(t *testing.T) {
	base := New(ReasonPrecondition, "recorder.arm", "5 GiB free, need 10")
	wrapped := fmt.Errorf("arm CAM_L: %w", base)

	if got := ReasonOf(wrapped); got != ReasonPrecondition {
		t.Fatalf("ReasonOf() = %q, want %q", got, ReasonPrecondition)
	}
	if got := ReasonOf(errors.New("plain")); got != "" {
		t.Fatalf("ReasonOf(plain) = %q, want empty", got)
	}
}

func TestErrorIsMatchesReason(t *testing.T) {
	err := Wrap(ReasonTimeout, "nodeclient.status", errors.New("deadline exceeded"))
	if !errors.Is(err, &Error{Reason: ReasonTimeout}) {
		t.Fatal("errors.Is should match on equal reason")
	}
	if errors.Is(err, &Error{Reason: ReasonConflict}) {
		t.Fatal("errors.Is must not match a different reason")
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		reason Reason
		want   int
	}{
		{ReasonConflict, http.StatusConflict},
		{ReasonPrecondition, http.StatusPreconditionFailed},
		{ReasonNoCamera, http.StatusServiceUnavailable},
		{ReasonPeerUnreachable, http.StatusBadGateway},
		{ReasonTimeout, http.StatusGatewayTimeout},
		{ReasonNotFound, http.StatusNotFound},
		{ReasonInvalid, http.StatusBadRequest},
		{ReasonChecksumMismatch, http.StatusUnprocessableEntity},
		{ReasonInvariant, http.StatusInternalServerError},
	}
	for _, tc := range tests {
		if got := HTTPStatus(New(tc.reason, "op", "")); got != tc.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tc.reason, got, tc.want)
		}
	}
	if got := HTTPStatus(errors.New("unclassified")); got != http.StatusInternalServerError {
		t.Errorf("HTTPStatus(unclassified) = %d, want 500", got)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{New(ReasonPrecondition, "op", ""), ExitPrecondition},
		{New(ReasonNoCamera, "op", ""), ExitPrecondition},
		{New(ReasonPeerUnreachable, "op", ""), ExitUnreachable},
		{New(ReasonTimeout, "op", ""), ExitUnreachable},
		{New(ReasonChecksumMismatch, "op", ""), ExitVerification},
		{New(ReasonDriverFailure, "op", ""), ExitGeneric},
		{errors.New("plain"), ExitGeneric},
	}
	for _, tc := range tests {
		if got := ExitCode(tc.err); got != tc.want {
			t.Errorf("ExitCode(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestFromStatusDefaults(t *testing.T) {
	err := FromStatus(http.StatusConflict, "", "nodeclient.arm", "not idle")
	if err.Reason != ReasonConflict {
		t.Fatalf("FromStatus(409) reason = %q, want conflict", err.Reason)
	}
	// Unlisted 4xx codes must classify as non-retryable rejections.
	err = FromStatus(http.StatusTeapot, "", "op", "")
	if err.Reason != ReasonInvalid {
		t.Fatalf("FromStatus(418) reason = %q, want invalid_request", err.Reason)
	}
	err = FromStatus(http.StatusInsufficientStorage, "", "op", "")
	if err.Reason != ReasonInvariant {
		t.Fatalf("FromStatus(507) reason = %q, want invariant_violation", err.Reason)
	}
	err = FromStatus(http.StatusConflict, ReasonPrecondition, "op", "")
	if err.Reason != ReasonPrecondition {
		t.Fatalf("explicit reason not preserved: %q", err.Reason)
	}
}

func TestErrorStringShape(t *testing.T) {
	err := Wrap(ReasonDriverFailure, "camera.stop", errors.New("write error"))
	want := "camera.stop: driver_failure: write error"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}
