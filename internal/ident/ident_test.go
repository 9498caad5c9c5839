// SPDX-License-Identifier: MIT

package ident

import (
	"testing"
	"time"
)

func TestValidSessionID(t *testing.T) {
	valid := []string{"GAME_20240315_140000", "abc", "A_1", "TEST_B12", "x_______________y"}
	for _, id := range valid {
		if !ValidSessionID(id) {
			t.Errorf("ValidSessionID(%q) = false, want true", id)
		}
	}
	invalid := []string{"", "ab", "has space", "has-dash", "slash/inside", "..", "über", string(make([]byte, 65))}
	for _, id := range invalid {
		if ValidSessionID(id) {
			t.Errorf("ValidSessionID(%q) = true, want false", id)
		}
	}
}

func TestGenerateSessionID(t *testing.T) {
	at := time.Date(2024, 3, 15, 14, 0, 0, 0, time.UTC)
	got := GenerateSessionID(at)
	if got != "GAME_20240315_140000" {
		t.Fatalf("GenerateSessionID = %q", got)
	}
	if !ValidSessionID(got) {
		t.Fatal("generated id must satisfy the grammar")
	}
	if !IsTestSession(GenerateTestSessionID(at)) {
		t.Fatal("test session id must carry the TEST_ prefix")
	}
}

func TestRecordingIDRoundTrip(t *testing.T) {
	rid := RecordingID("GAME_20240315_140000", "CAM_L")
	if rid != "GAME_20240315_140000_CAM_L" {
		t.Fatalf("RecordingID = %q", rid)
	}
	session, node, err := SplitRecordingID(rid)
	if err != nil {
		t.Fatalf("SplitRecordingID: %v", err)
	}
	if session != "GAME_20240315_140000" || node != "CAM_L" {
		t.Fatalf("SplitRecordingID = (%q, %q)", session, node)
	}
}

func TestSplitRecordingIDFallback(t *testing.T) {
	session, node, err := SplitRecordingID("sess1_left")
	if err != nil {
		t.Fatalf("SplitRecordingID: %v", err)
	}
	if session != "sess1" || node != "left" {
		t.Fatalf("SplitRecordingID = (%q, %q)", session, node)
	}
	if _, _, err := SplitRecordingID("nounderscore"); err == nil {
		t.Fatal("expected error for malformed id")
	}
}
