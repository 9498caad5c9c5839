// SPDX-License-Identifier: MIT

// Package ident holds the identifier grammar shared by nodes and the ingest
// server: session IDs, recording IDs and their generated forms.
package ident

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// SessionIDPattern is the accepted session identifier grammar.
const SessionIDPattern = `^[A-Za-z0-9_]{3,64}$`

// TestSessionPrefix marks self-check sessions whose artifacts are discarded
// and never offloaded.
const TestSessionPrefix = "TEST_"

var (
	sessionIDRe = regexp.MustCompile(SessionIDPattern)
	nodeIDRe    = regexp.MustCompile(`^[A-Za-z0-9_]{1,32}$`)
)

// ValidSessionID reports whether id matches the session grammar.
func ValidSessionID(id string) bool {
	return sessionIDRe.MatchString(id)
}

// ValidNodeID reports whether id is usable as a node identifier. Node IDs
// embed into recording IDs, so they share the session charset.
func ValidNodeID(id string) bool {
	return nodeIDRe.MatchString(id)
}

// GenerateSessionID returns the auto-generated form GAME_YYYYMMDD_HHMMSS for
// the given instant (normally the master clock).
func GenerateSessionID(t time.Time) string {
	return "GAME_" + t.UTC().Format("20060102_150405")
}

// GenerateTestSessionID returns a TEST_-prefixed session id for self-checks.
func GenerateTestSessionID(t time.Time) string {
	return TestSessionPrefix + t.UTC().Format("20060102_150405")
}

// IsTestSession reports whether the session was created by the test cycle.
func IsTestSession(sessionID string) bool {
	return strings.HasPrefix(sessionID, TestSessionPrefix)
}

// RecordingID derives the per-node recording identifier for a session.
func RecordingID(sessionID, nodeID string) string {
	return sessionID + "_" + nodeID
}

// SplitRecordingID recovers session and node from a recording id produced by
// RecordingID. Node IDs may themselves contain underscores, so the split uses
// the known node id when available; this variant assumes the CAM_X convention
// of a two-segment node suffix and falls back to the last segment.
func SplitRecordingID(recordingID string) (sessionID, nodeID string, err error) {
	i := strings.LastIndex(recordingID, "_CAM_")
	if i > 0 {
		return recordingID[:i], recordingID[i+1:], nil
	}
	i = strings.LastIndex(recordingID, "_")
	if i <= 0 || i == len(recordingID)-1 {
		return "", "", fmt.Errorf("malformed recording id %q", recordingID)
	}
	return recordingID[:i], recordingID[i+1:], nil
}
