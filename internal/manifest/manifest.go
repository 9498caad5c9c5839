// SPDX-License-Identifier: MIT

// Package manifest defines the JSON document that accompanies every
// recording. The manifest is written atomically next to the recording at
// finalization and re-verified by the ingest server; its checksum is the
// end-to-end integrity anchor.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fieldrig/fieldrig/internal/fsutil"
)

// Version is the schema version written by this release. Readers tolerate
// unknown fields and reject unknown major versions.
const Version = "1"

// Algorithm is the only checksum algorithm the protocol speaks.
const Algorithm = "sha256"

// Recording identifies the artifact.
type Recording struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	NodeID    string `json:"node_id"`
	Position  string `json:"position"`
}

// File describes the container file.
type File struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
	Container string `json:"container"`
	Codec     string `json:"codec"`
}

// Video describes the capture parameters.
type Video struct {
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	FPS         int     `json:"fps"`
	BitrateMbps float64 `json:"bitrate_mbps"`
	DurationSec float64 `json:"duration_sec"`
}

// Timing carries the cross-node alignment data used by downstream stitching.
type Timing struct {
	StartTime    string  `json:"start_time"`
	EndTime      string  `json:"end_time"`
	SyncOK       bool    `json:"sync_ok"`
	SyncOffsetMS float64 `json:"sync_offset_ms"`
}

// Checksum is the full-file hash.
type Checksum struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

// Device identifies the producing node.
type Device struct {
	Hostname        string `json:"hostname"`
	Endpoint        string `json:"endpoint"`
	SoftwareVersion string `json:"software_version"`
}

// Quality carries per-recording health stats.
type Quality struct {
	DroppedFrames   int64   `json:"dropped_frames"`
	TemperatureAvgC float64 `json:"temperature_avg_c"`
	TemperatureMaxC float64 `json:"temperature_max_c"`
}

// Manifest is the complete document.
type Manifest struct {
	Version         string    `json:"version"`
	Recording       Recording `json:"recording"`
	File            File      `json:"file"`
	Video           Video     `json:"video"`
	Timing          Timing    `json:"timing"`
	Checksum        Checksum  `json:"checksum"`
	Device          Device    `json:"device"`
	Quality         Quality   `json:"quality"`
	ExpectedCameras []string  `json:"expected_cameras"`
}

// Validate rejects documents this reader cannot act on.
func (m *Manifest) Validate() error {
	if err := CheckVersion(m.Version); err != nil {
		return err
	}
	if m.Recording.ID == "" || m.Recording.SessionID == "" || m.Recording.NodeID == "" {
		return fmt.Errorf("manifest: recording identity incomplete")
	}
	if m.Checksum.Algorithm != Algorithm {
		return fmt.Errorf("manifest: unsupported checksum algorithm %q", m.Checksum.Algorithm)
	}
	if m.Checksum.Value == "" {
		return fmt.Errorf("manifest: empty checksum")
	}
	if m.File.SizeBytes < 0 {
		return fmt.Errorf("manifest: negative file size")
	}
	return nil
}

// CheckVersion accepts any minor revision of a known major version.
func CheckVersion(v string) error {
	if v == "" {
		return fmt.Errorf("manifest: missing version")
	}
	major := v
	if i := strings.IndexByte(v, '.'); i >= 0 {
		major = v[:i]
	}
	n, err := strconv.Atoi(major)
	if err != nil {
		return fmt.Errorf("manifest: malformed version %q", v)
	}
	if n != 1 {
		return fmt.Errorf("manifest: unsupported major version %d", n)
	}
	return nil
}

// Write persists the manifest atomically at path.
func Write(path string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := fsutil.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("write manifest %s: %w", path, err)
	}
	return nil
}

// Read loads and validates a manifest. Unknown fields are tolerated.
func Read(path string) (*Manifest, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is built from validated ids
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	return Decode(data)
}

// Decode parses and validates manifest bytes.
func Decode(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// PathFor returns the sibling manifest path of a recording file.
func PathFor(recordingPath string) string {
	return strings.TrimSuffix(recordingPath, extOf(recordingPath)) + ".json"
}

func extOf(path string) string {
	if i := strings.LastIndexByte(path, '.'); i >= 0 && !strings.ContainsRune(path[i:], '/') {
		return path[i:]
	}
	return ""
}
