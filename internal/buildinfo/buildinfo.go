// SPDX-License-Identifier: MIT

// Package buildinfo carries build-time identity for the fieldrig binaries.
package buildinfo

var (
	// Version is the release version, populated via ldflags.
	Version = "v0.4.0"

	// Commit is the git short hash of the build.
	Commit = "unknown"

	// Date is the build timestamp.
	Date = "unknown"
)
