// SPDX-License-Identifier: MIT

package fsutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestConfineRelPath(t *testing.T) {
	root := t.TempDir()

	tests := []struct {
		name    string
		rel     string
		wantErr bool
	}{
		{"plain", "GAME_20240315_140000/CAM_L/recording.mp4", false},
		{"dotdot", "../escape", true},
		{"nested dotdot", "a/../../escape", true},
		{"absolute", "/etc/passwd", true},
		{"backslash", "a\\b", true},
		{"dot segments collapse", "a/./b", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ConfineRelPath(root, tt.rel)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ConfineRelPath(%q) = %q, want error", tt.rel, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ConfineRelPath(%q): %v", tt.rel, err)
			}
			if !strings.HasPrefix(got, root) {
				t.Fatalf("confined path %q escapes root %q", got, root)
			}
		})
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deep", "manifest.json")

	if err := WriteFileAtomic(path, []byte(`{"version":"1"}`), 0o644); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != `{"version":"1"}` {
		t.Fatalf("unexpected content %q", data)
	}

	// Overwrite must replace, not append.
	if err := WriteFileAtomic(path, []byte(`{}`), 0o644); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	data, _ = os.ReadFile(path)
	if string(data) != `{}` {
		t.Fatalf("overwrite left %q", data)
	}
}

func TestIsRegularFile(t *testing.T) {
	dir := t.TempDir()
	if err := IsRegularFile(dir); err == nil {
		t.Fatal("directory accepted as regular file")
	}
	path := filepath.Join(dir, "f")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := IsRegularFile(path); err != nil {
		t.Fatalf("IsRegularFile: %v", err)
	}
}
