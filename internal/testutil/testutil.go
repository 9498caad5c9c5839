// SPDX-License-Identifier: MIT

// Package testutil holds the small helpers shared across package tests.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/fieldrig/fieldrig/internal/storage"
)

// OpenCatalog creates a throwaway recording catalog under t.TempDir and
// closes it when the test ends.
func OpenCatalog(t *testing.T) *storage.Catalog {
	t.Helper()
	catalog, err := storage.OpenCatalog(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { _ = catalog.Close() })
	return catalog
}
