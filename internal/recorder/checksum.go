// SPDX-License-Identifier: MIT

package recorder

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// FileSHA256 streams the closed recording file through SHA-256. Called only
// after the driver has finalized the file.
func FileSHA256(path string) (checksum string, size int64, err error) {
	f, err := os.Open(path) // #nosec G304 -- path is built from validated ids
	if err != nil {
		return "", 0, fmt.Errorf("open for checksum: %w", err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
