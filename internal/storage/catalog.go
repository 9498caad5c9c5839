// SPDX-License-Identifier: MIT

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure Go sqlite driver

	"github.com/fieldrig/fieldrig/internal/fsutil"
	"github.com/fieldrig/fieldrig/internal/rigerr"
)

// OffloadState is the upload lifecycle of a local recording.
type OffloadState string

const (
	OffloadLocal     OffloadState = "LOCAL"
	OffloadUploading OffloadState = "UPLOADING"
	OffloadUploaded  OffloadState = "UPLOADED"
	OffloadConfirmed OffloadState = "CONFIRMED"
	OffloadFailed    OffloadState = "FAILED"
)

// Record is one catalog row: a finalized recording and its offload progress.
type Record struct {
	RecordingID  string       `json:"recording_id"`
	SessionID    string       `json:"session_id"`
	NodeID       string       `json:"node_id"`
	FilePath     string       `json:"file_path"`
	ManifestPath string       `json:"manifest_path"`
	SizeBytes    int64        `json:"size_bytes"`
	DurationSec  float64      `json:"duration_seconds"`
	Checksum     string       `json:"checksum"`
	OffloadState OffloadState `json:"offload_state"`
	Attempts     int          `json:"attempts"`
	LastError    string       `json:"last_error,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS recordings (
	recording_id     TEXT PRIMARY KEY,
	session_id       TEXT NOT NULL,
	node_id          TEXT NOT NULL,
	file_path        TEXT NOT NULL,
	manifest_path    TEXT NOT NULL,
	size_bytes       INTEGER NOT NULL,
	duration_seconds REAL NOT NULL,
	checksum         TEXT NOT NULL,
	offload_state    TEXT NOT NULL,
	attempts         INTEGER NOT NULL DEFAULT 0,
	last_error       TEXT NOT NULL DEFAULT '',
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_recordings_offload_state ON recordings(offload_state);
CREATE INDEX IF NOT EXISTS idx_recordings_session ON recordings(session_id);
`

// Catalog is the sqlite-backed recording store.
type Catalog struct {
	db *sql.DB
}

// OpenCatalog opens (and if needed creates) the catalog database. WAL mode
// and a busy timeout let the HTTP handlers and the upload worker share it.
func OpenCatalog(path string) (*Catalog, error) {
	if err := fsutil.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent workers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init catalog schema: %w", err)
	}
	return &Catalog{db: db}, nil
}

// Close releases the database.
func (c *Catalog) Close() error { return c.db.Close() }

// Put inserts or replaces a recording row.
func (c *Catalog) Put(ctx context.Context, r Record) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	created := now
	if !r.CreatedAt.IsZero() {
		created = r.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO recordings (recording_id, session_id, node_id, file_path, manifest_path,
			size_bytes, duration_seconds, checksum, offload_state, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(recording_id) DO UPDATE SET
			file_path=excluded.file_path, manifest_path=excluded.manifest_path,
			size_bytes=excluded.size_bytes, duration_seconds=excluded.duration_seconds,
			checksum=excluded.checksum, offload_state=excluded.offload_state,
			updated_at=excluded.updated_at`,
		r.RecordingID, r.SessionID, r.NodeID, r.FilePath, r.ManifestPath,
		r.SizeBytes, r.DurationSec, r.Checksum, string(r.OffloadState), r.Attempts, r.LastError, created, now)
	if err != nil {
		return fmt.Errorf("catalog put %s: %w", r.RecordingID, err)
	}
	return nil
}

const selectCols = `recording_id, session_id, node_id, file_path, manifest_path,
	size_bytes, duration_seconds, checksum, offload_state, attempts, last_error, created_at, updated_at`

func scanRecord(row interface{ Scan(...any) error }) (Record, error) {
	var r Record
	var st, created, updated string
	err := row.Scan(&r.RecordingID, &r.SessionID, &r.NodeID, &r.FilePath, &r.ManifestPath,
		&r.SizeBytes, &r.DurationSec, &r.Checksum, &st, &r.Attempts, &r.LastError, &created, &updated)
	if err != nil {
		return Record{}, err
	}
	r.OffloadState = OffloadState(st)
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return r, nil
}

// Get fetches one recording.
func (c *Catalog) Get(ctx context.Context, recordingID string) (Record, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+selectCols+` FROM recordings WHERE recording_id = ?`, recordingID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, rigerr.Newf(rigerr.ReasonNotFound, "catalog.get", "recording %s not in catalog", recordingID)
	}
	if err != nil {
		return Record{}, fmt.Errorf("catalog get %s: %w", recordingID, err)
	}
	return r, nil
}

// List returns all recordings, newest first.
func (c *Catalog) List(ctx context.Context) ([]Record, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT `+selectCols+` FROM recordings ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("catalog list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("catalog list scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// NextPending returns the oldest recording still waiting for upload. A row
// left UPLOADING by a crash is pending again on restart.
func (c *Catalog) NextPending(ctx context.Context) (Record, bool, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+selectCols+` FROM recordings
		WHERE offload_state IN (?, ?) ORDER BY created_at ASC LIMIT 1`,
		string(OffloadLocal), string(OffloadUploading))
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("catalog next pending: %w", err)
	}
	return r, true, nil
}

// CountPending reports the offload queue depth.
func (c *Catalog) CountPending(ctx context.Context) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM recordings WHERE offload_state IN (?, ?)`,
		string(OffloadLocal), string(OffloadUploading)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("catalog count pending: %w", err)
	}
	return n, nil
}

// SetOffloadState advances the upload lifecycle of a recording.
func (c *Catalog) SetOffloadState(ctx context.Context, recordingID string, st OffloadState, lastError string) error {
	res, err := c.db.ExecContext(ctx, `UPDATE recordings SET offload_state = ?, last_error = ?, updated_at = ?
		WHERE recording_id = ?`,
		string(st), lastError, time.Now().UTC().Format(time.RFC3339Nano), recordingID)
	if err != nil {
		return fmt.Errorf("catalog set state %s: %w", recordingID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return rigerr.Newf(rigerr.ReasonNotFound, "catalog.set_state", "recording %s not in catalog", recordingID)
	}
	return nil
}

// IncrementAttempts bumps the retry counter.
func (c *Catalog) IncrementAttempts(ctx context.Context, recordingID string) error {
	_, err := c.db.ExecContext(ctx, `UPDATE recordings SET attempts = attempts + 1, updated_at = ?
		WHERE recording_id = ?`, time.Now().UTC().Format(time.RFC3339Nano), recordingID)
	if err != nil {
		return fmt.Errorf("catalog increment attempts %s: %w", recordingID, err)
	}
	return nil
}

// Delete removes a catalog row, after confirmed cleanup or test sessions.
func (c *Catalog) Delete(ctx context.Context, recordingID string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM recordings WHERE recording_id = ?`, recordingID)
	if err != nil {
		return fmt.Errorf("catalog delete %s: %w", recordingID, err)
	}
	return nil
}
