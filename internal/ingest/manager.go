// SPDX-License-Identifier: MIT

package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/fieldrig/fieldrig/internal/cache"
	"github.com/fieldrig/fieldrig/internal/config"
	"github.com/fieldrig/fieldrig/internal/fsutil"
	"github.com/fieldrig/fieldrig/internal/ident"
	"github.com/fieldrig/fieldrig/internal/log"
	"github.com/fieldrig/fieldrig/internal/manifest"
	"github.com/fieldrig/fieldrig/internal/metrics"
	"github.com/fieldrig/fieldrig/internal/rigerr"
)

const (
	stagingDir  = "staging"
	sessionsDir = "sessions"
	chunksDir   = "chunks"
)

// validExt bounds the container suffix of assembled recordings.
var validExt = regexp.MustCompile(`^[a-z0-9]{1,8}$`)

// Manager owns the upload protocol: init/chunk/manifest/finalize/confirm,
// publication and cleanup. Chunk writes take a per-recording lock; status
// reads bypass the locks entirely.
type Manager struct {
	cfg   config.Ingest
	store *Store
	cache cache.Cache

	// locks serializes chunk writes and finalize per recording.
	locks sync.Map // recording_id -> *sync.Mutex
}

// NewManager creates the manager and its directory skeleton.
func NewManager(cfg config.Ingest, store *Store, c cache.Cache) (*Manager, error) {
	for _, dir := range []string{stagingDir, sessionsDir} {
		if err := fsutil.EnsureDir(filepath.Join(cfg.SessionsRoot, dir)); err != nil {
			return nil, err
		}
	}
	return &Manager{cfg: cfg, store: store, cache: c}, nil
}

func (m *Manager) lock(recordingID string) *sync.Mutex {
	v, _ := m.locks.LoadOrStore(recordingID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// stagingPath confines a session/node pair under staging/.
func (m *Manager) stagingPath(sessionID, nodeID string) (string, error) {
	return fsutil.ConfineRelPath(m.cfg.SessionsRoot, filepath.Join(stagingDir, sessionID, nodeID))
}

func (m *Manager) sessionStagingPath(sessionID string) (string, error) {
	return fsutil.ConfineRelPath(m.cfg.SessionsRoot, filepath.Join(stagingDir, sessionID))
}

func (m *Manager) publishedPath(sessionID string) (string, error) {
	return fsutil.ConfineRelPath(m.cfg.SessionsRoot, filepath.Join(sessionsDir, sessionID))
}

// InitRequest opens (or resumes) an upload. Checksum is the sha256 of the
// source file as the node sees it.
type InitRequest struct {
	SessionID   string `json:"session_id"`
	NodeID      string `json:"node_id"`
	RecordingID string `json:"recording_id"`
	Ext         string `json:"ext"`
	FileSize    int64  `json:"file_size"`
	ChunkSize   int64  `json:"chunk_size"`
	Checksum    string `json:"checksum"`
}

// InitResponse tells the client where to resume.
type InitResponse struct {
	UploadID       string `json:"upload_id"`
	ReceivedChunks []int  `json:"received_chunks"`
}

// Init opens an upload, or resumes the active one for the same recording.
// Strictly idempotent: re-init of an active upload returns the same
// upload_id plus the chunks already on disk.
func (m *Manager) Init(ctx context.Context, req InitRequest) (InitResponse, error) {
	if !ident.ValidSessionID(req.SessionID) {
		return InitResponse{}, rigerr.Newf(rigerr.ReasonInvalid, "ingest.init", "session id %q does not match the grammar", req.SessionID)
	}
	if !ident.ValidNodeID(req.NodeID) {
		return InitResponse{}, rigerr.Newf(rigerr.ReasonInvalid, "ingest.init", "node id %q does not match the grammar", req.NodeID)
	}
	if req.Ext == "" {
		req.Ext = "mp4"
	}
	// Extensions travel from three differently provisioned nodes; NFC keeps
	// the assembled file names byte-identical across them.
	req.Ext = norm.NFC.String(strings.ToLower(req.Ext))
	if !validExt.MatchString(req.Ext) {
		return InitResponse{}, rigerr.Newf(rigerr.ReasonInvalid, "ingest.init", "extension %q is not a valid container suffix", req.Ext)
	}
	if req.ChunkSize <= 0 || (m.cfg.MaxChunkBytes > 0 && req.ChunkSize > m.cfg.MaxChunkBytes) {
		return InitResponse{}, rigerr.Newf(rigerr.ReasonInvalid, "ingest.init", "chunk size %d out of range", req.ChunkSize)
	}

	recordingID := ident.RecordingID(req.SessionID, req.NodeID)
	if req.RecordingID != "" && req.RecordingID != recordingID {
		return InitResponse{}, rigerr.Newf(rigerr.ReasonInvalid, "ingest.init",
			"recording id %q does not match %s/%s", req.RecordingID, req.SessionID, req.NodeID)
	}
	req.Checksum = strings.ToLower(req.Checksum)

	mu := m.lock(recordingID)
	mu.Lock()
	defer mu.Unlock()

	if existing, ok, err := m.store.UploadForRecording(recordingID); err != nil {
		return InitResponse{}, err
	} else if ok {
		switch existing.State {
		case UploadActive:
			if existing.SourceChecksum == "" || req.Checksum == "" || existing.SourceChecksum == req.Checksum {
				received, err := m.receivedChunks(existing)
				if err != nil {
					return InitResponse{}, err
				}
				return InitResponse{UploadID: existing.UploadID, ReceivedChunks: received}, nil
			}
			// The source file changed under the same recording id. Resuming
			// would splice chunks of two different files, so the stale
			// chunks are discarded and the upload starts over.
			if err := m.discardStale(existing); err != nil {
				return InitResponse{}, err
			}
		case UploadFinalized:
			return InitResponse{}, rigerr.Newf(rigerr.ReasonConflict, "ingest.init",
				"recording %s already finalized under upload %s", recordingID, existing.UploadID)
		}
		// EXPIRED falls through to a fresh upload.
	}

	sess, err := m.store.UpsertSession(req.SessionID, func(*Session) error { return nil })
	if err != nil {
		return InitResponse{}, err
	}
	if sess.Status != SessionCollecting {
		return InitResponse{}, rigerr.Newf(rigerr.ReasonConflict, "ingest.init",
			"session %s is %s, no longer accepting uploads", req.SessionID, sess.Status)
	}

	dir, err := m.stagingPath(req.SessionID, req.NodeID)
	if err != nil {
		return InitResponse{}, rigerr.Wrap(rigerr.ReasonInvalid, "ingest.init", err)
	}
	if err := fsutil.EnsureDir(filepath.Join(dir, chunksDir)); err != nil {
		return InitResponse{}, err
	}

	now := time.Now().UTC()
	u := Upload{
		UploadID:       uuid.NewString(),
		SessionID:      req.SessionID,
		NodeID:         req.NodeID,
		RecordingID:    recordingID,
		Ext:            req.Ext,
		ChunkSize:      req.ChunkSize,
		DeclaredSize:   req.FileSize,
		SourceChecksum: req.Checksum,
		State:          UploadActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.PutUpload(u); err != nil {
		return InitResponse{}, err
	}
	metrics.IngestUploadOpened()
	m.invalidateStatus(ctx, req.SessionID)
	log.WithComponent("ingest").Info().
		Str(log.FieldUploadID, u.UploadID).
		Str(log.FieldRecordingID, recordingID).
		Msg("upload opened")
	return InitResponse{UploadID: u.UploadID, ReceivedChunks: []int{}}, nil
}

func (m *Manager) chunkDir(u Upload) (string, error) {
	dir, err := m.stagingPath(u.SessionID, u.NodeID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, chunksDir), nil
}

func chunkName(index int) string { return fmt.Sprintf("%06d.chunk", index) }

// discardStale drops an active upload whose source checksum no longer
// matches what the node declares. Caller holds the recording lock.
func (m *Manager) discardStale(u Upload) error {
	dir, err := m.chunkDir(u)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if err := m.store.DeleteUpload(u.UploadID); err != nil {
		return err
	}
	metrics.IngestUploadClosed()
	log.WithComponent("ingest").Warn().
		Str(log.FieldUploadID, u.UploadID).
		Str(log.FieldRecordingID, u.RecordingID).
		Msg("source checksum changed, stale chunks discarded")
	return nil
}

// receivedChunks reads the chunk set from disk; disk is the truth across
// restarts.
func (m *Manager) receivedChunks(u Upload) ([]int, error) {
	dir, err := m.chunkDir(u)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return []int{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, len(entries))
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".chunk")
		if !ok {
			continue
		}
		idx, err := strconv.Atoi(name)
		if err != nil {
			continue
		}
		out = append(out, idx)
	}
	sort.Ints(out)
	return out, nil
}

// Chunk stores one chunk. Duplicate indexes are a no-op so retried requests
// after a lost response converge.
func (m *Manager) Chunk(ctx context.Context, uploadID string, index int, r io.Reader) error {
	if index < 0 {
		return rigerr.Newf(rigerr.ReasonInvalid, "ingest.chunk", "negative chunk index %d", index)
	}
	u, err := m.store.GetUpload(uploadID)
	if err != nil {
		return err
	}
	if u.State != UploadActive {
		return rigerr.Newf(rigerr.ReasonConflict, "ingest.chunk", "upload %s is %s", uploadID, u.State)
	}

	mu := m.lock(u.RecordingID)
	mu.Lock()
	defer mu.Unlock()

	dir, err := m.chunkDir(u)
	if err != nil {
		return err
	}
	// Chunk size was capped at init; no chunk may exceed it.
	limit := u.ChunkSize
	final := filepath.Join(dir, chunkName(index))
	if st, err := os.Stat(final); err == nil {
		// A retried request after a lost response converges only when the
		// resend matches what already landed; a different length means a
		// different chunk under the same index.
		n, err := io.Copy(io.Discard, io.LimitReader(r, limit+1))
		if err != nil {
			metrics.IngestChunk("error")
			return err
		}
		if n != st.Size() {
			metrics.IngestChunk("error")
			return rigerr.Newf(rigerr.ReasonChecksumMismatch, "ingest.chunk",
				"chunk %d resent with %d bytes, %d already stored", index, n, st.Size())
		}
		metrics.IngestChunk("duplicate")
		return nil
	}
	tmp := final + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644) // #nosec G304 -- path is confined above
	if err != nil {
		metrics.IngestChunk("error")
		return err
	}
	n, err := io.Copy(f, io.LimitReader(r, limit+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		metrics.IngestChunk("error")
		return err
	}
	if n > limit {
		_ = os.Remove(tmp)
		metrics.IngestChunk("error")
		return rigerr.Newf(rigerr.ReasonInvalid, "ingest.chunk", "chunk %d exceeds %d bytes", index, limit)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		metrics.IngestChunk("error")
		return err
	}

	if _, err := m.store.UpdateUpload(uploadID, func(*Upload) error { return nil }); err != nil {
		return err
	}
	metrics.IngestChunk("ok")
	return nil
}

// Manifest stores a node's manifest under its staging directory and adopts
// the declared camera set as the session's completion target. Re-upload
// overwrites idempotently.
func (m *Manager) Manifest(ctx context.Context, doc *manifest.Manifest) error {
	if err := manifest.CheckVersion(doc.Version); err != nil {
		return rigerr.Wrap(rigerr.ReasonInvalid, "ingest.manifest", err)
	}
	if err := doc.Validate(); err != nil {
		return rigerr.Wrap(rigerr.ReasonInvalid, "ingest.manifest", err)
	}
	dir, err := m.stagingPath(doc.Recording.SessionID, doc.Recording.NodeID)
	if err != nil {
		return rigerr.Wrap(rigerr.ReasonInvalid, "ingest.manifest", err)
	}
	if err := fsutil.EnsureDir(dir); err != nil {
		return err
	}
	if err := manifest.Write(filepath.Join(dir, "manifest.json"), doc); err != nil {
		return err
	}
	if len(doc.ExpectedCameras) > 0 {
		_, err = m.store.UpsertSession(doc.Recording.SessionID, func(sess *Session) error {
			if len(sess.Expected) == 0 {
				expected := append([]string(nil), doc.ExpectedCameras...)
				sort.Strings(expected)
				sess.Expected = expected
			}
			return nil
		})
		if err != nil {
			return err
		}
		m.invalidateStatus(ctx, doc.Recording.SessionID)
	}
	return nil
}

// FinalizeResponse carries the server-side verification result.
type FinalizeResponse struct {
	Checksum  string `json:"checksum_sha256"`
	SizeBytes int64  `json:"size_bytes"`
}

// Finalize assembles the chunks into the recording file and returns the
// server-computed checksum for the client to compare. Idempotent: a second
// finalize returns the stored result.
func (m *Manager) Finalize(ctx context.Context, uploadID string, totalChunks int) (FinalizeResponse, error) {
	u, err := m.store.GetUpload(uploadID)
	if err != nil {
		return FinalizeResponse{}, err
	}
	if u.State == UploadFinalized {
		return FinalizeResponse{Checksum: u.Checksum, SizeBytes: u.SizeBytes}, nil
	}
	if u.State != UploadActive {
		return FinalizeResponse{}, rigerr.Newf(rigerr.ReasonConflict, "ingest.finalize", "upload %s is %s", uploadID, u.State)
	}
	if totalChunks <= 0 {
		return FinalizeResponse{}, rigerr.Newf(rigerr.ReasonInvalid, "ingest.finalize", "total_chunks %d out of range", totalChunks)
	}

	mu := m.lock(u.RecordingID)
	mu.Lock()
	defer mu.Unlock()

	received, err := m.receivedChunks(u)
	if err != nil {
		return FinalizeResponse{}, err
	}
	if missing := missingChunks(received, totalChunks); len(missing) > 0 {
		return FinalizeResponse{}, rigerr.Newf(rigerr.ReasonPrecondition, "ingest.finalize",
			"missing chunks %v of %d", missing, totalChunks)
	}

	dir, err := m.stagingPath(u.SessionID, u.NodeID)
	if err != nil {
		return FinalizeResponse{}, err
	}
	chunkdir := filepath.Join(dir, chunksDir)
	final := filepath.Join(dir, "recording."+u.Ext)
	tmp := final + ".tmp"

	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644) // #nosec G304 -- path is confined above
	if err != nil {
		return FinalizeResponse{}, err
	}
	hash := sha256.New()
	w := io.MultiWriter(out, hash)
	var size int64
	for i := 0; i < totalChunks; i++ {
		n, err := appendChunk(w, filepath.Join(chunkdir, chunkName(i)))
		if err != nil {
			_ = out.Close()
			_ = os.Remove(tmp)
			return FinalizeResponse{}, err
		}
		size += n
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return FinalizeResponse{}, err
	}
	if err := out.Close(); err != nil {
		return FinalizeResponse{}, err
	}
	if err := os.Rename(tmp, final); err != nil {
		return FinalizeResponse{}, err
	}
	_ = os.RemoveAll(chunkdir)

	checksum := hex.EncodeToString(hash.Sum(nil))
	if _, err := m.store.UpdateUpload(uploadID, func(u *Upload) error {
		u.State = UploadFinalized
		u.Checksum = checksum
		u.SizeBytes = size
		return nil
	}); err != nil {
		return FinalizeResponse{}, err
	}
	metrics.IngestUploadClosed()
	log.WithComponent("ingest").Info().
		Str(log.FieldUploadID, uploadID).
		Str(log.FieldRecordingID, u.RecordingID).
		Int64("size_bytes", size).
		Msg("upload finalized")
	return FinalizeResponse{Checksum: checksum, SizeBytes: size}, nil
}

func appendChunk(w io.Writer, path string) (int64, error) {
	f, err := os.Open(path) // #nosec G304 -- chunk dir is confined
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()
	return io.Copy(w, f)
}

func missingChunks(received []int, total int) []int {
	have := make(map[int]bool, len(received))
	for _, i := range received {
		have[i] = true
	}
	var missing []int
	for i := 0; i < total; i++ {
		if !have[i] {
			missing = append(missing, i)
		}
	}
	return missing
}

// Confirm marks a node's recording verified and publishes the session once
// every expected camera has confirmed. Idempotent per (session, node).
func (m *Manager) Confirm(ctx context.Context, sessionID, nodeID string) (string, error) {
	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return "", err
	}
	if sum, ok := sess.Confirmed[nodeID]; ok {
		return sum, nil
	}

	recordingID := ident.RecordingID(sessionID, nodeID)
	u, ok, err := m.store.UploadForRecording(recordingID)
	if err != nil {
		return "", err
	}
	if !ok || u.State != UploadFinalized {
		return "", rigerr.Newf(rigerr.ReasonPrecondition, "ingest.confirm",
			"recording %s has no finalized upload", recordingID)
	}

	sess, err = m.store.UpsertSession(sessionID, func(sess *Session) error {
		sess.Confirmed[nodeID] = u.Checksum
		return nil
	})
	if err != nil {
		return "", err
	}
	metrics.FinalizeChecksum(true)
	m.invalidateStatus(ctx, sessionID)

	if m.isComplete(sess) {
		if err := m.publish(ctx, sessionID, SessionPublished); err != nil {
			return "", err
		}
	}
	return u.Checksum, nil
}

// isComplete reports whether every expected camera has confirmed. Without a
// declared set the configured cluster size is the fallback target.
func (m *Manager) isComplete(sess Session) bool {
	if len(sess.Expected) > 0 {
		for _, id := range sess.Expected {
			if _, ok := sess.Confirmed[id]; !ok {
				return false
			}
		}
		return true
	}
	return m.cfg.ExpectedCameras > 0 && len(sess.Confirmed) >= m.cfg.ExpectedCameras
}

// publish atomically moves the session from staging to sessions and records
// the terminal status.
func (m *Manager) publish(ctx context.Context, sessionID string, status SessionStatus) error {
	src, err := m.sessionStagingPath(sessionID)
	if err != nil {
		return err
	}
	dst, err := m.publishedPath(sessionID)
	if err != nil {
		return err
	}
	// Same filesystem, so the rename is atomic: readers see either the
	// collecting session or the published one, never a half-moved tree.
	if err := os.Rename(src, dst); err != nil && !os.IsNotExist(err) {
		return rigerr.Wrap(rigerr.ReasonDriverFailure, "ingest.publish", err)
	}
	now := time.Now().UTC()
	if _, err := m.store.UpsertSession(sessionID, func(sess *Session) error {
		sess.Status = status
		sess.PublishedAt = &now
		return nil
	}); err != nil {
		return err
	}
	metrics.SessionPublished(strings.ToLower(string(status)))
	m.invalidateStatus(ctx, sessionID)
	log.WithComponent("ingest").Info().
		Str(log.FieldSessionID, sessionID).
		Str("status", string(status)).
		Msg("session published")
	return nil
}

// DeleteUpload discards an upload and its staged data. The checksum-mismatch
// recovery path: the client deletes and re-inits from scratch.
func (m *Manager) DeleteUpload(ctx context.Context, uploadID string) error {
	u, err := m.store.GetUpload(uploadID)
	if err != nil {
		if rigerr.ReasonOf(err) == rigerr.ReasonNotFound {
			return nil
		}
		return err
	}

	mu := m.lock(u.RecordingID)
	mu.Lock()
	defer mu.Unlock()

	dir, err := m.stagingPath(u.SessionID, u.NodeID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if err := m.store.DeleteUpload(uploadID); err != nil {
		return err
	}
	if u.State == UploadActive {
		metrics.IngestUploadClosed()
	}
	metrics.FinalizeChecksum(false)
	m.invalidateStatus(ctx, u.SessionID)
	log.WithComponent("ingest").Warn().
		Str(log.FieldUploadID, uploadID).
		Str(log.FieldRecordingID, u.RecordingID).
		Msg("upload discarded")
	return nil
}

// StatusResponse is the session status document.
type StatusResponse struct {
	SessionID       string     `json:"session_id"`
	Status          string     `json:"status"`
	Cameras         []string   `json:"cameras"`
	ExpectedCameras []string   `json:"expected_cameras,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	PublishedAt     *time.Time `json:"published_at,omitempty"`
}

func statusKey(sessionID string) string { return "session:" + sessionID }

// SessionStatus reports a session's publication state, cached briefly.
func (m *Manager) SessionStatus(ctx context.Context, sessionID string) (StatusResponse, error) {
	if resp, ok := cache.GetJSON[StatusResponse](ctx, m.cache, statusKey(sessionID)); ok {
		return resp, nil
	}
	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return StatusResponse{}, err
	}
	resp := toStatus(sess)
	cache.SetJSON(ctx, m.cache, statusKey(sessionID), resp, m.cfg.StatusTTL)
	return resp, nil
}

// Sessions lists every known session, newest first.
func (m *Manager) Sessions(ctx context.Context) ([]StatusResponse, error) {
	sessions, err := m.store.ListSessions()
	if err != nil {
		return nil, err
	}
	out := make([]StatusResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, toStatus(sess))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func toStatus(sess Session) StatusResponse {
	cameras := make([]string, 0, len(sess.Confirmed))
	for id := range sess.Confirmed {
		cameras = append(cameras, id)
	}
	sort.Strings(cameras)
	return StatusResponse{
		SessionID:       sess.SessionID,
		Status:          string(sess.Status),
		Cameras:         cameras,
		ExpectedCameras: sess.Expected,
		CreatedAt:       sess.CreatedAt,
		PublishedAt:     sess.PublishedAt,
	}
}

func (m *Manager) invalidateStatus(ctx context.Context, sessionID string) {
	m.cache.Delete(ctx, statusKey(sessionID))
}
