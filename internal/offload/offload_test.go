// SPDX-License-Identifier: MIT

package offload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldrig/fieldrig/internal/cache"
	"github.com/fieldrig/fieldrig/internal/config"
	"github.com/fieldrig/fieldrig/internal/health"
	"github.com/fieldrig/fieldrig/internal/ident"
	"github.com/fieldrig/fieldrig/internal/ingest"
	"github.com/fieldrig/fieldrig/internal/manifest"
	"github.com/fieldrig/fieldrig/internal/rigerr"
	"github.com/fieldrig/fieldrig/internal/storage"
	"github.com/fieldrig/fieldrig/internal/testutil"
)

type env struct {
	t        *testing.T
	mgr      *ingest.Manager
	srv      *httptest.Server
	catalog  *storage.Catalog
	worker   *Worker
	root     string
	ingested string
}

// published resolves a recording file under the ingest sessions directory.
func (e *env) published(sessionID, nodeID string) string {
	return filepath.Join(e.ingested, "sessions", sessionID, nodeID, "recording.mp4")
}

func newEnv(t *testing.T) *env {
	t.Helper()
	icfg := config.Ingest{
		SessionsRoot:    t.TempDir(),
		StateDir:        t.TempDir(),
		CompleteTimeout: time.Hour,
		JanitorInterval: time.Minute,
		ExpectedCameras: 3,
		MaxChunkBytes:   1 << 20,
		StatusTTL:       time.Second,
	}
	store, err := ingest.OpenStore(filepath.Join(icfg.StateDir, "badger"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	mem := cache.NewMemory(0)
	t.Cleanup(func() { _ = mem.Close() })
	mgr, err := ingest.NewManager(icfg, store, mem)
	require.NoError(t, err)

	srv := httptest.NewServer(ingest.NewServer(mgr, health.NewManager("test")).Router(0))
	t.Cleanup(srv.Close)

	catalog := testutil.OpenCatalog(t)

	client, err := NewClient(srv.URL)
	require.NoError(t, err)

	e := &env{t: t, mgr: mgr, srv: srv, catalog: catalog, root: t.TempDir(), ingested: icfg.SessionsRoot}
	e.worker = NewWorker(Options{
		NodeID: "CAM_L",
		Config: config.Offload{
			Enabled:     true,
			IngestURL:   srv.URL,
			ChunkSize:   1024,
			RetryBudget: 3,
		},
		Catalog:  catalog,
		Client:   client,
		Schedule: []time.Duration{time.Millisecond},
	})
	return e
}

// addRecording materializes a finalized recording: file, manifest, catalog
// row in LOCAL.
func (e *env) addRecording(sessionID, nodeID string, payload []byte) storage.Record {
	e.t.Helper()
	recordingID := ident.RecordingID(sessionID, nodeID)
	dir := filepath.Join(e.root, sessionID, nodeID)
	require.NoError(e.t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, recordingID+".mp4")
	require.NoError(e.t, os.WriteFile(path, payload, 0o644))

	sum := sha256.Sum256(payload)
	checksum := hex.EncodeToString(sum[:])
	doc := &manifest.Manifest{
		Version: manifest.Version,
		Recording: manifest.Recording{
			ID:        recordingID,
			SessionID: sessionID,
			NodeID:    nodeID,
			Position:  "left",
		},
		File:            manifest.File{Name: filepath.Base(path), SizeBytes: int64(len(payload)), Container: "mp4", Codec: "h265"},
		Checksum:        manifest.Checksum{Algorithm: manifest.Algorithm, Value: checksum},
		ExpectedCameras: []string{nodeID},
	}
	manifestPath := manifest.PathFor(path)
	require.NoError(e.t, manifest.Write(manifestPath, doc))

	rec := storage.Record{
		RecordingID:  recordingID,
		SessionID:    sessionID,
		NodeID:       nodeID,
		FilePath:     path,
		ManifestPath: manifestPath,
		SizeBytes:    int64(len(payload)),
		Checksum:     checksum,
		OffloadState: storage.OffloadLocal,
	}
	require.NoError(e.t, e.catalog.Put(context.Background(), rec))
	return rec
}

func (e *env) record(recordingID string) storage.Record {
	e.t.Helper()
	rec, err := e.catalog.Get(context.Background(), recordingID)
	require.NoError(e.t, err)
	return rec
}

func TestUploadEndToEnd(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	payload := bytes.Repeat([]byte("goal"), 1500) // several chunks at 1 KiB

	rec := e.addRecording("GAME_20240315_140000", "CAM_L", payload)
	e.worker.drain(ctx)

	got := e.record(rec.RecordingID)
	require.Equal(t, storage.OffloadConfirmed, got.OffloadState)
	require.FileExists(t, rec.FilePath, "delete_after_confirm off keeps the file")

	st, err := e.mgr.SessionStatus(ctx, "GAME_20240315_140000")
	require.NoError(t, err)
	require.Equal(t, "PUBLISHED", st.Status)

	published := e.published("GAME_20240315_140000", "CAM_L")
	data, err := os.ReadFile(published)
	require.NoError(t, err)
	require.Equal(t, payload, data)
}

func TestUploadResumesMissingTail(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	payload := bytes.Repeat([]byte{0x42}, 10*1024)

	rec := e.addRecording("GAME_D", "CAM_L", payload)

	// A previous run moved chunks 0..6 and died before the response made it
	// back. The worker must pick up at chunk 7, not resend everything.
	client := e.worker.opts.Client
	init, err := client.Init(ctx, InitRequest{
		SessionID: "GAME_D", NodeID: "CAM_L", RecordingID: rec.RecordingID,
		Ext: "mp4", FileSize: int64(len(payload)), ChunkSize: 1024, Checksum: rec.Checksum,
	})
	require.NoError(t, err)
	for i := 0; i <= 6; i++ {
		require.NoError(t, client.Chunk(ctx, init.UploadID, i, payload[i*1024:(i+1)*1024]))
	}

	e.worker.drain(ctx)

	got := e.record(rec.RecordingID)
	require.Equal(t, storage.OffloadConfirmed, got.OffloadState)

	published := e.published("GAME_D", "CAM_L")
	data, err := os.ReadFile(published)
	require.NoError(t, err)
	require.Equal(t, payload, data)
}

func TestChecksumMismatchTriggersFreshUpload(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	payload := bytes.Repeat([]byte{0x11}, 3*1024)

	rec := e.addRecording("GAME_E", "CAM_L", payload)

	// Chunk 0 on the server is garbage from an earlier interrupted run. The
	// resume skips it, finalize disagrees with the local hash, and the
	// worker must discard the server copy and start over.
	client := e.worker.opts.Client
	init, err := client.Init(ctx, InitRequest{
		SessionID: "GAME_E", NodeID: "CAM_L", RecordingID: rec.RecordingID,
		Ext: "mp4", FileSize: int64(len(payload)), ChunkSize: 1024, Checksum: rec.Checksum,
	})
	require.NoError(t, err)
	require.NoError(t, client.Chunk(ctx, init.UploadID, 0, bytes.Repeat([]byte{0xFF}, 1024)))

	e.worker.drain(ctx)

	got := e.record(rec.RecordingID)
	require.Equal(t, storage.OffloadConfirmed, got.OffloadState)
	require.GreaterOrEqual(t, got.Attempts, 1, "the mismatch burned one attempt")

	published := e.published("GAME_E", "CAM_L")
	data, err := os.ReadFile(published)
	require.NoError(t, err)
	require.Equal(t, payload, data)
}

func TestReRecordedFileReplacesStaleUpload(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	stale := bytes.Repeat([]byte{0x01}, 2*1024)
	payload := bytes.Repeat([]byte{0x02}, 3*1024)

	// An earlier run uploaded part of a file that was then re-recorded
	// under the same recording id. The server must not splice the stale
	// chunks into the new upload.
	client := e.worker.opts.Client
	staleSum := sha256.Sum256(stale)
	init, err := client.Init(ctx, InitRequest{
		SessionID: "GAME_F", NodeID: "CAM_L", RecordingID: "GAME_F_CAM_L",
		Ext: "mp4", FileSize: int64(len(stale)), ChunkSize: 1024,
		Checksum: hex.EncodeToString(staleSum[:]),
	})
	require.NoError(t, err)
	require.NoError(t, client.Chunk(ctx, init.UploadID, 0, stale[:1024]))

	rec := e.addRecording("GAME_F", "CAM_L", payload)
	e.worker.drain(ctx)

	require.Equal(t, storage.OffloadConfirmed, e.record(rec.RecordingID).OffloadState)
	data, err := os.ReadFile(e.published("GAME_F", "CAM_L"))
	require.NoError(t, err)
	require.Equal(t, payload, data)
}

func TestDeleteAfterConfirmKeepsManifest(t *testing.T) {
	e := newEnv(t)
	e.worker.opts.DeleteAfterConfirm = true
	ctx := context.Background()

	rec := e.addRecording("GAME_A", "CAM_L", []byte("short"))
	e.worker.drain(ctx)

	require.Equal(t, storage.OffloadConfirmed, e.record(rec.RecordingID).OffloadState)
	require.NoFileExists(t, rec.FilePath)
	require.FileExists(t, rec.ManifestPath)
}

func TestLostConfirmResponseIsRecovered(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	payload := []byte("payload")

	rec := e.addRecording("GAME_B", "CAM_L", payload)

	// The whole protocol ran but the confirm response never arrived, so the
	// catalog still says UPLOADING. Re-init now conflicts with the
	// finalized server upload; the worker must fall through to confirm.
	client := e.worker.opts.Client
	init, err := client.Init(ctx, InitRequest{
		SessionID: "GAME_B", NodeID: "CAM_L", RecordingID: rec.RecordingID,
		Ext: "mp4", FileSize: int64(len(payload)), ChunkSize: 1024, Checksum: rec.Checksum,
	})
	require.NoError(t, err)
	require.NoError(t, client.Chunk(ctx, init.UploadID, 0, payload))
	doc, err := manifest.Read(rec.ManifestPath)
	require.NoError(t, err)
	require.NoError(t, client.Manifest(ctx, doc))
	_, err = client.Finalize(ctx, init.UploadID, 1)
	require.NoError(t, err)
	require.NoError(t, e.catalog.SetOffloadState(ctx, rec.RecordingID, storage.OffloadUploading, ""))

	e.worker.drain(ctx)
	require.Equal(t, storage.OffloadConfirmed, e.record(rec.RecordingID).OffloadState)
}

func TestMissingManifestIsTerminal(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	rec := e.addRecording("GAME_A", "CAM_L", []byte("data"))
	require.NoError(t, os.Remove(rec.ManifestPath))

	e.worker.drain(ctx)

	got := e.record(rec.RecordingID)
	require.Equal(t, storage.OffloadFailed, got.OffloadState)
	require.Zero(t, got.Attempts, "local faults are not retried")
	require.NotEmpty(t, got.LastError)
}

func TestUnreachableIngestExhaustsRetries(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	rec := e.addRecording("GAME_A", "CAM_L", []byte("data"))
	e.srv.Close()

	e.worker.drain(ctx)

	got := e.record(rec.RecordingID)
	require.Equal(t, storage.OffloadFailed, got.OffloadState)
	require.Equal(t, 2, got.Attempts, "budget 3 means two retries")
}

func TestRetryableClassification(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want bool
	}{
		{rigerr.New(rigerr.ReasonPeerUnreachable, "op", ""), true},
		{rigerr.New(rigerr.ReasonTimeout, "op", ""), true},
		{rigerr.New(rigerr.ReasonChecksumMismatch, "op", ""), true},
		{rigerr.New(rigerr.ReasonConflict, "op", ""), false},
		{rigerr.New(rigerr.ReasonNotFound, "op", ""), false},
		{os.ErrNotExist, false},
	} {
		require.Equal(t, tc.want, retryable(tc.err), "%v", tc.err)
	}
}

func TestWakeNeverBlocks(t *testing.T) {
	w := NewWorker(Options{Config: config.Offload{ChunkSize: 1024, RetryBudget: 1}})
	for i := 0; i < 10; i++ {
		w.Wake()
	}
}

func TestWatcherWakesOnManifest(t *testing.T) {
	root := t.TempDir()
	w := NewWorker(Options{Config: config.Offload{ChunkSize: 1024, RetryBudget: 1}})
	watcher, err := NewWatcher(root, w)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = watcher.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() { cancel(); <-done })

	// Session and node directories appear first, then the manifest.
	dir := filepath.Join(root, "GAME_A", "CAM_L")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.Eventually(t, func() bool {
		// Keep writing until the watcher has picked up the new directory.
		_ = os.WriteFile(filepath.Join(dir, "GAME_A_CAM_L.json"), []byte("{}"), 0o644)
		select {
		case <-w.wake:
			return true
		default:
			return false
		}
	}, 3*time.Second, 20*time.Millisecond)
}
