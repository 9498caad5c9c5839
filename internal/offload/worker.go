// SPDX-License-Identifier: MIT

package offload

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"golang.org/x/time/rate"

	"github.com/fieldrig/fieldrig/internal/config"
	"github.com/fieldrig/fieldrig/internal/log"
	"github.com/fieldrig/fieldrig/internal/manifest"
	"github.com/fieldrig/fieldrig/internal/metrics"
	"github.com/fieldrig/fieldrig/internal/resilience"
	"github.com/fieldrig/fieldrig/internal/rigerr"
	"github.com/fieldrig/fieldrig/internal/storage"
)

// retrySchedule is the backoff before retries 2..5. The first attempt runs
// immediately.
var retrySchedule = []time.Duration{
	5 * time.Second,
	10 * time.Second,
	20 * time.Second,
	40 * time.Second,
}

// Options configures the upload worker.
type Options struct {
	NodeID  string
	Config  config.Offload
	Catalog *storage.Catalog
	Client  *Client

	// DeleteAfterConfirm removes the local file once the server confirmed
	// it, keeping the manifest as breadcrumb.
	DeleteAfterConfirm bool

	// PollInterval is the fallback queue scan cadence when no wake arrives.
	PollInterval time.Duration

	// Schedule overrides the retry backoff, for tests.
	Schedule []time.Duration
}

// Worker drains the catalog's offload queue, one recording at a time. The
// ingest server accepts the three nodes in parallel; within a node uploads
// are strictly sequential so a flaky link never thrashes between files.
type Worker struct {
	opts    Options
	breaker *resilience.Breaker
	limiter *rate.Limiter
	wake    chan struct{}

	mu      sync.Mutex
	current string
	lastErr string
}

// NewWorker builds the worker and its ingest circuit breaker.
func NewWorker(opts Options) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Minute
	}
	if len(opts.Schedule) == 0 {
		opts.Schedule = retrySchedule
	}
	var limiter *rate.Limiter
	if opts.Config.BandwidthLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.Config.BandwidthLimit), int(opts.Config.ChunkSize))
	}
	return &Worker{
		opts:    opts,
		breaker: resilience.New("ingest", 3, 30*time.Second),
		limiter: limiter,
		wake:    make(chan struct{}, 1),
	}
}

// BreakerState exposes the ingest circuit state for the status API.
func (w *Worker) BreakerState() resilience.State { return w.breaker.State() }

// Current returns the recording being uploaded right now, empty when idle.
func (w *Worker) Current() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// LastError returns the most recent terminal upload error, empty after a
// success.
func (w *Worker) LastError() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

func (w *Worker) setCurrent(id string) {
	w.mu.Lock()
	w.current = id
	w.mu.Unlock()
}

func (w *Worker) setLastError(msg string) {
	w.mu.Lock()
	w.lastErr = msg
	w.mu.Unlock()
}

// Wake nudges the worker to scan the queue now. Never blocks.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// OnLocal is the recorder's finalization hook.
func (w *Worker) OnLocal(storage.Record) { w.Wake() }

// Run processes the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()
	for {
		w.drain(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.wake:
		case <-ticker.C:
		}
	}
}

// drain uploads pending recordings until the queue is empty or an upload
// exhausts its retry budget.
func (w *Worker) drain(ctx context.Context) {
	logger := log.WithComponent("offload")
	for ctx.Err() == nil {
		w.publishQueueDepth(ctx)
		rec, ok, err := w.opts.Catalog.NextPending(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("scan offload queue")
			return
		}
		if !ok {
			return
		}
		if err := w.process(ctx, rec); err != nil {
			if ctx.Err() != nil {
				return
			}
			// The recording is FAILED now; move on so one bad file
			// does not wedge the queue.
			logger.Error().Err(err).
				Str(log.FieldRecordingID, rec.RecordingID).
				Msg("offload failed")
		}
	}
}

func (w *Worker) publishQueueDepth(ctx context.Context) {
	if n, err := w.opts.Catalog.CountPending(ctx); err == nil {
		metrics.SetOffloadQueueDepth(n)
	}
}

// retryable reports whether the upload should be attempted again: network
// faults, server errors and checksum mismatches. Local faults (missing file,
// malformed manifest) and request rejections are terminal.
func retryable(err error) bool {
	switch rigerr.ReasonOf(err) {
	case rigerr.ReasonPeerUnreachable, rigerr.ReasonTimeout,
		rigerr.ReasonChecksumMismatch, rigerr.ReasonInvariant:
		return true
	}
	return false
}

// jittered spreads retries so three nodes recovering together do not hammer
// the ingest server in lockstep.
func jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d + time.Duration(rand.Int63n(int64(d)/4+1)) // #nosec G404 -- jitter, not crypto
}

// process runs the retry loop for one recording and records the terminal
// catalog state.
func (w *Worker) process(ctx context.Context, rec storage.Record) error {
	logger := log.WithComponent("offload")
	if err := w.opts.Catalog.SetOffloadState(ctx, rec.RecordingID, storage.OffloadUploading, ""); err != nil {
		return err
	}
	w.setCurrent(rec.RecordingID)
	defer w.setCurrent("")

	err := retry.Do(
		func() error { return w.attempt(ctx, rec) },
		retry.Context(ctx),
		retry.Attempts(uint(w.opts.Config.RetryBudget)),
		retry.RetryIf(retryable),
		retry.LastErrorOnly(true),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			if int(n) >= len(w.opts.Schedule) {
				n = uint(len(w.opts.Schedule) - 1)
			}
			return jittered(w.opts.Schedule[n])
		}),
		retry.OnRetry(func(n uint, err error) {
			metrics.UploadRetry()
			_ = w.opts.Catalog.IncrementAttempts(ctx, rec.RecordingID)
			logger.Warn().Err(err).
				Str(log.FieldRecordingID, rec.RecordingID).
				Uint("attempt", n+1).
				Msg("upload attempt failed")
		}),
	)
	if err != nil {
		metrics.UploadCompleted(false)
		w.setLastError(err.Error())
		_ = w.opts.Catalog.SetOffloadState(ctx, rec.RecordingID, storage.OffloadFailed, err.Error())
		return err
	}

	metrics.UploadCompleted(true)
	w.setLastError("")
	if err := w.opts.Catalog.SetOffloadState(ctx, rec.RecordingID, storage.OffloadConfirmed, ""); err != nil {
		return err
	}
	logger.Info().
		Str(log.FieldRecordingID, rec.RecordingID).
		Str(log.FieldSessionID, rec.SessionID).
		Msg("recording confirmed by ingest")

	if w.opts.DeleteAfterConfirm {
		if err := os.Remove(rec.FilePath); err != nil && !os.IsNotExist(err) {
			logger.Warn().Err(err).Str(log.FieldRecordingID, rec.RecordingID).Msg("delete after confirm")
		}
	}
	return nil
}

// attempt runs one full protocol pass behind the circuit breaker. Only
// network-class failures count against the breaker; a 4xx means the server
// is alive and talking.
func (w *Worker) attempt(ctx context.Context, rec storage.Record) error {
	if !w.breaker.Allow() {
		return rigerr.New(rigerr.ReasonPeerUnreachable, "offload.breaker", "ingest circuit open")
	}
	err := w.uploadOnce(ctx, rec)
	switch rigerr.ReasonOf(err) {
	case rigerr.ReasonPeerUnreachable, rigerr.ReasonTimeout:
		w.breaker.RecordFailure()
	default:
		w.breaker.RecordSuccess()
	}
	return err
}

// uploadOnce drives init/chunk/manifest/finalize/confirm. Chunks already on
// the server are skipped, so a resumed attempt only moves the missing tail.
func (w *Worker) uploadOnce(ctx context.Context, rec storage.Record) error {
	doc, err := manifest.Read(rec.ManifestPath)
	if err != nil {
		return rigerr.Wrap(rigerr.ReasonInvalid, "offload.manifest", err)
	}
	f, err := os.Open(rec.FilePath) // #nosec G304 -- catalog paths are layout-confined
	if err != nil {
		return rigerr.Wrap(rigerr.ReasonNotFound, "offload.open", err)
	}
	defer func() { _ = f.Close() }()
	st, err := f.Stat()
	if err != nil {
		return err
	}

	chunkSize := w.opts.Config.ChunkSize
	init, err := w.opts.Client.Init(ctx, InitRequest{
		SessionID:   rec.SessionID,
		NodeID:      rec.NodeID,
		RecordingID: rec.RecordingID,
		Ext:         strings.TrimPrefix(filepath.Ext(rec.FilePath), "."),
		FileSize:    st.Size(),
		ChunkSize:   chunkSize,
		Checksum:    rec.Checksum,
	})
	if rigerr.ReasonOf(err) == rigerr.ReasonConflict {
		// Already finalized server-side; only our confirm ack was lost.
		return w.confirm(ctx, rec)
	}
	if err != nil {
		return err
	}
	received := make(map[int]bool, len(init.ReceivedChunks))
	for _, i := range init.ReceivedChunks {
		received[i] = true
	}

	total := int((st.Size() + chunkSize - 1) / chunkSize)
	buf := make([]byte, chunkSize)
	for i := 0; i < total; i++ {
		if received[i] {
			continue
		}
		n, err := f.ReadAt(buf, int64(i)*chunkSize)
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if w.limiter != nil {
			if err := w.limiter.WaitN(ctx, n); err != nil {
				return err
			}
		}
		if err := w.opts.Client.Chunk(ctx, init.UploadID, i, buf[:n]); err != nil {
			metrics.UploadChunk(false, n)
			return err
		}
		metrics.UploadChunk(true, n)
	}

	if err := w.opts.Client.Manifest(ctx, doc); err != nil {
		return err
	}

	fin, err := w.opts.Client.Finalize(ctx, init.UploadID, total)
	if err != nil {
		return err
	}
	if !strings.EqualFold(fin.Checksum, rec.Checksum) {
		// The server's copy is corrupt. Discard it so the retry starts a
		// fresh upload instead of resuming the bad chunks.
		_ = w.opts.Client.Delete(ctx, init.UploadID)
		return rigerr.Newf(rigerr.ReasonChecksumMismatch, "offload.finalize",
			"server %s, local %s", fin.Checksum, rec.Checksum)
	}

	// Verified server-side; only the confirm handshake is left.
	_ = w.opts.Catalog.SetOffloadState(ctx, rec.RecordingID, storage.OffloadUploaded, "")

	return w.confirm(ctx, rec)
}

// confirm acknowledges the upload and cross-checks the checksum the server
// committed to.
func (w *Worker) confirm(ctx context.Context, rec storage.Record) error {
	sum, err := w.opts.Client.Confirm(ctx, rec.SessionID, rec.NodeID)
	if err != nil {
		return err
	}
	if !strings.EqualFold(sum, rec.Checksum) {
		return rigerr.Newf(rigerr.ReasonChecksumMismatch, "offload.confirm",
			"server %s, local %s", sum, rec.Checksum)
	}
	return nil
}
