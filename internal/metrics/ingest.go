// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeUploads = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldrig_ingest_active_uploads",
		Help: "Uploads currently open on the ingest server",
	})

	ingestChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldrig_ingest_chunks_total",
		Help: "Chunks received by outcome",
	}, []string{"outcome"}) // outcome=ok|duplicate|error

	sessionsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldrig_ingest_sessions_total",
		Help: "Sessions reaching a terminal status",
	}, []string{"status"}) // status=published|partial

	finalizeChecksum = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldrig_ingest_finalize_total",
		Help: "Finalize calls by checksum verification outcome",
	}, []string{"outcome"}) // outcome=match|mismatch
)

// IngestUploadOpened tracks an upload becoming active.
func IngestUploadOpened() { activeUploads.Inc() }

// IngestUploadClosed tracks an upload finishing or expiring.
func IngestUploadClosed() { activeUploads.Dec() }

// IngestChunk counts one received chunk.
func IngestChunk(outcome string) { ingestChunks.WithLabelValues(outcome).Inc() }

// SessionPublished counts a session reaching PUBLISHED or PARTIAL.
func SessionPublished(status string) { sessionsPublished.WithLabelValues(status).Inc() }

// FinalizeChecksum counts a finalize verification outcome.
func FinalizeChecksum(match bool) {
	outcome := "match"
	if !match {
		outcome = "mismatch"
	}
	finalizeChecksum.WithLabelValues(outcome).Inc()
}
