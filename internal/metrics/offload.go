// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	uploadChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldrig_upload_chunks_total",
		Help: "Uploaded chunks by outcome",
	}, []string{"outcome"}) // outcome=ok|error

	uploadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldrig_upload_bytes_total",
		Help: "Payload bytes uploaded to the ingest server",
	})

	uploadRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldrig_upload_retries_total",
		Help: "Upload attempts beyond the first per recording",
	})

	uploadsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldrig_uploads_completed_total",
		Help: "Recordings that finished offload by result",
	}, []string{"result"}) // result=confirmed|failed

	offloadQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldrig_offload_queue_depth",
		Help: "Recordings waiting for upload",
	})
)

// UploadChunk counts one chunk upload with its payload size.
func UploadChunk(ok bool, bytes int) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	uploadChunks.WithLabelValues(outcome).Inc()
	if ok {
		uploadBytes.Add(float64(bytes))
	}
}

// UploadRetry counts one retried upload attempt.
func UploadRetry() { uploadRetries.Inc() }

// UploadCompleted counts a finished offload.
func UploadCompleted(confirmed bool) {
	result := "confirmed"
	if !confirmed {
		result = "failed"
	}
	uploadsCompleted.WithLabelValues(result).Inc()
}

// SetOffloadQueueDepth publishes the pending upload count.
func SetOffloadQueueDepth(n int) { offloadQueueDepth.Set(float64(n)) }
