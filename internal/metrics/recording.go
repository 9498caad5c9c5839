// SPDX-License-Identifier: MIT

// Package metrics defines the Prometheus collectors for both daemons under
// the fieldrig namespace. Collectors are registered via promauto at package
// load; callers use the typed setters instead of touching collectors
// directly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recordingsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldrig_recordings_started_total",
		Help: "Recordings that entered RECORDING on this node",
	})

	recordingsFinalized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldrig_recordings_finalized_total",
		Help: "Recordings finalized to LOCAL on this node",
	})

	recordingsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldrig_recordings_failed_total",
		Help: "Recordings that ended in ERROR by failure stage",
	}, []string{"stage"}) // stage=arm|driver|finalize

	stateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldrig_state_transitions_total",
		Help: "Recording state machine transitions by edge",
	}, []string{"from", "to", "event"})

	recordingBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fieldrig_recording_size_bytes",
		Help:    "Finalized recording file sizes",
		Buckets: prometheus.ExponentialBuckets(1<<20, 4, 10), // 1 MiB .. ~256 GiB
	})

	storageFreeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldrig_storage_free_bytes",
		Help: "Free bytes on the recording filesystem",
	})

	temperatureC = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldrig_temperature_celsius",
		Help: "Last sampled device temperature",
	})
)

// RecordingStarted counts a successful start transition.
func RecordingStarted() { recordingsStarted.Inc() }

// RecordingFinalized counts a finalized recording with its size.
func RecordingFinalized(sizeBytes int64) {
	recordingsFinalized.Inc()
	recordingBytes.Observe(float64(sizeBytes))
}

// RecordingFailed counts a failed recording by stage.
func RecordingFailed(stage string) { recordingsFailed.WithLabelValues(stage).Inc() }

// StateTransition counts one state machine edge.
func StateTransition(from, to, event string) {
	stateTransitions.WithLabelValues(from, to, event).Inc()
}

// SetStorageFree publishes the sampled free bytes.
func SetStorageFree(bytes uint64) { storageFreeBytes.Set(float64(bytes)) }

// SetTemperature publishes the sampled device temperature.
func SetTemperature(c float64) { temperatureC.Set(c) }
