// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	syncOffsetMS = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldrig_sync_offset_ms",
		Help: "Last measured clock offset from the master in milliseconds",
	})

	syncRTT = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fieldrig_sync_rtt_seconds",
		Help:    "Round-trip time of sync exchanges with the master",
		Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	})

	syncFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldrig_sync_failures_total",
		Help: "Sync exchanges that failed or exceeded RTT bounds",
	})

	syncStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fieldrig_sync_status",
		Help: "Current sync classification (1 for the active one)",
	}, []string{"status"}) // status=ok|warn|fail|master
)

// SyncSample publishes one completed sync exchange.
func SyncSample(offsetMS, rttSeconds float64) {
	syncOffsetMS.Set(offsetMS)
	syncRTT.Observe(rttSeconds)
}

// SyncFailure counts a failed sync exchange.
func SyncFailure() { syncFailures.Inc() }

// SetSyncStatus flags the active classification and clears the others.
func SetSyncStatus(status string) {
	for _, s := range []string{"ok", "warn", "fail", "master"} {
		v := 0.0
		if s == status {
			v = 1.0
		}
		syncStatus.WithLabelValues(s).Set(v)
	}
}
