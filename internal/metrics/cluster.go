// SPDX-License-Identifier: MIT

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fanoutDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fieldrig_fanout_duration_seconds",
		Help:    "Coordinator fan-out latency per operation",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
	}, []string{"op"}) // op=status|preflight|arm|start|stop|abort|sync

	fanoutPeerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldrig_fanout_peer_errors_total",
		Help: "Per-peer fan-out failures by operation and reason",
	}, []string{"op", "reason"})

	peersOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldrig_peers_online",
		Help: "Registry peers currently considered online",
	})

	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fieldrig_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
	}, []string{"name"})
)

// ObserveFanout records the wall time of one coordinator fan-out.
func ObserveFanout(op string, d time.Duration) {
	fanoutDuration.WithLabelValues(op).Observe(d.Seconds())
}

// FanoutPeerError counts one failed per-peer call.
func FanoutPeerError(op, reason string) {
	fanoutPeerErrors.WithLabelValues(op, reason).Inc()
}

// SetPeersOnline publishes the registry's online count.
func SetPeersOnline(n int) { peersOnline.Set(float64(n)) }

// SetCircuitBreakerState publishes a breaker state by name.
func SetCircuitBreakerState(name, state string) {
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	circuitBreakerState.WithLabelValues(name).Set(v)
}
