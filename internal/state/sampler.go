// SPDX-License-Identifier: MIT

package state

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"

	"github.com/fieldrig/fieldrig/internal/log"
	"github.com/fieldrig/fieldrig/internal/metrics"
)

// Sampler periodically refreshes storage and temperature in the store and
// feeds the rolling temperature window used by manifests.
type Sampler struct {
	store    *Store
	root     string
	interval time.Duration

	temps *TemperatureWindow
}

// NewSampler creates a sampler for the recording root filesystem.
func NewSampler(store *Store, root string, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Sampler{store: store, root: root, interval: interval, temps: NewTemperatureWindow()}
}

// Temperatures exposes the rolling window for manifest quality stats.
func (s *Sampler) Temperatures() *TemperatureWindow { return s.temps }

// SampleOnce refreshes the store immediately; used at boot and by preflight.
func (s *Sampler) SampleOnce(ctx context.Context) {
	logger := log.WithComponent("state.sampler")

	if usage, err := disk.UsageWithContext(ctx, s.root); err != nil {
		logger.Warn().Err(err).Str(log.FieldPath, s.root).Msg("disk usage sample failed")
	} else {
		s.store.SetStorage(usage.Free, usage.Total)
		metrics.SetStorageFree(usage.Free)
	}

	if c, ok := readTemperature(ctx); ok {
		s.store.SetTemperature(c)
		s.temps.Record(c)
		metrics.SetTemperature(c)
	}
}

// Run samples until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	s.SampleOnce(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SampleOnce(ctx)
		}
	}
}

// readTemperature picks the hottest reported sensor. Edge boxes expose CPU
// and SoC sensors with varying keys, and the hottest one is the one that
// throttles recording.
func readTemperature(ctx context.Context) (float64, bool) {
	sensors, err := host.SensorsTemperaturesWithContext(ctx)
	if err != nil || len(sensors) == 0 {
		return 0, false
	}
	var maxC float64
	var found bool
	for _, t := range sensors {
		if t.Temperature <= 0 {
			continue
		}
		if !found || t.Temperature > maxC {
			maxC = t.Temperature
			found = true
		}
	}
	return maxC, found
}

// TemperatureWindow accumulates samples between Reset calls, yielding the
// average and max over one recording for the manifest quality block.
type TemperatureWindow struct {
	mu    sync.Mutex
	sum   float64
	count int
	max   float64
}

// NewTemperatureWindow creates an empty window.
func NewTemperatureWindow() *TemperatureWindow { return &TemperatureWindow{} }

// Record adds one sample.
func (w *TemperatureWindow) Record(c float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sum += c
	w.count++
	if c > w.max {
		w.max = c
	}
}

// Reset clears the window at recording start.
func (w *TemperatureWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sum, w.count, w.max = 0, 0, 0
}

// Stats returns the average and max since the last Reset.
func (w *TemperatureWindow) Stats() (avg, max float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.count == 0 {
		return 0, 0
	}
	return w.sum / float64(w.count), w.max
}
