// SPDX-License-Identifier: MIT

package timesync

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/fieldrig/fieldrig/internal/config"
	"github.com/fieldrig/fieldrig/internal/log"
	"github.com/fieldrig/fieldrig/internal/metrics"
	"github.com/fieldrig/fieldrig/internal/rigerr"
	"github.com/fieldrig/fieldrig/internal/state"
)

// QueryFunc performs one clock exchange against the master and returns all
// four timestamps. Implemented by the node client.
type QueryFunc func(ctx context.Context) (Exchange, error)

// Monitor tracks this node's offset from the master. On the master itself it
// only publishes the master status; slaves poll periodically. A trigger in
// flight supersedes the periodic pass and vice versa: only the newest query
// updates the sample.
type Monitor struct {
	cfg      config.Sync
	isMaster bool
	query    QueryFunc
	store    *state.Store

	mu       sync.Mutex
	last     Sample
	hasGood  bool
	lastGood time.Time
	seq      uint64 // generation counter; stale queries do not report
	cancel   context.CancelFunc
}

// NewMonitor creates the sync monitor. query may be nil on the master.
func NewMonitor(cfg config.Sync, isMaster bool, query QueryFunc, store *state.Store) *Monitor {
	m := &Monitor{cfg: cfg, isMaster: isMaster, query: query, store: store}
	if isMaster {
		m.last = Sample{Status: StatusMaster, At: time.Now().UTC()}
		m.hasGood = true
		m.lastGood = time.Now().UTC()
		metrics.SetSyncStatus(string(StatusMaster))
	} else {
		m.last = Sample{OffsetMS: math.NaN(), RTTMS: math.NaN(), Status: StatusFail}
	}
	return m
}

// Run polls until ctx is cancelled. The master publishes once and returns.
func (m *Monitor) Run(ctx context.Context) {
	if m.isMaster {
		m.store.SetSync(0, string(StatusMaster))
		<-ctx.Done()
		return
	}
	if _, err := m.Trigger(ctx); err != nil {
		log.WithComponent("timesync").Warn().Err(err).Msg("initial sync pass failed")
	}
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Trigger(ctx); err != nil {
				log.WithComponent("timesync").Debug().Err(err).Msg("sync pass failed")
			}
		}
	}
}

// Trigger runs one sync pass now. A newer trigger supersedes one in flight;
// the superseded query's result is discarded.
func (m *Monitor) Trigger(ctx context.Context) (Sample, error) {
	if m.isMaster {
		return m.Current(), nil
	}
	if m.query == nil {
		return Sample{}, rigerr.New(rigerr.ReasonInvariant, "timesync.trigger", "no master query configured")
	}

	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	qctx, cancel := context.WithTimeout(ctx, m.cfg.Interval)
	m.cancel = cancel
	m.seq++
	seq := m.seq
	m.mu.Unlock()
	defer cancel()

	ex, err := m.query(qctx)
	if err != nil {
		metrics.SyncFailure()
		m.noteFailure(seq)
		return m.Current(), rigerr.Wrap(rigerr.ReasonPeerUnreachable, "timesync.trigger", err)
	}

	sample := Sample{
		OffsetMS: ex.OffsetMS(),
		RTTMS:    ex.RTTMS(),
		At:       time.Now().UTC(),
	}
	sample.Status = Classify(sample.OffsetMS, sample.RTTMS, m.cfg.ToleranceMS, m.cfg.RTTMaxMS)

	m.mu.Lock()
	if seq != m.seq {
		// Superseded by a newer query; drop this result.
		m.mu.Unlock()
		return m.Current(), nil
	}
	m.last = sample
	if sample.Status != StatusFail {
		m.hasGood = true
		m.lastGood = sample.At
	}
	m.mu.Unlock()

	m.store.SetSync(sample.OffsetMS, string(sample.Status))
	metrics.SyncSample(sample.OffsetMS, sample.RTTMS/1000)
	metrics.SetSyncStatus(string(sample.Status))
	log.WithComponent("timesync").Debug().
		Float64(log.FieldOffsetMS, sample.OffsetMS).
		Float64(log.FieldRTTMS, sample.RTTMS).
		Str("status", string(sample.Status)).
		Msg("sync sample")
	return sample, nil
}

// noteFailure degrades the classification when the master has been silent
// past the stale window.
func (m *Monitor) noteFailure(seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq != m.seq {
		return
	}
	if !m.hasGood || time.Since(m.lastGood) > m.cfg.Stale {
		m.last.Status = StatusFail
		m.store.SetSync(m.last.OffsetMS, string(StatusFail))
		metrics.SetSyncStatus(string(StatusFail))
	}
}

// Current returns the last classified sample, demoted to fail once stale.
func (m *Monitor) Current() Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.last
	if m.isMaster {
		return s
	}
	if !m.hasGood || time.Since(m.lastGood) > m.cfg.Stale {
		s.Status = StatusFail
	}
	return s
}

// WithinTolerance reports whether arming is permitted: masters always,
// slaves when the freshest sample is inside tolerance and younger than the
// stale window.
func (m *Monitor) WithinTolerance() bool {
	if m.isMaster {
		return true
	}
	s := m.Current()
	if s.Status == StatusFail {
		return false
	}
	return math.Abs(s.OffsetMS) <= m.cfg.ToleranceMS
}
