// SPDX-License-Identifier: MIT

package registry

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fieldrig/fieldrig/internal/log"
)

// ProbeFunc checks one peer's reachability, typically a GET /status with a
// short deadline.
type ProbeFunc func(ctx context.Context, endpoint string) error

// Prober refreshes peer liveness in the background and on demand.
type Prober struct {
	registry *Registry
	probe    ProbeFunc
	interval time.Duration
	timeout  time.Duration
}

// NewProber creates a prober polling every interval with per-peer timeout.
func NewProber(r *Registry, probe ProbeFunc, interval, timeout time.Duration) *Prober {
	return &Prober{registry: r, probe: probe, interval: interval, timeout: timeout}
}

// Run polls until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProbeAll(ctx)
		}
	}
}

// ProbeAll probes every known peer concurrently; used by the background
// loop and by coordinator operations that need fresh data.
func (p *Prober) ProbeAll(ctx context.Context) {
	peers := p.registry.List()
	g, gctx := errgroup.WithContext(ctx)
	for _, peer := range peers {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, p.timeout)
			defer cancel()
			if err := p.probe(pctx, peer.Endpoint); err != nil {
				log.WithComponent("registry.prober").Debug().
					Err(err).
					Str(log.FieldPeerID, peer.NodeID).
					Msg("peer probe failed")
				return nil
			}
			p.registry.MarkSeen(peer.NodeID)
			return nil
		})
	}
	_ = g.Wait()
}
