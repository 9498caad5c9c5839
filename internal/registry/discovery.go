// SPDX-License-Identifier: MIT

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/fieldrig/fieldrig/internal/buildinfo"
	"github.com/fieldrig/fieldrig/internal/config"
	"github.com/fieldrig/fieldrig/internal/log"
)

// announcement is the UDP broadcast payload. Receivers validate every field
// before touching the registry.
type announcement struct {
	NodeID   string          `json:"node_id"`
	Position config.Position `json:"position"`
	Endpoint string          `json:"endpoint"`
	Master   bool            `json:"master"`
	Version  string          `json:"version"`
}

// Discovery broadcasts this node's identity on the LAN and learns peers
// from their announcements. Static registry entries are never overridden.
type Discovery struct {
	registry *Registry
	identity config.Identity
	addr     string
	interval time.Duration
}

// NewDiscovery creates the announcer/listener pair for addr
// (broadcast-host:port).
func NewDiscovery(r *Registry, id config.Identity, addr string, interval time.Duration) *Discovery {
	return &Discovery{registry: r, identity: id, addr: addr, interval: interval}
}

// Run announces and listens until ctx is cancelled.
func (d *Discovery) Run(ctx context.Context) error {
	udpAddr, err := net.ResolveUDPAddr("udp4", d.addr)
	if err != nil {
		return fmt.Errorf("resolve discovery addr %s: %w", d.addr, err)
	}

	listen, err := net.ListenUDP("udp4", &net.UDPAddr{Port: udpAddr.Port})
	if err != nil {
		return fmt.Errorf("listen discovery port %d: %w", udpAddr.Port, err)
	}

	go d.listen(ctx, listen)
	d.announce(ctx, udpAddr)

	_ = listen.Close()
	return nil
}

func (d *Discovery) announce(ctx context.Context, addr *net.UDPAddr) {
	logger := log.WithComponent("discovery")
	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		logger.Warn().Err(err).Msg("discovery announcer disabled")
		<-ctx.Done()
		return
	}
	defer func() { _ = conn.Close() }()

	payload, err := json.Marshal(announcement{
		NodeID:   d.identity.NodeID,
		Position: d.identity.Position,
		Endpoint: d.identity.Endpoint,
		Master:   d.identity.IsMaster(),
		Version:  buildinfo.Version,
	})
	if err != nil {
		logger.Error().Err(err).Msg("encode announcement")
		return
	}

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := conn.Write(payload); err != nil {
				logger.Debug().Err(err).Msg("announcement send failed")
			}
		}
	}
}

func (d *Discovery) listen(ctx context.Context, conn *net.UDPConn) {
	logger := log.WithComponent("discovery")
	buf := make([]byte, 2048)
	for {
		if ctx.Err() != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			logger.Debug().Err(err).Msg("discovery read failed")
			continue
		}

		var a announcement
		if err := json.Unmarshal(buf[:n], &a); err != nil {
			continue
		}
		if a.NodeID == "" || a.NodeID == d.identity.NodeID || a.Endpoint == "" {
			continue
		}
		d.registry.Observe(a.NodeID, a.Endpoint, a.Position, a.Master, SourceDiscovered)
	}
}
