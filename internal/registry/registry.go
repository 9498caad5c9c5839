// SPDX-License-Identifier: MIT

// Package registry maintains the set of known peer nodes. Entries come from
// static config (authoritative), LAN discovery announcements and
// reverse-learning from inbound calls, in that precedence order; a
// lower-precedence source never overwrites the endpoint of a higher one.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/fieldrig/fieldrig/internal/config"
	"github.com/fieldrig/fieldrig/internal/ident"
	"github.com/fieldrig/fieldrig/internal/log"
	"github.com/fieldrig/fieldrig/internal/metrics"
	"github.com/fieldrig/fieldrig/internal/netutil"
	"github.com/fieldrig/fieldrig/internal/rigerr"
)

// Source ranks where an entry came from.
type Source int

const (
	SourceLearned Source = iota
	SourceDiscovered
	SourceStatic
)

func (s Source) String() string {
	switch s {
	case SourceStatic:
		return "static"
	case SourceDiscovered:
		return "discovered"
	default:
		return "learned"
	}
}

// Peer is the externally visible registry entry.
type Peer struct {
	NodeID   string          `json:"node_id"`
	Endpoint string          `json:"endpoint"`
	Position config.Position `json:"position,omitempty"`
	Master   bool            `json:"master"`
	Source   string          `json:"source"`
	LastSeen time.Time       `json:"last_seen"`
	Online   bool            `json:"online"`
}

type entry struct {
	endpoint string
	position config.Position
	master   bool
	source   Source
	lastSeen time.Time
}

// Registry is the thread-safe peer set. Reads dominate, hence the RWMutex.
type Registry struct {
	selfID      string
	peerTimeout time.Duration

	mu    sync.RWMutex
	peers map[string]*entry
}

// New creates a registry for this node, seeded with the static peers.
func New(selfID string, peerTimeout time.Duration, static []config.Peer) (*Registry, error) {
	r := &Registry{
		selfID:      selfID,
		peerTimeout: peerTimeout,
		peers:       make(map[string]*entry),
	}
	for _, p := range static {
		if err := r.Add(p.NodeID, p.Endpoint, p.Position, p.IsMaster()); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add registers a static (admin) peer. Static entries always win.
func (r *Registry) Add(nodeID, endpoint string, position config.Position, master bool) error {
	if nodeID == r.selfID {
		return rigerr.Newf(rigerr.ReasonInvalid, "registry.add", "%s is this node", nodeID)
	}
	if !ident.ValidNodeID(nodeID) {
		return rigerr.Newf(rigerr.ReasonInvalid, "registry.add", "invalid node id %q", nodeID)
	}
	ep, err := netutil.NormalizeEndpoint(endpoint)
	if err != nil {
		return rigerr.Wrap(rigerr.ReasonInvalid, "registry.add", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[nodeID] = &entry{endpoint: ep, position: position, master: master, source: SourceStatic}
	return nil
}

// Observe records a peer seen via discovery or reverse-learning. The entry
// is added if new; an existing entry's endpoint moves only when the
// observation's source ranks at least as high.
func (r *Registry) Observe(nodeID, endpoint string, position config.Position, master bool, source Source) {
	if nodeID == r.selfID || !ident.ValidNodeID(nodeID) {
		return
	}
	ep, err := netutil.NormalizeEndpoint(endpoint)
	if err != nil {
		log.WithComponent("registry").Debug().Err(err).Str(log.FieldPeerID, nodeID).Msg("ignoring peer with bad endpoint")
		return
	}
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.peers[nodeID]
	if !ok {
		r.peers[nodeID] = &entry{endpoint: ep, position: position, master: master, source: source, lastSeen: now}
		log.WithComponent("registry").Info().
			Str(log.FieldPeerID, nodeID).
			Str("endpoint", ep).
			Str("source", source.String()).
			Msg("peer added")
		return
	}
	e.lastSeen = now
	if source >= e.source {
		e.endpoint = ep
		e.source = source
		e.master = master
		if position != "" {
			e.position = position
		}
	}
}

// Master returns the peer flagged as sync master, if one is known.
func (r *Registry) Master() (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, e := range r.peers {
		if e.master {
			return r.toPeer(id, e), true
		}
	}
	return Peer{}, false
}

// MarkSeen refreshes a peer's liveness after any successful exchange.
func (r *Registry) MarkSeen(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.peers[nodeID]; ok {
		e.lastSeen = time.Now().UTC()
	}
}

// Remove deletes a peer (admin operation).
func (r *Registry) Remove(nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[nodeID]; !ok {
		return rigerr.Newf(rigerr.ReasonNotFound, "registry.remove", "unknown peer %s", nodeID)
	}
	delete(r.peers, nodeID)
	return nil
}

// Get returns one peer.
func (r *Registry) Get(nodeID string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.peers[nodeID]
	if !ok {
		return Peer{}, false
	}
	return r.toPeer(nodeID, e), true
}

// List returns all peers sorted by node id.
func (r *Registry) List() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Peer, 0, len(r.peers))
	online := 0
	for id, e := range r.peers {
		p := r.toPeer(id, e)
		if p.Online {
			online++
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	metrics.SetPeersOnline(online)
	return out
}

func (r *Registry) toPeer(id string, e *entry) Peer {
	return Peer{
		NodeID:   id,
		Endpoint: e.endpoint,
		Position: e.position,
		Master:   e.master,
		Source:   e.source.String(),
		LastSeen: e.lastSeen,
		Online:   !e.lastSeen.IsZero() && time.Since(e.lastSeen) <= r.peerTimeout,
	}
}
