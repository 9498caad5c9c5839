// SPDX-License-Identifier: MIT

// Package api is the camerad HTTP surface: the node control endpoints the
// coordinator fans out to, and the coordinator endpoints any node serves for
// the dashboard.
package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fieldrig/fieldrig/internal/config"
	"github.com/fieldrig/fieldrig/internal/coordinator"
	"github.com/fieldrig/fieldrig/internal/health"
	"github.com/fieldrig/fieldrig/internal/middleware"
	"github.com/fieldrig/fieldrig/internal/nodeclient"
	"github.com/fieldrig/fieldrig/internal/offload"
	"github.com/fieldrig/fieldrig/internal/registry"
	"github.com/fieldrig/fieldrig/internal/storage"
)

// Options wires the server's collaborators.
type Options struct {
	Identity    config.Identity
	Offload     config.Offload
	Local       *Local
	Coordinator *coordinator.Coordinator
	Registry    *registry.Registry
	Catalog     *storage.Catalog
	// Worker is nil when offload is disabled.
	Worker *offload.Worker
	Health *health.Manager
}

// Server is the camerad API.
type Server struct {
	opts Options
}

// NewServer builds the API server.
func NewServer(opts Options) *Server {
	return &Server{opts: opts}
}

// Router builds the camerad router.
func (s *Server) Router(ratePerMinute int) chi.Router {
	r := chi.NewRouter()
	middleware.Apply(r, "camerad", ratePerMinute)
	r.Use(s.observePeers)

	r.Get("/status", s.handleStatus)
	r.Post("/arm", s.handleArm)
	r.Post("/start", s.handleStart)
	r.Post("/stop", s.handleStop)
	r.Post("/abort", s.handleAbort)
	r.Post("/sync/trigger", s.handleSyncTrigger)
	r.Get("/time", s.handleTime)

	r.Get("/recordings", s.handleRecordings)
	r.Post("/recordings/{recordingID}/offload", s.handleRequeueOffload)
	r.Get("/offload/status", s.handleOffloadStatus)
	r.Delete("/sessions/{sessionID}", s.handleCleanupSession)

	r.Route("/coordinator", func(r chi.Router) {
		r.Get("/status", s.handleClusterStatus)
		r.Post("/preflight", s.handlePreflight)
		r.Post("/start", s.handleClusterStart)
		r.Post("/stop", s.handleClusterStop)
		r.Post("/sync", s.handleClusterSync)
		r.Post("/test", s.handleClusterTest)
		r.Get("/peers", s.handlePeers)
		r.Post("/peers", s.handleAddPeer)
		r.Delete("/peers/{nodeID}", s.handleRemovePeer)
	})

	r.Get("/healthz", s.opts.Health.HealthHandler())
	r.Get("/readyz", s.opts.Health.ReadyHandler())
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// observePeers reverse-learns calling peers from their identity headers.
// Static and discovered entries outrank learned ones in the registry.
func (s *Server) observePeers(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(nodeclient.HeaderNodeID)
		ep := r.Header.Get(nodeclient.HeaderEndpoint)
		if id != "" && ep != "" && id != s.opts.Identity.NodeID {
			pos := config.Position(r.Header.Get(nodeclient.HeaderPosition))
			master := pos == config.PositionCenter
			if h := r.Header.Get(nodeclient.HeaderMaster); h != "" {
				master, _ = strconv.ParseBool(h)
			}
			s.opts.Registry.Observe(id, ep, pos, master, registry.SourceLearned)
		}
		next.ServeHTTP(w, r)
	})
}
