// SPDX-License-Identifier: MIT

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fieldrig/fieldrig/internal/config"
	"github.com/fieldrig/fieldrig/internal/middleware"
	"github.com/fieldrig/fieldrig/internal/nodeclient"
	"github.com/fieldrig/fieldrig/internal/registry"
	"github.com/fieldrig/fieldrig/internal/rigerr"
)

func (s *Server) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, s.opts.Coordinator.Status(r.Context()))
}

func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, s.opts.Coordinator.Preflight(r.Context()))
}

type clusterStartRequest struct {
	// SessionID is optional; empty asks the coordinator to generate one.
	SessionID string `json:"session_id"`
}

// handleClusterStart runs the two-phase start. A partial outcome is not an
// HTTP error: the per-camera listing is the result.
func (s *Server) handleClusterStart(w http.ResponseWriter, r *http.Request) {
	var req clusterStartRequest
	if r.ContentLength != 0 {
		if err := middleware.DecodeJSON(r, &req, 1<<16); err != nil {
			middleware.WriteError(w, r, err)
			return
		}
	}
	result, err := s.opts.Coordinator.Start(r.Context(), req.SessionID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handleClusterStop(w http.ResponseWriter, r *http.Request) {
	result, err := s.opts.Coordinator.Stop(r.Context())
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handleClusterSync(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, s.opts.Coordinator.SyncAll(r.Context()))
}

func (s *Server) handleClusterTest(w http.ResponseWriter, r *http.Request) {
	result, err := s.opts.Coordinator.Test(r.Context())
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers := s.opts.Coordinator.Peers()
	if peers == nil {
		peers = []registry.Peer{}
	}
	middleware.WriteJSON(w, http.StatusOK, peers)
}

type addPeerRequest struct {
	NodeID   string          `json:"node_id"`
	Endpoint string          `json:"endpoint"`
	Position config.Position `json:"position"`
	Master   bool            `json:"master"`
}

func (s *Server) handleAddPeer(w http.ResponseWriter, r *http.Request) {
	var req addPeerRequest
	if err := middleware.DecodeJSON(r, &req, 1<<16); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if err := s.opts.Coordinator.AddPeer(req.NodeID, req.Endpoint, req.Position, req.Master); err != nil {
		middleware.WriteError(w, r, rigerr.Wrap(rigerr.ReasonInvalid, "api.peers", err))
		return
	}
	middleware.WriteJSON(w, http.StatusOK, nodeclient.OKResponse{OK: true})
}

func (s *Server) handleRemovePeer(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Coordinator.RemovePeer(chi.URLParam(r, "nodeID")); err != nil {
		middleware.WriteError(w, r, rigerr.Wrap(rigerr.ReasonNotFound, "api.peers", err))
		return
	}
	middleware.WriteJSON(w, http.StatusOK, nodeclient.OKResponse{OK: true})
}
