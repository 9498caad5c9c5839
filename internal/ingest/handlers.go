// SPDX-License-Identifier: MIT

package ingest

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/fieldrig/fieldrig/internal/health"
	"github.com/fieldrig/fieldrig/internal/manifest"
	"github.com/fieldrig/fieldrig/internal/middleware"
	"github.com/fieldrig/fieldrig/internal/rigerr"
)

// Server is the ingest HTTP surface.
type Server struct {
	mgr    *Manager
	health *health.Manager
}

// NewServer wires the handlers.
func NewServer(mgr *Manager, h *health.Manager) *Server {
	return &Server{mgr: mgr, health: h}
}

// Router builds the ingest API router.
func (s *Server) Router(ratePerMinute int) chi.Router {
	r := chi.NewRouter()
	middleware.Apply(r, "ingestd", ratePerMinute)

	r.Route("/upload", func(r chi.Router) {
		r.Post("/init", s.handleInit)
		r.Post("/chunk", s.handleChunk)
		r.Post("/manifest", s.handleManifest)
		r.Post("/finalize", s.handleFinalize)
		r.Post("/confirm", s.handleConfirm)
		r.Delete("/{uploadID}", s.handleDelete)
	})
	r.Get("/health", s.handleHealth)
	r.Get("/sessions", s.handleSessions)
	r.Get("/sessions/{sessionID}", s.handleSession)

	r.Get("/healthz", s.health.HealthHandler())
	r.Get("/readyz", s.health.ReadyHandler())
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	var req InitRequest
	if err := middleware.DecodeJSON(r, &req, 1<<20); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	resp, err := s.mgr.Init(r.Context(), req)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}

// handleChunk accepts one multipart chunk: fields upload_id and chunk_index,
// file part "chunk".
func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	// The multipart reader streams; only the form fields stay in memory.
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		middleware.WriteError(w, r, rigerr.Wrap(rigerr.ReasonInvalid, "ingest.chunk", err))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	uploadID := r.FormValue("upload_id")
	index, err := strconv.Atoi(r.FormValue("chunk_index"))
	if err != nil {
		middleware.WriteError(w, r, rigerr.Newf(rigerr.ReasonInvalid, "ingest.chunk", "bad chunk_index %q", r.FormValue("chunk_index")))
		return
	}
	file, _, err := r.FormFile("chunk")
	if err != nil {
		middleware.WriteError(w, r, rigerr.Wrap(rigerr.ReasonInvalid, "ingest.chunk", err))
		return
	}
	defer func() { _ = file.Close() }()

	if err := s.mgr.Chunk(r.Context(), uploadID, index, file); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	var doc manifest.Manifest
	if err := middleware.DecodeJSON(r, &doc, 1<<20); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if err := s.mgr.Manifest(r.Context(), &doc); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type finalizeRequest struct {
	UploadID    string `json:"upload_id"`
	TotalChunks int    `json:"total_chunks"`
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if err := middleware.DecodeJSON(r, &req, 1<<20); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	resp, err := s.mgr.Finalize(r.Context(), req.UploadID, req.TotalChunks)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}

type confirmRequest struct {
	SessionID string `json:"session_id"`
	NodeID    string `json:"node_id"`
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := middleware.DecodeJSON(r, &req, 1<<20); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	checksum, err := s.mgr.Confirm(r.Context(), req.SessionID, req.NodeID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"checksum_sha256": checksum})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.DeleteUpload(r.Context(), chi.URLParam(r, "uploadID")); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type healthResponse struct {
	StorageFreeBytes uint64 `json:"storage_free_bytes"`
	ActiveUploads    int    `json:"active_uploads"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	active, err := s.mgr.store.ActiveUploadCount()
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	var free uint64
	if usage, err := disk.UsageWithContext(r.Context(), s.mgr.cfg.SessionsRoot); err == nil {
		free = usage.Free
	}
	middleware.WriteJSON(w, http.StatusOK, healthResponse{StorageFreeBytes: free, ActiveUploads: active})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.mgr.Sessions(r.Context())
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	resp, err := s.mgr.SessionStatus(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}
