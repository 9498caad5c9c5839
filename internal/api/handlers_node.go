// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fieldrig/fieldrig/internal/ident"
	"github.com/fieldrig/fieldrig/internal/middleware"
	"github.com/fieldrig/fieldrig/internal/nodeclient"
	"github.com/fieldrig/fieldrig/internal/rigerr"
	"github.com/fieldrig/fieldrig/internal/storage"
	"github.com/fieldrig/fieldrig/internal/timesync"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, s.opts.Local.Store.Snapshot())
}

func (s *Server) decodeSession(r *http.Request) (string, error) {
	var req nodeclient.SessionRequest
	if err := middleware.DecodeJSON(r, &req, 1<<16); err != nil {
		return "", err
	}
	return req.SessionID, nil
}

func (s *Server) handleArm(w http.ResponseWriter, r *http.Request) {
	sessionID, err := s.decodeSession(r)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if err := s.opts.Local.Arm(r.Context(), sessionID); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, nodeclient.OKResponse{OK: true})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	sessionID, err := s.decodeSession(r)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	startedAt, err := s.opts.Local.Start(r.Context(), sessionID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, nodeclient.StartResponse{OK: true, StartedAt: startedAt})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	sessionID, err := s.decodeSession(r)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	rec, err := s.opts.Local.Stop(r.Context(), sessionID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	snap := s.opts.Local.Store.Snapshot()
	middleware.WriteJSON(w, http.StatusOK, nodeclient.StopResponse{OK: true, State: snap.RecordingState, Recording: rec})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	sessionID, err := s.decodeSession(r)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if err := s.opts.Local.Abort(r.Context(), sessionID); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, nodeclient.OKResponse{OK: true})
}

func (s *Server) handleSyncTrigger(w http.ResponseWriter, r *http.Request) {
	sample, err := s.opts.Local.SyncTrigger(r.Context())
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, sample)
}

// handleTime answers the clock exchange. The two timestamps straddle the
// handler so the slave's offset calculation can subtract server hold time.
func (s *Server) handleTime(w http.ResponseWriter, r *http.Request) {
	resp := timesync.ClockResponse{
		NodeID:   s.opts.Identity.NodeID,
		IsMaster: s.opts.Identity.IsMaster(),
		TRecvNS:  time.Now().UnixNano(),
	}
	resp.TSendNS = time.Now().UnixNano()
	middleware.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request) {
	recs, err := s.opts.Catalog.List(r.Context())
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if recs == nil {
		recs = []storage.Record{}
	}
	middleware.WriteJSON(w, http.StatusOK, recs)
}

// handleRequeueOffload puts a FAILED (or CONFIRMED) recording back on the
// upload queue and wakes the worker.
func (s *Server) handleRequeueOffload(w http.ResponseWriter, r *http.Request) {
	recordingID := chi.URLParam(r, "recordingID")
	if _, err := s.opts.Catalog.Get(r.Context(), recordingID); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if err := s.opts.Catalog.SetOffloadState(r.Context(), recordingID, storage.OffloadLocal, ""); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if s.opts.Worker != nil {
		s.opts.Worker.Wake()
	}
	middleware.WriteJSON(w, http.StatusOK, nodeclient.OKResponse{OK: true})
}

func (s *Server) handleOffloadStatus(w http.ResponseWriter, r *http.Request) {
	status := nodeclient.OffloadStatus{
		Enabled:      s.opts.Offload.Enabled,
		IngestURL:    s.opts.Offload.IngestURL,
		BreakerState: "disabled",
	}
	if s.opts.Worker != nil {
		status.BreakerState = string(s.opts.Worker.BreakerState())
		status.Uploading = s.opts.Worker.Current()
		status.LastError = s.opts.Worker.LastError()
	}
	if n, err := s.opts.Catalog.CountPending(r.Context()); err == nil {
		status.QueueDepth = n
	}
	middleware.WriteJSON(w, http.StatusOK, status)
}

func (s *Server) handleCleanupSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if !ident.ValidSessionID(sessionID) {
		middleware.WriteError(w, r, rigerr.Newf(rigerr.ReasonInvalid, "api.cleanup", "session id %q does not match the grammar", sessionID))
		return
	}
	if err := s.opts.Local.CleanupSession(r.Context(), sessionID); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, nodeclient.OKResponse{OK: true})
}
