// Package server exposes the HTTP surface: the signed webhook endpoints
// and a small job-control API for operators.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/jholhewres/crmclaw/pkg/crmclaw/queue"
	"github.com/jholhewres/crmclaw/pkg/crmclaw/slack"
	"github.com/jholhewres/crmclaw/pkg/crmclaw/store"
)

// Server is the HTTP front of the service.
type Server struct {
	store  *store.Store
	queue  *queue.Queue
	logger *slog.Logger
	srv    *http.Server
}

// New builds the server and its routes.
func New(addr string, gateway *slack.Gateway, st *store.Store, q *queue.Queue, logger *slog.Logger) *Server {
	s := &Server{
		store:  st,
		queue:  q,
		logger: logger.With("component", "server"),
	}

	r := mux.NewRouter()
	r.HandleFunc("/slack/events", gateway.HandleEvents).Methods(http.MethodPost)
	r.HandleFunc("/slack/actions", gateway.HandleActions).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}/respond", s.handleRespond).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{id}/retry", s.handleRetry).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving. It blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.srv.Addr)
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	depth, err := s.queue.Depth(r.Context())
	if err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"queue_depth": depth,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"id":               job.ID,
		"status":           job.Status,
		"title":            job.Title,
		"org_id":           job.OrgID,
		"turns":            job.Turns,
		"tool_calls":       job.ToolCalls,
		"duration_ms":      job.DurationMS,
		"pending_question": job.PendingQuestion,
		"created_at":       job.CreatedAt,
		"updated_at":       job.UpdatedAt,
	})
}

// handleRespond resumes a job that is waiting for user input (or
// paused) and puts it back on the dispatch queue.
func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx := r.Context()

	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Message == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}

	if err := s.store.RespondJob(ctx, id, body.Message); err != nil {
		s.writeStoreError(w, err)
		return
	}
	if err := s.queue.Enqueue(ctx, id); err != nil {
		s.logger.Error("enqueue after respond failed", "job_id", id, "error", err)
		http.Error(w, "dispatch failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": store.StatusRunning})
}

// handleRetry re-runs a failed job from a fresh attempt budget.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx := r.Context()

	if err := s.store.RetryJob(ctx, id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	if err := s.queue.Enqueue(ctx, id); err != nil {
		s.logger.Error("enqueue after retry failed", "job_id", id, "error", err)
		http.Error(w, "dispatch failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": store.StatusQueued})
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "job not found", http.StatusNotFound)
	case errors.Is(err, store.ErrConflict):
		http.Error(w, "job is not in a state that allows this", http.StatusConflict)
	default:
		s.logger.Error("store error", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encoding response", "error", err)
	}
}
