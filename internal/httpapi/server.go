// Package httpapi exposes the gateway's REST and event-stream surface.
//
// The surface is deliberately thin: request decoding, validation, error
// mapping and SSE framing. All orchestration lives in internal/engine.
package httpapi

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/codemate-dev/gateway/internal/clock"
	"github.com/codemate-dev/gateway/internal/engine"
	cmerrors "github.com/codemate-dev/gateway/internal/errors"
	"github.com/codemate-dev/gateway/internal/hub"
	"github.com/codemate-dev/gateway/internal/store"
)

// Server wires the HTTP handlers to the engine, store and hub.
type Server struct {
	engine *engine.Engine
	store  *store.Store
	hub    *hub.Hub
	clock  clock.Clock
	logger zerolog.Logger
}

// New creates the API server.
func New(eng *engine.Engine, st *store.Store, h *hub.Hub, clk clock.Clock, logger zerolog.Logger) *Server {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Server{engine: eng, store: st, hub: h, clock: clk, logger: logger}
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("GET /v1/tasks", s.handleListTasks)
	mux.HandleFunc("POST /v1/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /v1/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /v1/tasks/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /v1/tasks/{id}/deny", s.handleDeny)
	mux.HandleFunc("POST /v1/tasks/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /v1/tasks/{id}/events", s.handleEvents)

	return s.logRequests(mux)
}

// logRequests is a zerolog access-log middleware.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

// statusRecorder captures the response status for the access log.
// It passes Flush through so SSE streaming keeps working behind the
// middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// writeJSON writes a JSON response with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}

// writeError maps domain errors to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case stderrors.Is(err, cmerrors.ErrValidation):
		status = http.StatusBadRequest
	case stderrors.Is(err, cmerrors.ErrTaskNotFound):
		status = http.StatusNotFound
	case stderrors.Is(err, cmerrors.ErrNoPendingApproval), stderrors.Is(err, cmerrors.ErrTaskTerminal):
		status = http.StatusConflict
	}
	s.writeJSON(w, status, map[string]any{"detail": err.Error()})
}
