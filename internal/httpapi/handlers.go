package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/codemate-dev/gateway/internal/clock"
	"github.com/codemate-dev/gateway/internal/constants"
	"github.com/codemate-dev/gateway/internal/domain"
	cmerrors "github.com/codemate-dev/gateway/internal/errors"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"service": constants.ServiceName,
		"time":    clock.UnixSeconds(s.clock.Now()),
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := constants.DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < constants.MinListLimit || parsed > constants.MaxListLimit {
			s.writeError(w, fmt.Errorf("%w: limit must be an integer in [%d,%d]",
				cmerrors.ErrValidation, constants.MinListLimit, constants.MaxListLimit))
			return
		}
		limit = parsed
	}

	tasks, err := s.store.ListTasks(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req domain.TaskCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("%w: malformed JSON body", cmerrors.ErrValidation))
		return
	}
	req.ApplyDefaults()
	if err := req.Validate(); err != nil {
		s.writeError(w, err)
		return
	}

	snap, err := s.engine.CreateTask(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.Snapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Approve(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	var req domain.DenyRequest
	if r.Body != nil {
		// A missing or malformed body falls back to the default reason.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	snap, err := s.engine.Deny(r.Context(), r.PathValue("id"), req.ReasonOrDefault())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}
