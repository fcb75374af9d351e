package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/oc2gw/internal/dispatch"
	"github.com/mattjoyce/oc2gw/internal/history"
	"github.com/mattjoyce/oc2gw/internal/openc2"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	names := s.dispatcher.ProfileNames()
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:         "ok",
		UptimeSeconds:  int64(time.Since(s.startedAt).Seconds()),
		ProfilesLoaded: len(names),
		Profiles:       names,
	})
}

// handleCommand handles POST /command. The body is a bare command object.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	cmd, err := openc2.DecodeCommand(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Status: dispatch.StatusMalformed})
		return
	}

	result, err := s.dispatcher.Dispatch(r.Context(), *cmd)
	if err != nil {
		code := dispatch.HTTPStatus(err)
		if code == http.StatusInternalServerError {
			s.logger.Error("command failed", "command", cmd.Summary(), "error", err)
		}
		respondJSON(w, code, ErrorResponse{Error: err.Error(), Status: dispatch.StatusFor(err)})
		return
	}

	respondJSON(w, http.StatusOK, CommandResponse{Result: result})
}

// handleProfiles handles GET /profiles.
func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, ProfilesResponse{Profiles: s.dispatcher.Capabilities()})
}

// handleHistoryList handles GET /history?limit=N.
func (s *Server) handleHistoryList(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "history is not enabled")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries, err := s.history.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list history")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	respondJSON(w, http.StatusOK, HistoryListResponse{Entries: entries})
}

// handleHistoryGet handles GET /history/{id}.
func (s *Server) handleHistoryGet(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "history is not enabled")
		return
	}

	entry, err := s.history.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, history.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "history entry not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to read history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

func respondJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
