package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/Camifryou/whatsappcrm/internal/actor"
	"github.com/Camifryou/whatsappcrm/internal/registry"
)

const maxBodySize = 64 * 1024

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("Failed to write response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, text string) {
	s.writeJSON(w, status, map[string]string{"error": text})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	st, err := s.reg.Status(r.Context())
	if err != nil {
		s.log.Error("Status failed: %v", err)
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

// handleSessionName stores a name even for sessions that are not running
func (s *Server) handleSessionName(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")

	var body struct {
		Name json.RawMessage `json:"name"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, textInvalidName)
		return
	}
	name := nameFrom(body.Name)

	if err := s.reg.AssignName(r.Context(), id, name); err != nil {
		if errors.Is(err, registry.ErrInvalidInput) {
			s.writeError(w, http.StatusBadRequest, textInvalidName)
			return
		}
		s.log.Error("Rename of %s failed: %v", id, err)
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "name": name})
}

// handleHealth reports the actor health checks. It answers 503 when any
// actor is unhealthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.health == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"status": actor.HealthStatusHealthy})
		return
	}

	reports := s.health.HealthCheck()
	overall := actor.HealthStatusHealthy
	for _, report := range reports {
		switch report.Status {
		case actor.HealthStatusUnhealthy:
			overall = actor.HealthStatusUnhealthy
		case actor.HealthStatusDegraded:
			if overall == actor.HealthStatusHealthy {
				overall = actor.HealthStatusDegraded
			}
		}
	}

	status := http.StatusOK
	if overall == actor.HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]any{
		"status":    overall,
		"observers": s.hub.ClientCount(),
		"actors":    reports,
	})
}
