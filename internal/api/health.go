package api

import (
	"encoding/json"
	"net/http"

	"github.com/seantiz/mequeue/internal/model"
)

type healthResponse struct {
	Status string      `json:"status"`
	Phase  model.Phase `json:"phase"`
}

// handleHealthz reports ok while the executor loop is running and 503 once it
// has stopped.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Phase: s.service.Status().Phase}
	status := http.StatusOK
	if resp.Phase == model.PhaseStopped {
		resp.Status = "stopped"
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("encode healthz response", "error", err)
	}
}
