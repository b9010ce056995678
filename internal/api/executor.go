package api

import (
	"net/http"

	"github.com/seantiz/mequeue/internal/engine"
)

// executorResponse is the JSON response for GET /v1/executor.
type executorResponse struct {
	engine.Status
	Backend string `json:"backend"`
	Queued  int    `json:"queued"`
}

func (s *Server) handleGetExecutor(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, executorResponse{
		Status:  s.service.Status(),
		Backend: s.service.Backend().Capabilities().Name,
		Queued:  s.service.InboxLen(),
	})
}
