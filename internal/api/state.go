package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/seantiz/mequeue/internal/engine"
)

// publishStateRequest is the JSON body for PUT /v1/state.
type publishStateRequest struct {
	Data json.RawMessage `json:"data"`
}

// stateResponse describes the current state.
type stateResponse struct {
	Version     uint64          `json:"version"`
	Data        json.RawMessage `json:"data,omitempty"`
	PublishedAt *time.Time      `json:"published_at,omitempty"`
}

func (s *Server) handlePublishState(w http.ResponseWriter, r *http.Request) {
	var req publishStateRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	data := bytes.TrimSpace(req.Data)
	if len(data) == 0 {
		s.writeError(w, http.StatusBadRequest, "data is required")
		return
	}

	version, err := s.service.PublishState(json.RawMessage(data))
	if errors.Is(err, engine.ErrBrokerClosed) {
		s.writeError(w, http.StatusServiceUnavailable, "executor is shutting down")
		return
	}
	if err != nil {
		s.logger.Error("publish state", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to publish state")
		return
	}

	s.logger.Debug("state published", "version", version)
	s.writeJSON(w, http.StatusAccepted, stateResponse{Version: version})
}

func (s *Server) handleGetState(w http.ResponseWriter, _ *http.Request) {
	state, version, ok := s.service.State()
	if !ok {
		s.writeError(w, http.StatusNotFound, "no state has been published")
		return
	}

	publishedAt := state.PublishedAt
	s.writeJSON(w, http.StatusOK, stateResponse{
		Version:     version,
		Data:        state.Data,
		PublishedAt: &publishedAt,
	})
}
