package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/seantiz/mequeue/internal/inbox"
)

// submitEventRequest is the JSON body for POST /v1/events.
type submitEventRequest struct {
	Payload json.RawMessage `json:"payload"`
}

// submitEventResponse acknowledges an event that entered the inbox.
type submitEventResponse struct {
	Accepted bool `json:"accepted"`
	Queued   int  `json:"queued"`
}

// handleSubmitEvent enqueues an event. By default the request waits while the
// inbox is full; with ?wait=false a full inbox is reported as 429.
func (s *Server) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	var req submitEventRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.rejectEvent(rejectInvalid)
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	payload := bytes.TrimSpace(req.Payload)
	if len(payload) == 0 {
		s.rejectEvent(rejectInvalid)
		s.writeError(w, http.StatusBadRequest, "payload is required")
		return
	}

	var err error
	if r.URL.Query().Get("wait") == "false" {
		err = s.service.TrySubmit(json.RawMessage(payload))
	} else {
		err = s.service.Submit(r.Context(), json.RawMessage(payload))
	}

	switch {
	case err == nil:
		s.writeJSON(w, http.StatusAccepted, submitEventResponse{
			Accepted: true,
			Queued:   s.service.InboxLen(),
		})
	case errors.Is(err, inbox.ErrFull):
		s.rejectEvent(rejectFull)
		w.Header().Set("Retry-After", "1")
		s.writeError(w, http.StatusTooManyRequests, "event inbox is full")
	case errors.Is(err, inbox.ErrClosed):
		s.rejectEvent(rejectClosed)
		s.writeError(w, http.StatusServiceUnavailable, "executor is shutting down")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// The client went away or the server is stopping while waiting for room.
		s.rejectEvent(rejectGaveUp)
		s.writeError(w, http.StatusServiceUnavailable, "gave up waiting for inbox space")
	default:
		s.logger.Error("submit event", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit event")
	}
}
