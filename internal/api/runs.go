package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/mequeue/internal/model"
	"github.com/seantiz/mequeue/internal/store"
)

// streamRoute is the chi pattern of the SSE run stream.
const streamRoute = "/v1/runs/stream"

// listRunsResponse wraps the paginated list response.
type listRunsResponse struct {
	Runs   []*model.Run `json:"runs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// entryRunsResponse lists every run of one pending entry.
type entryRunsResponse struct {
	EntryID string       `json:"entry_id"`
	Runs    []*model.Run `json:"runs"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePage(r)

	runs, total, err := s.store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	if runs == nil {
		runs = []*model.Run{}
	}

	s.writeJSON(w, http.StatusOK, listRunsResponse{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListEntryRuns(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	runs, err := s.store.ListRunsForEntry(r.Context(), id)
	if err != nil {
		s.logger.Error("list entry runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list entry runs")
		return
	}
	if len(runs) == 0 {
		s.writeError(w, http.StatusNotFound, "no runs for entry")
		return
	}

	s.writeJSON(w, http.StatusOK, entryRunsResponse{EntryID: id, Runs: runs})
}

// handleStreamRuns streams run updates as server-sent events until the client
// disconnects or the executor stops.
func (s *Server) handleStreamRuns(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// Subscribing to a closed feed returns a closed channel, so the loop below
	// ends the stream immediately after the executor has stopped.
	ch, unsub := s.service.Feed().Subscribe()
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case run, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "executor stopped")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			data, err := json.Marshal(run)
			if err != nil {
				s.logger.Error("encode run for SSE", "run_id", run.ID, "error", err)
				continue
			}
			if err := writeSSEEvent(w, "run", string(data)); err != nil {
				return // Write failed (e.g. client gone).
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}
