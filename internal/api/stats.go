package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats. Journal figures come
// from the store; the executor counters cover the current process only.
type statsResponse struct {
	Total         int            `json:"total"`
	Entries       int            `json:"entries"`
	ByOutcome     map[string]int `json:"by_outcome"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	MaxAttempt    int            `json:"max_attempt"`

	Accepted  uint64 `json:"accepted"`
	Committed uint64 `json:"committed"`
	Pending   int    `json:"pending"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetRunStats(r.Context())
	if err != nil {
		s.logger.Error("get run stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	st := s.service.Status()
	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		Entries:       stats.Entries,
		ByOutcome:     stats.CountByOutcome,
		AvgDurationMS: stats.AvgDurationMS,
		MaxAttempt:    stats.MaxAttempt,
		Accepted:      st.Accepted,
		Committed:     st.Committed,
		Pending:       st.Pending,
	})
}
