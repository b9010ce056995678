package store

import (
	"context"
	"errors"

	"github.com/seantiz/mequeue/internal/model"
)

// ErrInvalidTransition is returned when a run outcome transition is not allowed.
var ErrInvalidTransition = errors.New("invalid outcome transition")

// RunStats holds aggregate statistics over the run journal.
type RunStats struct {
	Total          int            `json:"total"`
	Entries        int            `json:"entries"`
	CountByOutcome map[string]int `json:"count_by_outcome"`
	AvgDurationMS  float64        `json:"avg_duration_ms"`
	MaxAttempt     int            `json:"max_attempt"`
}

// Store defines the persistence operations for the run journal. It records
// what the executor did; it is never read back to rebuild the pending log.
type Store interface {
	CreateRun(ctx context.Context, r *model.Run) error
	FinishRun(ctx context.Context, r *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error)
	ListRunsForEntry(ctx context.Context, entryID string) ([]*model.Run, error)
	GetRunStats(ctx context.Context) (*RunStats, error)
	Close() error
}
