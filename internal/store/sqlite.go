package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/seantiz/mequeue/internal/model"

	_ "modernc.org/sqlite"
)

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
    id            TEXT PRIMARY KEY,
    executor      TEXT NOT NULL,
    entry_id      TEXT NOT NULL,
    seq           INTEGER NOT NULL,
    state_version INTEGER NOT NULL,
    attempt       INTEGER NOT NULL,
    outcome       TEXT NOT NULL,
    error         TEXT NOT NULL DEFAULT '',
    duration_ms   INTEGER,
    started_at    DATETIME NOT NULL,
    finished_at   DATETIME
)`

const createRunsEntryIndex = `CREATE INDEX IF NOT EXISTS idx_runs_entry ON runs (entry_id, started_at)`

const runColumns = `id, executor, entry_id, seq, state_version, attempt,
	outcome, error, duration_ms, started_at, finished_at`

// ErrNotFound is returned when a run is not found.
var ErrNotFound = errors.New("run not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to ":memory:" gets its own empty database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createRunsTable, createRunsEntryIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate runs table: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*model.Run, error) {
	r := &model.Run{}
	err := row.Scan(
		&r.ID, &r.Executor, &r.EntryID, &r.Seq, &r.StateVersion, &r.Attempt,
		&r.Outcome, &r.Error, &r.DurationMS, &r.StartedAt, &r.FinishedAt,
	)
	return r, err
}

// CreateRun inserts a run record. A run is always created in the running
// outcome; terminal fields are set by FinishRun.
func (s *SQLiteStore) CreateRun(ctx context.Context, r *model.Run) error {
	if r.Outcome != model.OutcomeRunning {
		return fmt.Errorf("create run with outcome %q: %w", r.Outcome, ErrInvalidTransition)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Executor, r.EntryID, r.Seq, r.StateVersion, r.Attempt,
		r.Outcome, r.Error, r.DurationMS, r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun records the terminal outcome of a run. The stored outcome must be
// allowed to transition to r.Outcome.
func (s *SQLiteStore) FinishRun(ctx context.Context, r *model.Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT outcome FROM runs WHERE id = ?", r.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get run outcome: %w", err)
	}

	if !model.ValidRunTransition(current, r.Outcome) {
		return fmt.Errorf("%s → %s: %w", current, r.Outcome, ErrInvalidTransition)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE runs SET outcome = ?, error = ?, duration_ms = ?, finished_at = ? WHERE id = ?",
		r.Outcome, r.Error, r.DurationMS, r.FinishedAt, r.ID,
	); err != nil {
		return fmt.Errorf("update run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns a page of runs, newest first, along with the total count
// of all runs.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs, err := collectRuns(rows)
	if err != nil {
		return nil, 0, err
	}
	return runs, total, nil
}

// ListRunsForEntry returns every run of one pending entry in dispatch order.
// An entry that was never dispatched yields an empty slice.
func (s *SQLiteStore) ListRunsForEntry(ctx context.Context, entryID string) ([]*model.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE entry_id = ? ORDER BY attempt ASC, started_at ASC`,
		entryID,
	)
	if err != nil {
		return nil, fmt.Errorf("list entry runs: %w", err)
	}
	defer rows.Close()

	return collectRuns(rows)
}

func collectRuns(rows *sql.Rows) ([]*model.Run, error) {
	runs := []*model.Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// GetRunStats aggregates the journal.
func (s *SQLiteStore) GetRunStats(ctx context.Context) (*RunStats, error) {
	stats := &RunStats{CountByOutcome: make(map[string]int)}

	var avg sql.NullFloat64
	var maxAttempt sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT entry_id), AVG(duration_ms), MAX(attempt) FROM runs`,
	).Scan(&stats.Total, &stats.Entries, &avg, &maxAttempt); err != nil {
		return nil, fmt.Errorf("aggregate runs: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}
	if maxAttempt.Valid {
		stats.MaxAttempt = int(maxAttempt.Int64)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT outcome, COUNT(*) FROM runs GROUP BY outcome")
	if err != nil {
		return nil, fmt.Errorf("count by outcome: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scan outcome count: %w", err)
		}
		stats.CountByOutcome[outcome] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcome counts: %w", err)
	}
	return stats, nil
}
