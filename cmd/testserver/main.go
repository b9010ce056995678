// testserver starts a mequeue API server with a stub backend for E2E testing.
// Usage: go run ./cmd/testserver
//
// The stub sleeps for MEQUEUE_STUB_DELAY (default 300ms) per run. Events whose
// payload carries "flaky": true fail on their first attempt so retries can be
// observed in the run journal.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/seantiz/mequeue/internal/api"
	"github.com/seantiz/mequeue/internal/backend"
	"github.com/seantiz/mequeue/internal/config"
	"github.com/seantiz/mequeue/internal/engine"
	"github.com/seantiz/mequeue/internal/model"
	"github.com/seantiz/mequeue/internal/store"
	"github.com/seantiz/mequeue/internal/wal"
)

const stubName = "stub"

var errFlaky = errors.New("stub: flaky event failed its first attempt")

// stubBackend is a configurable mock backend for E2E tests.
type stubBackend struct {
	delay time.Duration

	mu     sync.Mutex
	failed map[string]bool
}

func (s *stubBackend) Handle(ctx context.Context, _ model.State, entry wal.Entry[json.RawMessage]) error {
	timer := time.NewTimer(s.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	var payload struct {
		Flaky bool `json:"flaky"`
	}
	_ = json.Unmarshal(entry.Payload, &payload)
	if !payload.Flaky {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed[entry.ID] {
		return nil
	}
	s.failed[entry.ID] = true
	return errFlaky
}

func (s *stubBackend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:        stubName,
		Description: "sleeps, then fails flaky events once",
		Cancellable: true,
	}
}

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	delay := 300 * time.Millisecond
	if v := os.Getenv("MEQUEUE_STUB_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Fatalf("invalid MEQUEUE_STUB_DELAY: %v", err)
		}
		delay = d
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	rec := store.NewRecorder(db, logger)
	defer rec.Close()

	reg := backend.NewRegistry()
	reg.Register(stubName, &stubBackend{delay: delay, failed: make(map[string]bool)})
	reg.Register(backend.NameLog, backend.NewLog())

	svc, err := engine.NewService(reg, engine.ServiceConfig{
		Name:         "testserver",
		Capacity:     cfg.Capacity,
		Backend:      stubName,
		RetryDelay:   cfg.RetryDelay,
		DrainOnClose: cfg.DrainOnClose,
		Observer:     rec,
	}, logger)
	if err != nil {
		log.Fatalf("failed to create service: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	srv := api.NewServer(cfg.ListenAddr, db, reg, svc, logger)

	logger.Info("testserver: starting", "addr", cfg.ListenAddr, "stub_delay", delay)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Warn("testserver: executor did not drain", "error", err)
	}
}
