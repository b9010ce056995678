package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/mequeue/internal/ctxlog"
	"github.com/seantiz/mequeue/internal/model"
	"github.com/seantiz/mequeue/internal/wal"
)

// teardownWarnAfter is how long stop waits for a cancelled worker before
// logging that it is slow to release its resources.
const teardownWarnAfter = 5 * time.Second

// task is one in-flight worker invocation for the head of the pending log.
type task[E any] struct {
	run    *model.Run
	entry  wal.Entry[E]
	cancel context.CancelFunc
	logger *slog.Logger

	// done is closed after err is set.
	done chan struct{}
	err  error
}

// startTask runs worker for entry on its own goroutine. The worker's context
// is cancelled by stop, or when parent ends.
func startTask[S, E any](parent context.Context, logger *slog.Logger, worker Worker[S, E], state S, entry wal.Entry[E], run *model.Run) *task[E] {
	ctx, cancel := context.WithCancel(parent)
	runLogger := logger.With(
		"run_id", run.ID,
		"entry_id", entry.ID,
		"seq", entry.Seq,
		"state_version", run.StateVersion,
		"attempt", run.Attempt,
	)
	ctx = ctxlog.WithLogger(ctx, runLogger)

	t := &task[E]{
		run:    run,
		entry:  entry,
		cancel: cancel,
		logger: runLogger,
		done:   make(chan struct{}),
	}

	go func() {
		t.err = invoke(ctx, worker, state, entry)
		cancel()
		close(t.done)
	}()

	return t
}

// invoke calls the worker, converting a panic into an error.
func invoke[S, E any](ctx context.Context, worker Worker[S, E], state S, entry wal.Entry[E]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrWorkerPanic, r)
		}
	}()
	return worker(ctx, state, entry)
}

// stop cancels the task and blocks until the worker has returned, so that any
// cleanup it defers has run before the caller dispatches again. Calling stop
// on a task that already returned is a no-op.
func (t *task[E]) stop() {
	t.cancel()

	timer := time.NewTimer(teardownWarnAfter)
	defer timer.Stop()

	select {
	case <-t.done:
		return
	case <-timer.C:
		t.logger.Warn("cancelled run has not returned yet, waiting for teardown",
			"waited", teardownWarnAfter.String(),
		)
	}
	<-t.done
}
