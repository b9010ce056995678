package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/mequeue/internal/model"
)

const (
	recorderBuffer  = 256
	recorderTimeout = 5 * time.Second
)

type recordOp struct {
	run    model.Run
	finish bool
}

// Recorder journals executor runs to a Store. It satisfies the executor's
// observer interface; writes happen on a background goroutine in the order
// the notifications arrived, so a slow database never stalls dispatch. When
// the buffer is full the notification is dropped and logged.
type Recorder struct {
	store  Store
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	ops    chan recordOp
	done   chan struct{}
}

// NewRecorder starts a recorder writing to s.
func NewRecorder(s Store, logger *slog.Logger) *Recorder {
	r := &Recorder{
		store:  s,
		logger: logger,
		ops:    make(chan recordOp, recorderBuffer),
		done:   make(chan struct{}),
	}
	go r.loop()
	return r
}

// EventAccepted is not journaled; only runs are.
func (r *Recorder) EventAccepted(model.Accepted) {}

// RunStarted journals a new run.
func (r *Recorder) RunStarted(run *model.Run) {
	r.enqueue(recordOp{run: *run})
}

// RunFinished journals the terminal outcome of a run.
func (r *Recorder) RunFinished(run *model.Run) {
	r.enqueue(recordOp{run: *run, finish: true})
}

func (r *Recorder) enqueue(op recordOp) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.ops <- op:
	default:
		r.logger.Warn("run journal backlog full, dropping record",
			"run_id", op.run.ID, "outcome", op.run.Outcome)
	}
}

func (r *Recorder) loop() {
	defer close(r.done)
	for op := range r.ops {
		r.write(op)
	}
}

func (r *Recorder) write(op recordOp) {
	ctx, cancel := context.WithTimeout(context.Background(), recorderTimeout)
	defer cancel()

	var err error
	if op.finish {
		err = r.store.FinishRun(ctx, &op.run)
	} else {
		err = r.store.CreateRun(ctx, &op.run)
	}
	if err != nil {
		r.logger.Error("failed to journal run",
			"run_id", op.run.ID,
			"entry_id", op.run.EntryID,
			"outcome", op.run.Outcome,
			"error", err,
		)
	}
}

// Close stops accepting records and waits until the backlog is written.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	close(r.ops)
	r.mu.Unlock()
	<-r.done
}
