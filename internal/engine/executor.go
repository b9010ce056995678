package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/mequeue/internal/inbox"
	"github.com/seantiz/mequeue/internal/model"
	"github.com/seantiz/mequeue/internal/wal"
)

// DefaultRetryDelay is how long a failed run waits before the same entry is
// dispatched again under an unchanged state.
const DefaultRetryDelay = 250 * time.Millisecond

var (
	// ErrAlreadyRunning is returned when Receive is called more than once.
	ErrAlreadyRunning = errors.New("executor already running")

	// ErrProtocol wraps pending log violations. They mean the log was changed
	// behind the executor's back and the loop cannot continue.
	ErrProtocol = errors.New("pending log protocol violation")

	// ErrWorkerPanic wraps a value recovered from a panicking worker.
	ErrWorkerPanic = errors.New("worker panicked")
)

// Worker processes one entry against a state. It must return promptly once
// ctx is cancelled; a newer state cancels it at any point. A nil return
// commits the entry. Any error leaves the entry in the log for another
// attempt, so workers must tolerate seeing the same entry more than once.
type Worker[S, E any] func(ctx context.Context, state S, entry wal.Entry[E]) error

// EventSource delivers events to an executor. The channel is closed when the
// source shuts down. *inbox.Inbox satisfies it.
type EventSource[E any] interface {
	Events() <-chan E
}

// StateSource delivers state values to an executor. *Subscription satisfies it.
type StateSource[S any] interface {
	Ready() <-chan struct{}
	Take() (S, uint64, bool)
	Done() <-chan struct{}
}

// Status is a point-in-time view of an executor.
type Status struct {
	Name         string      `json:"name"`
	Phase        model.Phase `json:"phase"`
	Pending      int         `json:"pending"`
	Capacity     int         `json:"capacity"`
	HeadSeq      uint64      `json:"head_seq,omitempty"`
	LastSeq      uint64      `json:"last_seq"`
	StateVersion uint64      `json:"state_version"`
	Active       *model.Run  `json:"active,omitempty"`
	Accepted     uint64      `json:"accepted"`
	Committed    uint64      `json:"committed"`
	Preempted    uint64      `json:"preempted"`
	Failed       uint64      `json:"failed"`
}

type options struct {
	name         string
	logger       *slog.Logger
	observer     Observer
	retryDelay   time.Duration
	drainOnClose bool
}

// Option configures an Executor.
type Option func(*options)

// WithName labels the executor in logs, metrics and run records.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithLogger sets the executor's logger. Workers receive a run-scoped child of
// it through ctxlog.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithObserver registers an observer for accepted events and runs.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithRetryDelay sets the pause after a failed run. Zero retries immediately.
func WithRetryDelay(d time.Duration) Option {
	return func(o *options) { o.retryDelay = d }
}

// WithDrainOnClose controls shutdown once both sources have closed. When
// true (the default) the executor keeps working through the pending log under
// the last state before returning; when false it cancels the active run and
// returns at once.
func WithDrainOnClose(drain bool) Option {
	return func(o *options) { o.drainOnClose = drain }
}

// Executor supervises a single worker over a pending log. Events are taken
// from an EventSource and appended to the log; the head of the log is
// dispatched against the latest state from a StateSource. A state change
// cancels the in-flight run, and an entry is only committed when its run
// finishes without being cancelled.
type Executor[S, E any] struct {
	name         string
	states       StateSource[S]
	events       EventSource[E]
	log          *wal.Log[E]
	logger       *slog.Logger
	observer     Observer
	retryDelay   time.Duration
	drainOnClose bool

	running atomic.Bool

	// Owned by the Receive goroutine.
	phase        model.Phase
	state        S
	stateVersion uint64
	hasState     bool
	active       *task[E]
	attempt      int
	retry        *time.Timer
	accepted     uint64
	committed    uint64
	preempted    uint64
	failed       uint64

	mu     sync.RWMutex
	status Status
}

// New creates an executor whose pending log holds up to capacity entries.
func New[S, E any](states StateSource[S], events EventSource[E], capacity int, opts ...Option) *Executor[S, E] {
	o := options{
		name:         "default",
		retryDelay:   DefaultRetryDelay,
		drainOnClose: true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if o.observer == nil {
		o.observer = nopObserver{}
	}

	x := &Executor[S, E]{
		name:         o.name,
		states:       states,
		events:       events,
		log:          wal.New[E](capacity),
		logger:       o.logger.With("executor", o.name),
		observer:     o.observer,
		retryDelay:   o.retryDelay,
		drainOnClose: o.drainOnClose,
		phase:        model.PhaseAwaitingState,
	}
	initMetrics(x.name)
	x.publishStatus()
	return x
}

// Status returns the most recent snapshot published by the executor loop. It
// is safe to call from any goroutine.
func (x *Executor[S, E]) Status() Status {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.status
}

// Receive runs the supervision loop with worker until both sources are closed
// (returning nil), ctx ends (returning ctx.Err()), or the pending log reports
// a protocol violation. Receive may only be called once.
func (x *Executor[S, E]) Receive(ctx context.Context, worker Worker[S, E]) error {
	if !x.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	x.logger.Info("executor starting", "capacity", x.log.Cap(), "retry_delay", x.retryDelay.String())

	err := x.loop(ctx, worker)

	x.stopRetry()
	if x.active != nil {
		x.preemptActive("executor stopping")
	}
	x.setPhase(model.PhaseStopped)
	x.publishStatus()

	if x.log.Len() > 0 {
		x.logger.Warn("executor stopped with uncommitted entries", "pending", x.log.Len(), "error", err)
	} else {
		x.logger.Info("executor stopped", "error", err)
	}
	return err
}

func (x *Executor[S, E]) loop(ctx context.Context, worker Worker[S, E]) error {
	events := x.events.Events()
	ready, done := x.states.Ready(), x.states.Done()

	for {
		if events == nil && done == nil && x.finished() {
			return nil
		}

		// Stop receiving while the log is full so the inbox applies backpressure.
		var inboxCh <-chan E
		if events != nil && !x.log.Full() {
			inboxCh = events
		}
		var taskDone <-chan struct{}
		if x.active != nil {
			taskDone = x.active.done
		}
		var retryC <-chan time.Time
		if x.retry != nil {
			retryC = x.retry.C
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ready:
			if s, v, ok := x.states.Take(); ok {
				x.onState(ctx, worker, s, v)
			}

		case <-done:
			// A value offered right before closure is still observed.
			if s, v, ok := x.states.Take(); ok {
				x.onState(ctx, worker, s, v)
			}
			ready, done = nil, nil
			x.logger.Info("state source closed")

		case ev, ok := <-inboxCh:
			if !ok {
				events = nil
				x.logger.Info("event source closed")
				break
			}
			open, err := x.onEvents(ctx, worker, ev, events)
			if err != nil {
				return err
			}
			if !open {
				events = nil
				x.logger.Info("event source closed")
			}

		case <-taskDone:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := x.onTaskDone(ctx, worker); err != nil {
				return err
			}

		case <-retryC:
			x.retry = nil
			x.dispatch(ctx, worker)
		}

		x.publishStatus()
	}
}

// finished reports whether the loop may return once both sources are closed.
func (x *Executor[S, E]) finished() bool {
	if !x.drainOnClose || !x.hasState {
		return true
	}
	return x.active == nil && x.retry == nil && x.log.IsEmpty()
}

// onEvents appends ev and everything else immediately available on src.
func (x *Executor[S, E]) onEvents(ctx context.Context, worker Worker[S, E], ev E, src <-chan E) (bool, error) {
	first, err := x.log.Append(ev)
	if err != nil {
		// The inbox is only read while the log has room.
		return true, fmt.Errorf("%w: append: %v", ErrProtocol, err)
	}
	x.noteAccepted(first)

	drained, open, err := inbox.DrainInto(src, x.log)
	for _, e := range drained {
		x.noteAccepted(e)
	}
	if err != nil {
		return open, fmt.Errorf("%w: drain: %v", ErrProtocol, err)
	}

	if x.phase == model.PhaseIdle {
		x.dispatch(ctx, worker)
	}
	return open, nil
}

func (x *Executor[S, E]) noteAccepted(e wal.Entry[E]) {
	x.accepted++
	eventsAcceptedTotal.WithLabelValues(x.name).Inc()
	x.logger.Debug("event accepted", "entry_id", e.ID, "seq", e.Seq, "pending", x.log.Len())
	x.observer.EventAccepted(model.Accepted{
		EntryID:    e.ID,
		Seq:        e.Seq,
		Pending:    x.log.Len(),
		AcceptedAt: e.AcceptedAt,
	})
}

// onState preempts any active run and continues under the new state.
func (x *Executor[S, E]) onState(ctx context.Context, worker Worker[S, E], s S, version uint64) {
	if x.active != nil {
		x.preemptActive("state changed")
	}
	x.stopRetry()

	x.state, x.stateVersion, x.hasState = s, version, true
	x.logger.Debug("state observed", "state_version", version, "pending", x.log.Len())

	if x.log.IsEmpty() {
		x.setPhase(model.PhaseIdle)
		return
	}
	x.dispatch(ctx, worker)
}

// onTaskDone handles a run that returned on its own.
func (x *Executor[S, E]) onTaskDone(ctx context.Context, worker Worker[S, E]) error {
	t := x.active
	x.active = nil
	runErr := t.err

	if runErr != nil {
		x.failed++
		x.finish(t.run, model.OutcomeFailed, runErr)
		t.logger.Warn("run failed, entry kept for retry", "error", runErr, "retry_in", x.retryDelay.String())
		x.retry = time.NewTimer(x.retryDelay)
		x.setPhase(model.PhaseBackoff)
		return nil
	}

	// A state that arrived while the run was in flight supersedes it, even if
	// the loop saw the completion first.
	if s, v, ok := x.states.Take(); ok {
		x.preempted++
		x.finish(t.run, model.OutcomePreempted, nil)
		t.logger.Debug("run completed under a superseded state, discarding")
		x.onState(ctx, worker, s, v)
		return nil
	}

	if err := x.log.CommitHead(t.entry.Seq); err != nil {
		x.finish(t.run, model.OutcomeFailed, err)
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	x.committed++
	x.attempt = 0
	x.finish(t.run, model.OutcomeCompleted, nil)
	t.logger.Debug("entry committed", "pending", x.log.Len())

	if x.log.IsEmpty() {
		x.setPhase(model.PhaseIdle)
		return nil
	}
	x.dispatch(ctx, worker)
	return nil
}

// dispatch starts a run for the head entry under the current state.
func (x *Executor[S, E]) dispatch(ctx context.Context, worker Worker[S, E]) {
	head, ok := x.log.Head()
	if !ok {
		x.setPhase(model.PhaseIdle)
		return
	}

	x.attempt++
	run := &model.Run{
		ID:           model.NewID(),
		Executor:     x.name,
		EntryID:      head.ID,
		Seq:          head.Seq,
		StateVersion: x.stateVersion,
		Attempt:      x.attempt,
		Outcome:      model.OutcomeRunning,
		StartedAt:    time.Now().UTC(),
	}
	x.active = startTask(ctx, x.logger, worker, x.state, head, run)
	x.setPhase(model.PhaseDispatching)

	x.active.logger.Debug("run dispatched")
	started := *run
	x.observer.RunStarted(&started)
}

// preemptActive cancels the active run and waits for it to return.
func (x *Executor[S, E]) preemptActive(reason string) {
	t := x.active
	x.active = nil

	t.stop()
	x.preempted++
	x.finish(t.run, model.OutcomePreempted, nil)
	t.logger.Debug("run preempted", "reason", reason)
}

func (x *Executor[S, E]) finish(run *model.Run, outcome string, err error) {
	now := time.Now().UTC()
	elapsed := now.Sub(run.StartedAt)
	ms := int(elapsed.Milliseconds())

	run.Outcome = outcome
	run.FinishedAt = &now
	run.DurationMS = &ms
	if err != nil {
		run.Error = err.Error()
	}

	runsTotal.WithLabelValues(x.name, outcome).Inc()
	runDuration.WithLabelValues(x.name, outcome).Observe(elapsed.Seconds())

	finished := *run
	x.observer.RunFinished(&finished)
}

func (x *Executor[S, E]) stopRetry() {
	if x.retry != nil {
		x.retry.Stop()
		x.retry = nil
	}
}

func (x *Executor[S, E]) setPhase(p model.Phase) {
	if !model.ValidPhaseTransition(x.phase, p) {
		x.logger.Error("unexpected phase transition", "from", x.phase, "to", p)
	}
	x.phase = p
}

func (x *Executor[S, E]) publishStatus() {
	st := Status{
		Name:         x.name,
		Phase:        x.phase,
		Pending:      x.log.Len(),
		Capacity:     x.log.Cap(),
		LastSeq:      x.log.LastSeq(),
		StateVersion: x.stateVersion,
		Accepted:     x.accepted,
		Committed:    x.committed,
		Preempted:    x.preempted,
		Failed:       x.failed,
	}
	if head, ok := x.log.Head(); ok {
		st.HeadSeq = head.Seq
	}
	if x.active != nil {
		active := *x.active.run
		st.Active = &active
	}
	pendingEntries.WithLabelValues(x.name).Set(float64(st.Pending))

	x.mu.Lock()
	x.status = st
	x.mu.Unlock()
}
