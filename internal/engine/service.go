package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/mequeue/internal/backend"
	"github.com/seantiz/mequeue/internal/inbox"
	"github.com/seantiz/mequeue/internal/model"
)

// ErrNotStarted is returned by Wait before Start has been called.
var ErrNotStarted = errors.New("service not started")

// ServiceConfig configures a Service.
type ServiceConfig struct {
	Name         string
	Capacity     int
	Backend      string
	RetryDelay   time.Duration
	DrainOnClose bool

	// Observer receives executor notifications in addition to the run feed.
	Observer Observer
}

// Service runs one executor over JSON events and JSON state, dispatching to a
// backend from the registry. It owns the inbox producers submit to and the
// state broker the control plane publishes to.
type Service struct {
	name    string
	inbox   *inbox.Inbox[json.RawMessage]
	broker  *StateBroker[model.State]
	unsub   func()
	exec    *Executor[model.State, json.RawMessage]
	backend backend.Backend
	feed    *RunFeed
	logger  *slog.Logger

	// backendName is the registry key backend was resolved from.
	backendName string

	startOnce sync.Once
	started   atomic.Bool
	wg        sync.WaitGroup
	done      chan struct{}
	err       error
}

// NewService resolves cfg.Backend in reg and wires an executor to it.
func NewService(reg *backend.Registry, cfg ServiceConfig, logger *slog.Logger) (*Service, error) {
	b, err := reg.Resolve(cfg.Backend)
	if err != nil {
		return nil, fmt.Errorf("new service: %w", err)
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}

	in := inbox.New[json.RawMessage](cfg.Capacity)
	broker := NewStateBroker[model.State]()
	sub, unsub := broker.Subscribe()
	feed := NewRunFeed()

	exec := New[model.State, json.RawMessage](sub, in, cfg.Capacity,
		WithName(cfg.Name),
		WithLogger(logger),
		WithObserver(Observers(feed, cfg.Observer)),
		WithRetryDelay(cfg.RetryDelay),
		WithDrainOnClose(cfg.DrainOnClose),
	)

	return &Service{
		name:        cfg.Name,
		inbox:       in,
		broker:      broker,
		unsub:       unsub,
		exec:        exec,
		backend:     b,
		backendName: cfg.Backend,
		feed:        feed,
		logger:      logger.With("executor", cfg.Name),
		done:        make(chan struct{}),
	}, nil
}

// Start launches the executor loop. Calling Start again has no effect.
func (s *Service) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.started.Store(true)
		s.logger.Info("service starting", "backend", s.backend.Capabilities().Name)
		s.wg.Go(func() {
			defer close(s.done)
			s.err = s.exec.Receive(ctx, s.backend.Handle)
			s.unsub()
			s.feed.Close()
		})
	})
}

// Submit enqueues an event, waiting while the inbox is full.
func (s *Service) Submit(ctx context.Context, payload json.RawMessage) error {
	return s.inbox.Send(ctx, payload)
}

// TrySubmit enqueues an event without waiting. It returns inbox.ErrFull when
// the inbox has no room.
func (s *Service) TrySubmit(payload json.RawMessage) error {
	return s.inbox.TrySend(payload)
}

// PublishState makes data the current state and preempts any in-flight run.
func (s *Service) PublishState(data json.RawMessage) (uint64, error) {
	return s.broker.Publish(model.State{
		Data:        data,
		PublishedAt: time.Now().UTC(),
	})
}

// State returns the last published state and its version.
func (s *Service) State() (model.State, uint64, bool) {
	return s.broker.Latest()
}

// Name returns the executor name used in logs, metrics and run records.
func (s *Service) Name() string {
	return s.name
}

// Status returns the executor's current snapshot.
func (s *Service) Status() Status {
	return s.exec.Status()
}

// Feed returns the live run feed for streaming subscribers.
func (s *Service) Feed() *RunFeed {
	return s.feed
}

// Backend returns the backend the executor dispatches to.
func (s *Service) Backend() backend.Backend {
	return s.backend
}

// BackendName returns the registry name the backend was resolved from.
func (s *Service) BackendName() string {
	return s.backendName
}

// InboxLen reports how many events are waiting to enter the pending log.
func (s *Service) InboxLen() int {
	return s.inbox.Len()
}

// Shutdown closes both sources so the executor drains (if configured) and
// stops, then waits for it or for ctx to end.
func (s *Service) Shutdown(ctx context.Context) error {
	s.inbox.Close()
	s.broker.Close()
	if !s.started.Load() {
		s.unsub()
		s.feed.Close()
		return nil
	}

	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return fmt.Errorf("wait for executor: %w", ctx.Err())
	}
}

// Wait blocks until the executor loop has returned and reports its result.
func (s *Service) Wait() error {
	if !s.started.Load() {
		return ErrNotStarted
	}
	s.wg.Wait()
	return s.err
}
