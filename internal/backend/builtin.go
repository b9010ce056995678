package backend

import (
	"context"
	"encoding/json"
	"time"

	"github.com/seantiz/mequeue/internal/ctxlog"
	"github.com/seantiz/mequeue/internal/model"
	"github.com/seantiz/mequeue/internal/wal"
)

// DefaultDelay is the delay backend's processing time when none is configured.
const DefaultDelay = time.Second

// LogBackend logs every entry with the state it was handled under.
type LogBackend struct{}

var _ Backend = LogBackend{}

// NewLog creates a log backend.
func NewLog() LogBackend { return LogBackend{} }

// Handle logs the pair through the run-scoped logger and returns.
func (LogBackend) Handle(ctx context.Context, state model.State, entry wal.Entry[json.RawMessage]) error {
	ctxlog.FromContext(ctx).Info("event handled",
		"payload", string(entry.Payload),
		"state", string(state.Data),
		"queued_for", time.Since(entry.AcceptedAt).String(),
	)
	return nil
}

func (LogBackend) Capabilities() Capabilities {
	return Capabilities{
		Name:        NameLog,
		Description: "logs each event with the current state",
		Cancellable: true,
	}
}

// DelayBackend simulates slow work by waiting a fixed time per entry. A state
// change during the wait preempts it.
type DelayBackend struct {
	delay time.Duration
}

var _ Backend = (*DelayBackend)(nil)

// NewDelay creates a delay backend. Non-positive durations use DefaultDelay.
func NewDelay(d time.Duration) *DelayBackend {
	if d <= 0 {
		d = DefaultDelay
	}
	return &DelayBackend{delay: d}
}

// Handle waits for the configured delay or until ctx is cancelled.
func (b *DelayBackend) Handle(ctx context.Context, _ model.State, entry wal.Entry[json.RawMessage]) error {
	logger := ctxlog.FromContext(ctx)
	timer := time.NewTimer(b.delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		logger.Debug("delay elapsed", "delay", b.delay.String(), "seq", entry.Seq)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *DelayBackend) Capabilities() Capabilities {
	return Capabilities{
		Name:        NameDelay,
		Description: "waits " + b.delay.String() + " per event",
		Cancellable: true,
	}
}
