package backend

import (
	"context"
	"encoding/json"

	"github.com/seantiz/mequeue/internal/model"
	"github.com/seantiz/mequeue/internal/wal"
)

// Builtin backend names.
const (
	NameLog     = "log"
	NameDelay   = "delay"
	NameWebhook = "webhook"
)

// Backend is the interface that every event handler must implement. The
// service passes Handle to the executor as its worker.
type Backend interface {
	// Handle processes one pending entry against the current state. The
	// context is cancelled when a newer state preempts the run; Handle must
	// return promptly after that. A nil error commits the entry, any other
	// error leaves it in the log to be retried.
	Handle(ctx context.Context, state model.State, entry wal.Entry[json.RawMessage]) error

	// Capabilities reports how the backend behaves.
	Capabilities() Capabilities
}

// Capabilities describes a backend.
type Capabilities struct {
	Name        string `json:"name"`
	Description string `json:"description"`

	// Cancellable is true when the backend stops work as soon as its context
	// is cancelled rather than finishing the current step first.
	Cancellable bool `json:"cancellable"`

	// SideEffects is true when handling an event is visible outside the
	// process, so replays after preemption may be observed downstream.
	SideEffects bool `json:"side_effects"`
}
