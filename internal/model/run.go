package model

import (
	"encoding/json"
	"time"
)

// Run outcome constants.
const (
	OutcomeRunning   = "running"
	OutcomeCompleted = "completed"
	OutcomePreempted = "preempted"
	OutcomeFailed    = "failed"
)

// Phase is the supervision state of an executor.
type Phase string

// Executor phase constants.
const (
	PhaseAwaitingState Phase = "awaiting_state"
	PhaseIdle          Phase = "idle"
	PhaseDispatching   Phase = "dispatching"
	PhaseBackoff       Phase = "backoff"
	PhaseStopped       Phase = "stopped"
)

// validRunTransitions maps each run outcome to the outcomes it may transition to.
var validRunTransitions = map[string]map[string]bool{
	OutcomeRunning: {
		OutcomeCompleted: true,
		OutcomePreempted: true,
		OutcomeFailed:    true,
	},
}

// validPhaseTransitions maps each executor phase to the phases it may enter.
// Staying in the same phase is always allowed and is not listed.
var validPhaseTransitions = map[Phase]map[Phase]bool{
	PhaseAwaitingState: {
		PhaseIdle:        true,
		PhaseDispatching: true,
		PhaseStopped:     true,
	},
	PhaseIdle: {
		PhaseDispatching: true,
		PhaseStopped:     true,
	},
	PhaseDispatching: {
		PhaseIdle:    true,
		PhaseBackoff: true,
		PhaseStopped: true,
	},
	PhaseBackoff: {
		PhaseDispatching: true,
		PhaseStopped:     true,
	},
}

// ValidRunTransition reports whether a run may move from one outcome to another.
func ValidRunTransition(from, to string) bool {
	targets, ok := validRunTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// ValidPhaseTransition reports whether an executor may move between phases.
func ValidPhaseTransition(from, to Phase) bool {
	if from == to {
		return from != PhaseStopped
	}
	return validPhaseTransitions[from][to]
}

// State is the processing context the service distributes to its executor.
type State struct {
	Data        json.RawMessage `json:"data"`
	PublishedAt time.Time       `json:"published_at"`
}

// Accepted describes an event that was moved from the inbox into the pending log.
type Accepted struct {
	EntryID    string    `json:"entry_id"`
	Seq        uint64    `json:"seq"`
	Pending    int       `json:"pending"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// Run is a single dispatch of a pending entry to the worker.
type Run struct {
	ID           string     `json:"id"`
	Executor     string     `json:"executor"`
	EntryID      string     `json:"entry_id"`
	Seq          uint64     `json:"seq"`
	StateVersion uint64     `json:"state_version"`
	Attempt      int        `json:"attempt"`
	Outcome      string     `json:"outcome"`
	Error        string     `json:"error,omitempty"`
	DurationMS   *int       `json:"duration_ms,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// Terminal reports whether the run has finished.
func (r *Run) Terminal() bool {
	return r.Outcome != OutcomeRunning && r.Outcome != ""
}
