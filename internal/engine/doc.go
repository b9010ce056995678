// Package engine runs a single worker over a pending log of events under a
// state that can change at any time.
//
// An Executor pulls events from an inbox into its pending log and dispatches
// the head of the log against the latest value from a StateBroker. When a new
// state arrives the in-flight run is cancelled and awaited, and the same entry
// is dispatched again under the new state. An entry leaves the log only when a
// run for it returns nil without having been preempted, so every accepted
// event is processed at least once, in order, under the newest state seen.
//
// Service wires one executor to a backend from the registry for the HTTP API.
package engine
