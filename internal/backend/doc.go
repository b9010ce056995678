// Package backend defines the handlers an executor dispatches pending entries
// to, a registry to look them up by name, and the builtin log, delay and
// webhook backends.
package backend
