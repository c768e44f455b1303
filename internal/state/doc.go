// ABOUTME: Pure server lifecycle state machine with no I/O dependencies.
// ABOUTME: Validates status transitions before the gateway persists them.

// Package state defines the server lifecycle statuses and the transition
// table the gateway consults before persisting any status change. Both the
// authoritative agent update path and the reconciliation path validate
// through this package; an invalid transition is a silent reject, not a
// fatal error, because agent-observed reality and backend expectation are
// allowed to disagree during races.
package state
