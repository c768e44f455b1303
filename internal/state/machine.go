// ABOUTME: Server status enum and the legal transition table.
// ABOUTME: ValidateTransition is a pure function consulted before every persist.

package state

// Status is the lifecycle status of a managed server.
type Status string

// Server lifecycle statuses.
const (
	StatusStopped    Status = "stopped"
	StatusInstalling Status = "installing"
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusStopping   Status = "stopping"
	StatusCrashed    Status = "crashed"
	StatusSuspended  Status = "suspended"
	StatusError      Status = "error"
)

// All lists every known status, in lifecycle order.
var All = []Status{
	StatusStopped,
	StatusInstalling,
	StatusStarting,
	StatusRunning,
	StatusStopping,
	StatusCrashed,
	StatusSuspended,
	StatusError,
}

// transitions is the set of legal edges. Every status may additionally
// transition to StatusError, which is handled in ValidateTransition rather
// than enumerated here.
//
// crashed -> starting is deliberately absent: the auto-restart path sets
// starting directly as an authoritative internal decision and does not go
// through the validator.
var transitions = map[Status][]Status{
	StatusStopped:    {StatusInstalling, StatusStarting, StatusSuspended},
	StatusInstalling: {StatusStarting, StatusStopped, StatusSuspended},
	StatusStarting:   {StatusRunning, StatusStopped, StatusCrashed, StatusSuspended},
	StatusRunning:    {StatusStopping, StatusStopped, StatusCrashed, StatusSuspended},
	StatusStopping:   {StatusStopped, StatusCrashed, StatusSuspended},
	StatusCrashed:    {StatusStopped, StatusSuspended},
	StatusSuspended:  {StatusStopped},
	StatusError:      {StatusStopped},
}

// Valid reports whether s is a known status.
func Valid(s Status) bool {
	switch s {
	case StatusStopped, StatusInstalling, StatusStarting, StatusRunning,
		StatusStopping, StatusCrashed, StatusSuspended, StatusError:
		return true
	}
	return false
}

// Parse converts a wire string into a Status, reporting whether it is known.
func Parse(s string) (Status, bool) {
	st := Status(s)
	return st, Valid(st)
}

// Terminal reports whether a status represents a server that is not expected
// to be running on its node. Reconciliation skips terminal servers.
func Terminal(s Status) bool {
	switch s {
	case StatusStopped, StatusCrashed, StatusSuspended, StatusError:
		return true
	}
	return false
}

// ValidateTransition reports whether moving from one status to another is
// legal. Self-transitions are rejected; any status may move to error.
func ValidateTransition(from, to Status) bool {
	if !Valid(from) || !Valid(to) {
		return false
	}
	if from == to {
		return false
	}
	if to == StatusError {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
