package engine

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNoAssignment      = errors.New("order has no assigned driver")

	// ErrConflict means a concurrent assignment won the race. It is
	// resolved inside the engine by retrying the next candidate and never
	// reaches callers.
	ErrConflict = errors.New("assignment conflict")
)
