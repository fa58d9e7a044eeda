package fetch

import (
	"errors"
)

// Sentinel errors returned by the executor.
var (
	// ErrDeferred is returned when the transient retry budget is exhausted.
	// The orchestrator defers the entity to the next pass instead of
	// abandoning it.
	ErrDeferred = errors.New("transient retries exhausted")

	// ErrFatal wraps a permanent upstream failure. The entity is skipped
	// for the rest of the run, never retried.
	ErrFatal = errors.New("fatal upstream response")
)
