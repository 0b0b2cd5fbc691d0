package sandbox

import "errors"

var (
	// ErrAlreadyStarted is returned when Start races or repeats against a
	// sandbox that is not off.
	ErrAlreadyStarted = errors.New("sandbox already started")

	// ErrNotStarted is returned by operations that require a running
	// sandbox.
	ErrNotStarted = errors.New("sandbox not started")

	// ErrExecutionFailed wraps transport failures while running code or
	// commands in the guest.
	ErrExecutionFailed = errors.New("sandbox execution failed")
)
