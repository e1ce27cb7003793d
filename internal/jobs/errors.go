package jobs

import "errors"

var (
	// ErrNotTerminal is returned when an operation needs a finished job.
	ErrNotTerminal = errors.New("job is not finished")
	// ErrTerminal is returned when cancelling a job that already completed or failed.
	ErrTerminal = errors.New("job already finished")
	// ErrNotShareable is returned when sharing a job that did not complete.
	ErrNotShareable = errors.New("only complete jobs can be shared")
	// ErrForbidden is returned when the caller does not own the job.
	ErrForbidden = errors.New("job belongs to another owner")
	// ErrInvalidRequest is returned for malformed input.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrShuttingDown is returned by Create after Shutdown has begun.
	ErrShuttingDown = errors.New("service is shutting down")
)
