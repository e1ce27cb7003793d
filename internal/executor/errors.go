package executor

import (
	"errors"
	"fmt"
	"time"
)

// ExecutionError is a retryable task failure. It counts against the task's retry budget.
type ExecutionError struct {
	TaskKey string
	Err     error
}

func (e *ExecutionError) Error() string {
	if e.TaskKey == "" {
		return fmt.Sprintf("execution failed: %v", e.Err)
	}
	return fmt.Sprintf("task %s: execution failed: %v", e.TaskKey, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// ExecutionFatalError fails the task immediately, e.g. on malformed input.
type ExecutionFatalError struct {
	TaskKey string
	Err     error
}

func (e *ExecutionFatalError) Error() string {
	if e.TaskKey == "" {
		return fmt.Sprintf("fatal: %v", e.Err)
	}
	return fmt.Sprintf("task %s: fatal: %v", e.TaskKey, e.Err)
}

func (e *ExecutionFatalError) Unwrap() error { return e.Err }

// TimeoutError reports an attempt that exceeded its type's timeout.
// The registry always returns it wrapped in an ExecutionError.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s", e.Timeout)
}

// CollaboratorUnavailableError reports a collaborator that stayed unreachable
// through every backoff attempt. It is returned wrapped in an ExecutionError.
type CollaboratorUnavailableError struct {
	Collaborator string
	Attempts     int
	Err          error
}

func (e *CollaboratorUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable after %d attempts: %v", e.Collaborator, e.Attempts, e.Err)
}

func (e *CollaboratorUnavailableError) Unwrap() error { return e.Err }

// Retryablef returns an ExecutionError with a formatted cause.
func Retryablef(format string, args ...any) error {
	return &ExecutionError{Err: fmt.Errorf(format, args...)}
}

// Fatalf returns an ExecutionFatalError with a formatted cause.
func Fatalf(format string, args ...any) error {
	return &ExecutionFatalError{Err: fmt.Errorf(format, args...)}
}

// IsRetryable reports whether err may be retried. Fatal errors never are;
// everything else an executor returns is treated as an ExecutionError.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var fatal *ExecutionFatalError
	return !errors.As(err, &fatal)
}

// classify normalises an executor error so that every error leaving the
// registry is either *ExecutionError or *ExecutionFatalError, tagged with key.
func classify(key string, err error) error {
	var fatal *ExecutionFatalError
	if errors.As(err, &fatal) {
		if fatal.TaskKey == "" {
			fatal.TaskKey = key
		}
		return fatal
	}
	var exec *ExecutionError
	if errors.As(err, &exec) {
		if exec.TaskKey == "" {
			exec.TaskKey = key
		}
		return exec
	}
	return &ExecutionError{TaskKey: key, Err: err}
}
