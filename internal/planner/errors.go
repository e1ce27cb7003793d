package planner

import "fmt"

// PlanningError reports a decomposition that could not be turned into a
// plan: the collaborator failed or returned a malformed task list. The job
// fails immediately and is not retried.
type PlanningError struct {
	Reason string
	Err    error
}

func (e *PlanningError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("planning failed: %s", e.Reason)
	}
	return fmt.Sprintf("planning failed: %s: %v", e.Reason, e.Err)
}

func (e *PlanningError) Unwrap() error { return e.Err }

func planningErrorf(reason, format string, args ...any) error {
	return &PlanningError{Reason: reason, Err: fmt.Errorf(format, args...)}
}
