package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidGraph is the kind of every GraphValidationError.
	ErrInvalidGraph = errors.New("invalid task graph")
	// ErrCycle is the kind of every CyclicDependencyError.
	ErrCycle = errors.New("cyclic dependency")
)

// GraphValidationError reports a structural problem in a plan: an empty or
// duplicate key, or a dependency on a key that does not exist.
type GraphValidationError struct {
	Key string
	Msg string
}

func (e *GraphValidationError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s: %s", ErrInvalidGraph, e.Msg)
	}
	return fmt.Sprintf("%s: task %q: %s", ErrInvalidGraph, e.Key, e.Msg)
}

func (e *GraphValidationError) Unwrap() error { return ErrInvalidGraph }

func invalidf(key, format string, args ...any) error {
	return &GraphValidationError{Key: key, Msg: fmt.Sprintf(format, args...)}
}

// CyclicDependencyError reports tasks whose in-degree never reached zero.
// It is terminal and never retried.
type CyclicDependencyError struct {
	// Unresolved lists, in declaration order, every task left without a wave.
	Unresolved []string
	// Path is one concrete cycle, first key repeated at the end.
	Path []string
}

func (e *CyclicDependencyError) Error() string {
	if len(e.Path) > 0 {
		return fmt.Sprintf("%s: %s", ErrCycle, strings.Join(e.Path, " -> "))
	}
	return fmt.Sprintf("%s: unresolved tasks %s", ErrCycle, strings.Join(e.Unresolved, ", "))
}

// Unwrap lets callers match both ErrCycle and ErrInvalidGraph.
func (e *CyclicDependencyError) Unwrap() []error { return []error{ErrCycle, ErrInvalidGraph} }
