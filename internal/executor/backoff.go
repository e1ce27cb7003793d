package executor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ShayCichocki/researcher/internal/collab"
)

// BackoffPolicy bounds retries of an unavailable collaborator within one attempt.
type BackoffPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultBackoff returns the built-in collaborator backoff ceiling.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

func (p BackoffPolicy) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = 0
	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// callCollaborator invokes fn, retrying with exponential backoff while the
// collaborator reports collab.ErrUnavailable. Other errors return at once.
// Once the ceiling is reached the failure becomes an ExecutionError wrapping
// *CollaboratorUnavailableError.
func callCollaborator[T any](ctx context.Context, policy BackoffPolicy, logger *slog.Logger, name string, fn func(context.Context) (T, error)) (T, error) {
	attempts := 0
	op := func() (T, error) {
		attempts++
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if errors.Is(err, collab.ErrUnavailable) {
			return v, err
		}
		return v, backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("collaborator unavailable, backing off",
			"collaborator", name, "attempt", attempts, "wait", wait, "error", err)
	}

	v, err := backoff.RetryNotifyWithData(op, policy.newBackOff(ctx), notify)
	if err != nil && errors.Is(err, collab.ErrUnavailable) {
		var zero T
		return zero, &ExecutionError{Err: &CollaboratorUnavailableError{Collaborator: name, Attempts: attempts, Err: err}}
	}
	return v, err
}
