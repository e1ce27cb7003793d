// Package executor maps task types to the capabilities that run them.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/researcher/pkg/models"
)

// DefaultTimeout applies to any task type without an explicit timeout.
const DefaultTimeout = 300 * time.Second

// Input is everything an executor may read for one attempt.
type Input struct {
	JobID       string
	Request     string
	Constraints models.Constraints
	Task        models.Task
	// Attempt is zero for the first try and increments on each retry.
	Attempt int
	// PreviousScore is the gate score of the prior attempt, if any.
	PreviousScore float64
	// Dependencies are the accepted artifacts of the task's declared
	// dependencies, in declaration order.
	Dependencies []models.Artifact
}

// Executor runs one attempt of a task.
type Executor interface {
	Execute(ctx context.Context, in Input) (*models.Artifact, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, in Input) (*models.Artifact, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, in Input) (*models.Artifact, error) {
	return f(ctx, in)
}

// Registry is the lookup table from task type to executor.
type Registry struct {
	mu             sync.RWMutex
	executors      map[models.TaskType]Executor
	timeouts       map[models.TaskType]time.Duration
	defaultTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithTimeout sets the per-attempt timeout for a task type.
func WithTimeout(typ models.TaskType, d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.timeouts[typ] = d
		}
	}
}

// WithDefaultTimeout sets the timeout for types without their own.
func WithDefaultTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.defaultTimeout = d
		}
	}
}

// WithRegistryLogger sets the logger.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		executors:      make(map[models.TaskType]Executor),
		timeouts:       make(map[models.TaskType]time.Duration),
		defaultTimeout: DefaultTimeout,
		logger:         slog.Default(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds an executor to a task type, replacing any previous binding.
func (r *Registry) Register(typ models.TaskType, ex Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[typ] = ex
}

// Get returns the executor for a task type.
func (r *Registry) Get(typ models.TaskType) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.executors[typ]
	return ex, ok
}

// Has reports whether a task type has an executor.
func (r *Registry) Has(typ models.TaskType) bool {
	_, ok := r.Get(typ)
	return ok
}

// Types returns the registered task types, sorted.
func (r *Registry) Types() []models.TaskType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]models.TaskType, 0, len(r.executors))
	for typ := range r.executors {
		types = append(types, typ)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Timeout returns the per-attempt timeout for a task type.
func (r *Registry) Timeout(typ models.TaskType) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.timeouts[typ]; ok {
		return d
	}
	return r.defaultTimeout
}

// Execute runs one attempt under the type's timeout. Every returned error is
// an *ExecutionError or *ExecutionFatalError; a timeout is an ExecutionError
// wrapping *TimeoutError. The returned artifact is stamped with the task's
// identity and a fresh ID.
func (r *Registry) Execute(ctx context.Context, in Input) (*models.Artifact, error) {
	ex, ok := r.Get(in.Task.Type)
	if !ok {
		return nil, &ExecutionFatalError{
			TaskKey: in.Task.Key,
			Err:     fmt.Errorf("no executor registered for task type %q", in.Task.Type),
		}
	}

	timeout := r.Timeout(in.Task.Type)
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := r.now()
	art, err := ex.Execute(tctx, in)
	elapsed := r.now().Sub(start)

	if err == nil && tctx.Err() != nil && ctx.Err() == nil {
		// Executor ignored the deadline and returned late; the attempt still
		// counts as timed out.
		err = tctx.Err()
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			r.logger.Warn("task attempt timed out",
				"job_id", in.JobID, "task_key", in.Task.Key, "attempt", in.Attempt, "timeout", timeout)
			return nil, &ExecutionError{TaskKey: in.Task.Key, Err: &TimeoutError{Timeout: timeout}}
		}
		return nil, classify(in.Task.Key, err)
	}
	if art == nil {
		return nil, &ExecutionError{TaskKey: in.Task.Key, Err: errors.New("executor returned no artifact")}
	}

	if art.ID == "" {
		art.ID = uuid.New().String()
	}
	art.JobID = in.JobID
	art.TaskKey = in.Task.Key
	art.TaskType = in.Task.Type
	if art.CreatedAt.IsZero() {
		art.CreatedAt = r.now().UTC()
	}

	r.logger.Debug("task attempt finished",
		"job_id", in.JobID, "task_key", in.Task.Key, "attempt", in.Attempt,
		"sources", len(art.Sources), "duration_ms", elapsed.Milliseconds())
	return art, nil
}
