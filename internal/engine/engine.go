// Package engine drives a planned job through its task graph one wave at a
// time, applying the quality gate to every attempt.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/ShayCichocki/researcher/internal/executor"
	"github.com/ShayCichocki/researcher/internal/gate"
	"github.com/ShayCichocki/researcher/internal/graph"
	"github.com/ShayCichocki/researcher/internal/metrics"
	"github.com/ShayCichocki/researcher/pkg/models"
)

const (
	// DefaultMaxConcurrency bounds simultaneous attempts within one job.
	DefaultMaxConcurrency = 5
	// DefaultRetryDelay is the pause before the first retry round of a wave.
	DefaultRetryDelay = 2 * time.Second
	// DefaultRetryMultiplier grows the pause for each further round.
	DefaultRetryMultiplier = 1.5
)

// ErrAlreadyRunning is returned when Run is called for a job that is
// already running in this engine.
var ErrAlreadyRunning = errors.New("job already running")

// Store is the persistence the engine writes through.
type Store interface {
	GetJob(ctx context.Context, id string) (*models.Job, error)
	UpdateJob(ctx context.Context, j *models.Job) error
	UpdateTask(ctx context.Context, t *models.Task) error
	ListTasks(ctx context.Context, jobID string) ([]models.Task, error)
	SaveArtifact(ctx context.Context, a *models.Artifact) error
	ListArtifacts(ctx context.Context, jobID string) ([]models.Artifact, error)
}

// Publisher receives every job and task transition.
type Publisher interface {
	Publish(ctx context.Context, jobID string, typ models.EventType, data any) (models.Event, error)
}

// Executor runs one attempt of a task.
type Executor interface {
	Execute(ctx context.Context, in executor.Input) (*models.Artifact, error)
}

// Engine executes planned jobs. One Engine serves many jobs concurrently;
// each job's state is written by a single run.
type Engine struct {
	store     Store
	executor  Executor
	gate      *gate.Evaluator
	publisher Publisher

	logger          *slog.Logger
	metrics         *metrics.Metrics
	tracer          trace.Tracer
	maxConcurrency  int
	retryDelay      time.Duration
	retryMultiplier float64
	quorum          Quorum
	now             func() time.Time
	sleep           func(ctx context.Context, d time.Duration) error

	mu   sync.Mutex
	runs map[string]*run
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxConcurrency bounds the attempts running at once within a job.
func WithMaxConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxConcurrency = n
		}
	}
}

// WithRetryDelay sets the pause before the first retry round and the factor
// applied for each further round. A zero delay retries immediately.
func WithRetryDelay(d time.Duration, multiplier float64) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.retryDelay = d
		}
		if multiplier >= 1 {
			e.retryMultiplier = multiplier
		}
	}
}

// WithQuorum sets the rule deciding whether a job with failed tasks fails.
func WithQuorum(q Quorum) Option {
	return func(e *Engine) { e.quorum = q }
}

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics records attempts, gate decisions and job outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock replaces the time source and the retry sleep.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// New creates an engine.
func New(store Store, exec Executor, evaluator *gate.Evaluator, publisher Publisher, opts ...Option) *Engine {
	if evaluator == nil {
		evaluator = gate.NewEvaluator()
	}
	e := &Engine{
		store:           store,
		executor:        exec,
		gate:            evaluator,
		publisher:       publisher,
		logger:          slog.Default(),
		tracer:          otel.Tracer("researcher/engine"),
		maxConcurrency:  DefaultMaxConcurrency,
		retryDelay:      DefaultRetryDelay,
		retryMultiplier: DefaultRetryMultiplier,
		quorum:          DefaultQuorum(),
		now:             func() time.Time { return time.Now().UTC() },
		sleep:           sleepContext,
		runs:            make(map[string]*run),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel asks a running job to stop. Pending tasks are skipped at once and
// the job is marked cancelled; attempts already in flight finish. It returns
// false if the job is not running in this engine.
func (e *Engine) Cancel(jobID string) bool {
	e.mu.Lock()
	r, ok := e.runs[jobID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	return e.cancelRun(context.Background(), r)
}

// Running returns the IDs of jobs currently running in this engine.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.runs))
	for id := range e.runs {
		ids = append(ids, id)
	}
	return ids
}

// Run executes a planned job until it is complete, failed or cancelled. Task
// failures only affect the job's status; the returned error reports
// persistence failures and misuse.
func (e *Engine) Run(ctx context.Context, job *models.Job, g *graph.TaskGraph) error {
	if job.Status != models.JobStatusPlanned {
		return fmt.Errorf("run job %s: status is %s, want %s", job.ID, job.Status, models.JobStatusPlanned)
	}

	tasks, err := e.store.ListTasks(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	r := newRun(job, g, tasks)
	if missing := r.missingTasks(); len(missing) > 0 {
		return fmt.Errorf("run job %s: tasks not persisted: %v", job.ID, missing)
	}

	e.mu.Lock()
	if _, busy := e.runs[job.ID]; busy {
		e.mu.Unlock()
		return fmt.Errorf("run job %s: %w", job.ID, ErrAlreadyRunning)
	}
	e.runs[job.ID] = r
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.runs, job.ID)
		e.mu.Unlock()
	}()

	ctx, span := e.startRunSpan(ctx, job)
	defer span.End()

	logger := e.logger.With("job_id", job.ID)
	logger.Info("job started", "tasks", g.Len(), "waves", g.WaveCount())

	if err := e.start(ctx, r); err != nil {
		recordSpanError(span, err)
		return err
	}
	if err := e.runWaves(ctx, r, logger); err != nil {
		recordSpanError(span, err)
		e.abort(context.WithoutCancel(ctx), r, err)
		return err
	}
	if err := e.finish(context.WithoutCancel(ctx), r, logger); err != nil {
		recordSpanError(span, err)
		return err
	}
	return nil
}

func (e *Engine) start(ctx context.Context, r *run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := e.now()
	r.job.Status = models.JobStatusExecuting
	r.job.StartedAt = &now
	r.job.TotalTasks = r.graph.Len()
	r.job.TotalWaves = r.graph.WaveCount()
	if err := e.saveJobLocked(ctx, r); err != nil {
		return err
	}
	e.publishStatusLocked(ctx, r)
	return nil
}

// runWaves is the wave loop. A wave is never entered before every task of
// the previous wave is terminal.
func (e *Engine) runWaves(ctx context.Context, r *run, logger *slog.Logger) error {
	waves := r.graph.Waves()
	for w, keys := range waves {
		if r.isCancelled() {
			logger.Info("job cancelled, no further waves dispatched", "wave", w)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := e.runWave(ctx, r, w, keys, logger); err != nil {
			return err
		}

		var next []string
		if w+1 < len(waves) {
			next = waves[w+1]
		}
		e.completeWave(ctx, r, w, keys, next)
	}
	return nil
}

func (e *Engine) runWave(ctx context.Context, r *run, w int, keys []string, logger *slog.Logger) error {
	ctx, span := e.startWaveSpan(ctx, r.job.ID, w, len(keys))
	defer span.End()

	r.mu.Lock()
	r.job.CurrentWave = w
	err := e.saveJobLocked(ctx, r)
	pending := r.keysWithStatus(keys, models.TaskStatusPending)
	r.mu.Unlock()
	if err != nil {
		return err
	}

	delay := e.retryDelay
	for round := 0; len(pending) > 0; round++ {
		if round > 0 {
			logger.Debug("retrying tasks", "wave", w, "round", round, "tasks", pending, "delay", delay)
			if err := e.sleep(ctx, delay); err != nil {
				return err
			}
			delay = time.Duration(float64(delay) * e.retryMultiplier)

			r.mu.Lock()
			pending = r.keysWithStatus(pending, models.TaskStatusRetryPending)
			r.mu.Unlock()
		}
		if len(pending) == 0 || r.isCancelled() {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		outcomes, err := e.dispatch(ctx, r, w, pending)
		if err != nil {
			return err
		}

		var retry []string
		for _, o := range outcomes {
			again, err := e.apply(ctx, r, w, o)
			if err != nil {
				return err
			}
			if again {
				retry = append(retry, o.key)
			}
		}
		pending = retry
	}
	return nil
}

func (e *Engine) completeWave(ctx context.Context, r *run, w int, keys, next []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data := models.WaveCompletedData{WaveNumber: w}
	for _, key := range keys {
		switch r.tasks[key].Status {
		case models.TaskStatusComplete:
			data.TasksCompleted++
		case models.TaskStatusFailed:
			data.TasksFailed++
		}
	}
	data.NextWaveTasks = len(r.keysWithStatus(next, models.TaskStatusPending))

	e.metrics.WaveCompleted()
	e.publishLocked(ctx, r, models.EventWaveCompleted, data)
	r.recount()
	if err := e.saveJobLocked(ctx, r); err != nil {
		e.logger.Warn("failed to persist wave progress", "job_id", r.job.ID, "wave", w, "error", err)
	}
	e.publishStatusLocked(ctx, r)
}

// cancelRun marks the job cancelled and skips every task that has not
// started. A task waiting for a retry round is failed instead, since it has
// already run.
func (e *Engine) cancelRun(ctx context.Context, r *run) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancelled || r.job.Status.Terminal() {
		return r.cancelled
	}
	r.cancelled = true

	now := e.now()
	for _, key := range r.graph.Keys() {
		t := r.tasks[key]
		switch t.Status {
		case models.TaskStatusPending:
			e.skipLocked(ctx, r, t, "job cancelled")
			r.cancelledTasks++
		case models.TaskStatusRetryPending:
			t.Status = models.TaskStatusFailed
			t.Error = "job cancelled before retry"
			t.CompletedAt = &now
			e.saveTaskLocked(ctx, r, t)
			e.publishLocked(ctx, r, models.EventTaskFailed, models.TaskFailedData{TaskKey: t.Key, Error: t.Error})
		}
	}

	r.job.Status = models.JobStatusCancelled
	r.job.CompletedAt = &now
	r.recount()
	if err := e.saveJobLocked(ctx, r); err != nil {
		e.logger.Error("failed to persist cancellation", "job_id", r.job.ID, "error", err)
	}
	e.publishStatusLocked(ctx, r)
	e.logger.Info("job cancelled", "job_id", r.job.ID, "running", len(r.keysWithStatus(r.graph.Keys(), models.TaskStatusRunning)))
	return true
}

// abort fails a job whose run could not continue. Tasks that never started
// are skipped.
func (e *Engine) abort(ctx context.Context, r *run, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.job.Status.Terminal() && !r.cancelled {
		return
	}

	now := e.now()
	for _, key := range r.graph.Keys() {
		t := r.tasks[key]
		switch t.Status {
		case models.TaskStatusPending:
			e.skipLocked(ctx, r, t, "job aborted")
		case models.TaskStatusRetryPending, models.TaskStatusRunning:
			t.Status = models.TaskStatusFailed
			t.Error = cause.Error()
			t.CompletedAt = &now
			e.saveTaskLocked(ctx, r, t)
		}
	}

	r.recount()
	if !r.cancelled {
		r.job.Status = models.JobStatusFailed
		r.job.Error = cause.Error()
	}
	r.job.CompletedAt = &now
	r.job.PartialResults = r.job.CompletedTasks > 0
	if err := e.saveJobLocked(ctx, r); err != nil {
		e.logger.Error("failed to persist aborted job", "job_id", r.job.ID, "error", err)
	}
	if r.cancelled {
		e.publishLocked(ctx, r, models.EventJobCancelled, models.JobCancelledData{
			TasksCompleted: r.job.CompletedTasks,
			TasksCancelled: r.cancelledTasks,
		})
	} else {
		e.publishLocked(ctx, r, models.EventJobFailed, models.JobFailedData{
			Error:                   r.job.Error,
			PartialResultsAvailable: r.job.PartialResults,
		})
	}
	e.metrics.JobFinished(string(r.job.Status), r.elapsed(now))
}
