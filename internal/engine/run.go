package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/researcher/internal/executor"
	"github.com/ShayCichocki/researcher/internal/gate"
	"github.com/ShayCichocki/researcher/internal/graph"
	"github.com/ShayCichocki/researcher/internal/state"
	"github.com/ShayCichocki/researcher/pkg/models"
)

// run is the in-memory state of one executing job. mu serializes every
// write to the job and its tasks.
type run struct {
	mu             sync.Mutex
	job            *models.Job
	graph          *graph.TaskGraph
	tasks          map[string]*models.Task
	artifacts      map[string]*models.Artifact
	cancelled      bool
	cancelledTasks int
}

func newRun(job *models.Job, g *graph.TaskGraph, tasks []models.Task) *run {
	r := &run{
		job:       job,
		graph:     g,
		tasks:     make(map[string]*models.Task, len(tasks)),
		artifacts: make(map[string]*models.Artifact),
	}
	for i := range tasks {
		t := tasks[i]
		r.tasks[t.Key] = &t
	}
	return r
}

func (r *run) missingTasks() []string {
	var missing []string
	for _, key := range r.graph.Keys() {
		if _, ok := r.tasks[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing
}

func (r *run) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// keysWithStatus filters keys to tasks in the given status, keeping order.
func (r *run) keysWithStatus(keys []string, status models.TaskStatus) []string {
	var out []string
	for _, key := range keys {
		if r.tasks[key].Status == status {
			out = append(out, key)
		}
	}
	return out
}

func (r *run) recount() {
	completed, failed, skipped := 0, 0, 0
	for _, t := range r.tasks {
		switch t.Status {
		case models.TaskStatusComplete:
			completed++
		case models.TaskStatusFailed:
			failed++
		case models.TaskStatusSkipped:
			skipped++
		}
	}
	r.job.CompletedTasks = completed
	r.job.FailedTasks = failed
	r.job.SkippedTasks = skipped
}

func (r *run) elapsed(now time.Time) time.Duration {
	if r.job.StartedAt == nil {
		return 0
	}
	return now.Sub(*r.job.StartedAt)
}

// outcome is the result of one dispatched attempt.
type outcome struct {
	key      string
	started  bool
	artifact *models.Artifact
	err      error
}

// dispatch runs one attempt of every key concurrently and waits for all of
// them. Outcomes are returned in the order of keys.
func (e *Engine) dispatch(ctx context.Context, r *run, w int, keys []string) ([]outcome, error) {
	inputs := make([]executor.Input, len(keys))
	r.mu.Lock()
	for i, key := range keys {
		inputs[i] = r.inputFor(key)
	}
	r.mu.Unlock()

	outcomes := make([]outcome, len(keys))
	var g errgroup.Group
	g.SetLimit(e.maxConcurrency)
	for i := range keys {
		g.Go(func() error {
			o, err := e.attempt(ctx, r, w, inputs[i])
			outcomes[i] = o
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

// inputFor builds an attempt's input from the task and the accepted
// artifacts of its dependencies. Callers hold r.mu.
func (r *run) inputFor(key string) executor.Input {
	t := r.tasks[key]
	in := executor.Input{
		JobID:         r.job.ID,
		Request:       r.job.Request,
		Constraints:   r.job.Constraints,
		Task:          *t,
		Attempt:       t.RetryCount,
		PreviousScore: t.QualityScore,
	}
	for _, dep := range r.graph.Dependencies(key) {
		if a, ok := r.artifacts[dep]; ok {
			in.Dependencies = append(in.Dependencies, *a)
		}
	}
	return in
}

// attempt marks the task running and executes it. A task that was skipped
// or failed by a cancel while queued is not started. Only persistence
// failures are returned as errors.
func (e *Engine) attempt(ctx context.Context, r *run, w int, in executor.Input) (outcome, error) {
	key := in.Task.Key
	o := outcome{key: key}

	r.mu.Lock()
	t := r.tasks[key]
	if r.cancelled || (t.Status != models.TaskStatusPending && t.Status != models.TaskStatusRetryPending) {
		r.mu.Unlock()
		return o, nil
	}
	now := e.now()
	t.Status = models.TaskStatusRunning
	if t.StartedAt == nil {
		t.StartedAt = &now
	}
	if err := e.store.UpdateTask(ctx, t); err != nil {
		r.mu.Unlock()
		return o, fmt.Errorf("mark task %s running: %w", key, err)
	}
	e.publishLocked(ctx, r, models.EventTaskStarted, models.TaskStartedData{
		TaskKey:  key,
		TaskType: t.Type,
		Wave:     w,
		Attempt:  in.Attempt,
	})
	r.mu.Unlock()

	actx, span := e.startAttemptSpan(ctx, r.job.ID, in.Task, w, in.Attempt)
	start := time.Now()
	o.started = true
	o.artifact, o.err = e.executor.Execute(actx, in)
	e.metrics.TaskAttempt(string(in.Task.Type), time.Since(start))
	if o.err != nil {
		recordSpanError(span, o.err)
	}
	span.End()
	return o, nil
}

// apply runs the quality gate on one outcome and records the decision. It
// reports whether the task should be dispatched again in this wave.
func (e *Engine) apply(ctx context.Context, r *run, w int, o outcome) (bool, error) {
	if !o.started {
		return false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tasks[o.key]

	var res gate.Result
	if o.err != nil {
		res = e.gate.OnError(t.Type, t.RetryCount, executor.IsRetryable(o.err), o.err)
	} else {
		res = e.gate.Evaluate(t.Type, o.artifact, t.RetryCount)
		t.QualityScore = res.Score
	}
	if res.Decision == gate.Retry && r.cancelled {
		res.Decision = gate.Degrade
		res.Reason = "job cancelled: " + res.Reason
	}
	e.metrics.GateDecision(string(t.Type), res.Decision.String(), res.Score)
	e.logger.Debug("quality gate decision",
		"job_id", r.job.ID, "task_key", t.Key, "wave", w, "attempt", t.RetryCount,
		"score", res.Score, "decision", res.Decision.String(), "reason", res.Reason)

	now := e.now()
	switch res.Decision {
	case gate.Accept:
		o.artifact.QualityScore = res.Score
		if err := e.store.SaveArtifact(ctx, o.artifact); err != nil {
			return false, fmt.Errorf("save artifact for %s: %w", t.Key, err)
		}
		r.artifacts[t.Key] = o.artifact
		t.Status = models.TaskStatusComplete
		t.Error = ""
		t.CompletedAt = &now
		if err := e.store.UpdateTask(ctx, t); err != nil {
			return false, fmt.Errorf("complete task %s: %w", t.Key, err)
		}
		e.metrics.TaskFinished(string(t.Type), string(t.Status))
		e.publishLocked(ctx, r, models.EventTaskCompleted, models.TaskCompletedData{
			TaskKey:       t.Key,
			QualityScore:  res.Score,
			ArtifactCount: 1,
			SourceCount:   len(o.artifact.Sources),
		})
		return false, nil

	case gate.Retry:
		t.Status = models.TaskStatusRetryPending
		t.RetryCount++
		t.Error = res.Reason
		if err := e.store.UpdateTask(ctx, t); err != nil {
			return false, fmt.Errorf("schedule retry of %s: %w", t.Key, err)
		}
		e.publishLocked(ctx, r, models.EventTaskFailed, models.TaskFailedData{
			TaskKey: t.Key, Error: res.Reason, WillRetry: true,
		})
		return true, nil

	default:
		t.Status = models.TaskStatusFailed
		t.Error = res.Reason
		t.CompletedAt = &now
		if err := e.store.UpdateTask(ctx, t); err != nil {
			return false, fmt.Errorf("fail task %s: %w", t.Key, err)
		}
		e.metrics.TaskFinished(string(t.Type), string(t.Status))
		e.publishLocked(ctx, r, models.EventTaskFailed, models.TaskFailedData{
			TaskKey: t.Key, Error: res.Reason,
		})
		e.logger.Warn("task degraded", "job_id", r.job.ID, "task_key", t.Key, "reason", res.Reason)
		e.skipDescendantsLocked(ctx, r, t.Key)
		return false, nil
	}
}

// skipDescendantsLocked skips every pending task that transitively depends
// on key. Tasks that already finished are left alone.
func (e *Engine) skipDescendantsLocked(ctx context.Context, r *run, key string) {
	reason := fmt.Sprintf("dependency %s failed", key)
	for _, d := range r.graph.Descendants(key) {
		if t := r.tasks[d]; t.Status == models.TaskStatusPending {
			e.skipLocked(ctx, r, t, reason)
		}
	}
}

func (e *Engine) skipLocked(ctx context.Context, r *run, t *models.Task, reason string) {
	now := e.now()
	t.Status = models.TaskStatusSkipped
	t.SkipReason = reason
	t.CompletedAt = &now
	e.saveTaskLocked(ctx, r, t)
	e.metrics.TaskFinished(string(t.Type), string(t.Status))
	e.publishLocked(ctx, r, models.EventTaskSkipped, models.TaskSkippedData{TaskKey: t.Key, Reason: reason})
}

func (e *Engine) saveTaskLocked(ctx context.Context, r *run, t *models.Task) {
	if err := e.store.UpdateTask(ctx, t); err != nil {
		e.logger.Error("failed to persist task", "job_id", r.job.ID, "task_key", t.Key, "status", t.Status, "error", err)
	}
}

// saveJobLocked writes the job with its version check. If another writer
// cancelled the job in the store, the run adopts the cancellation.
func (e *Engine) saveJobLocked(ctx context.Context, r *run) error {
	err := e.store.UpdateJob(ctx, r.job)
	if !errors.Is(err, state.ErrVersionConflict) {
		return err
	}

	stored, gerr := e.store.GetJob(ctx, r.job.ID)
	if gerr != nil {
		return gerr
	}
	if stored == nil {
		return fmt.Errorf("job %s: %w", r.job.ID, state.ErrNotFound)
	}
	e.logger.Warn("job changed by another writer", "job_id", r.job.ID,
		"version", r.job.Version, "stored_version", stored.Version, "stored_status", stored.Status)
	if stored.Status.Terminal() && stored.Status != models.JobStatusCancelled {
		return err
	}
	if stored.Status == models.JobStatusCancelled && !r.cancelled {
		r.cancelled = true
		r.job.Status = models.JobStatusCancelled
		if r.job.CompletedAt == nil {
			r.job.CompletedAt = stored.CompletedAt
		}
	}
	r.job.Version = stored.Version
	return e.store.UpdateJob(ctx, r.job)
}

func (e *Engine) publishLocked(ctx context.Context, r *run, typ models.EventType, data any) {
	if e.publisher == nil {
		return
	}
	if _, err := e.publisher.Publish(ctx, r.job.ID, typ, data); err != nil {
		e.logger.Warn("failed to publish event", "job_id", r.job.ID, "type", typ, "error", err)
	}
}

func (e *Engine) publishStatusLocked(ctx context.Context, r *run) {
	e.publishLocked(ctx, r, models.EventJobStatus, models.JobStatusData{
		JobID:              r.job.ID,
		Status:             r.job.Status,
		TotalTasks:         r.job.TotalTasks,
		CompletedTasks:     r.job.CompletedTasks,
		ProgressPercentage: r.job.ProgressPercentage(),
	})
}
