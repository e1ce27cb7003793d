package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ShayCichocki/researcher/pkg/models"
)

// InterruptedReason is recorded on jobs and tasks that were in flight when
// the process stopped.
const InterruptedReason = "interrupted by restart"

// EventPublisher records a state change in a job's event log.
type EventPublisher interface {
	Publish(ctx context.Context, jobID string, typ models.EventType, data any) (models.Event, error)
}

// logPublisher appends events straight to the database. It is used when no
// live publisher is attached.
type logPublisher struct {
	db *DB
}

func (p logPublisher) Publish(ctx context.Context, jobID string, typ models.EventType, data any) (models.Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return models.Event{}, fmt.Errorf("encode %s event: %w", typ, err)
	}
	e := models.Event{JobID: jobID, Type: typ, Data: raw, Timestamp: time.Now().UTC()}
	if err := p.db.AppendEvent(ctx, &e); err != nil {
		return models.Event{}, err
	}
	return e, nil
}

// RecoveryManager detects and settles jobs left non-terminal by a previous
// process.
type RecoveryManager struct {
	db     *DB
	logger *slog.Logger
	events EventPublisher
}

// RecoveryOption configures a RecoveryManager.
type RecoveryOption func(*RecoveryManager)

// WithEventPublisher sends recovery events through p so live subscribers
// see them.
func WithEventPublisher(p EventPublisher) RecoveryOption {
	return func(rm *RecoveryManager) {
		if p != nil {
			rm.events = p
		}
	}
}

// NewRecoveryManager creates a new RecoveryManager with the given database.
func NewRecoveryManager(db *DB, logger *slog.Logger, opts ...RecoveryOption) *RecoveryManager {
	if logger == nil {
		logger = slog.Default()
	}
	rm := &RecoveryManager{db: db, logger: logger, events: logPublisher{db: db}}
	for _, opt := range opts {
		opt(rm)
	}
	return rm
}

// CheckForInterrupted returns every job that is not in a terminal state.
func (rm *RecoveryManager) CheckForInterrupted(ctx context.Context) ([]models.Job, error) {
	jobs, err := rm.db.ListJobsByStatus(ctx,
		models.JobStatusInitializing, models.JobStatusPlanning, models.JobStatusPlanned,
		models.JobStatusExecuting, models.JobStatusSynthesizing)
	if err != nil {
		return nil, fmt.Errorf("list interrupted jobs: %w", err)
	}
	return jobs, nil
}

// RecoverInterrupted marks every interrupted job failed. Unfinished tasks are
// marked failed when an attempt was in flight and skipped otherwise. Each
// change is published, ending with job_failed. It returns the number of jobs
// settled.
func (rm *RecoveryManager) RecoverInterrupted(ctx context.Context) (int, error) {
	jobs, err := rm.CheckForInterrupted(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for i := range jobs {
		j := &jobs[i]
		previous := j.Status
		if err := rm.settle(ctx, j); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				rm.logger.Warn("job changed during recovery", "job_id", j.ID)
				continue
			}
			return recovered, err
		}
		rm.logger.Info("recovered interrupted job", "job_id", j.ID, "previous_status", previous)
		recovered++
	}
	return recovered, nil
}

type pendingEvent struct {
	typ  models.EventType
	data any
}

func (rm *RecoveryManager) settle(ctx context.Context, j *models.Job) error {
	tasks, err := rm.db.ListTasks(ctx, j.ID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	var events []pendingEvent
	completed, failed, skipped := 0, 0, 0
	for i := range tasks {
		t := &tasks[i]
		if !t.Status.Terminal() {
			if t.Status == models.TaskStatusPending {
				t.Status = models.TaskStatusSkipped
				t.SkipReason = InterruptedReason
				events = append(events, pendingEvent{models.EventTaskSkipped,
					models.TaskSkippedData{TaskKey: t.Key, Reason: InterruptedReason}})
			} else {
				t.Status = models.TaskStatusFailed
				t.Error = InterruptedReason
				t.CompletedAt = &now
				events = append(events, pendingEvent{models.EventTaskFailed,
					models.TaskFailedData{TaskKey: t.Key, Error: InterruptedReason}})
			}
			if err := rm.db.UpdateTask(ctx, t); err != nil {
				return fmt.Errorf("settle task %s: %w", t.Key, err)
			}
		}
		switch t.Status {
		case models.TaskStatusComplete:
			completed++
		case models.TaskStatusFailed:
			failed++
		case models.TaskStatusSkipped:
			skipped++
		}
	}

	j.Status = models.JobStatusFailed
	j.Error = InterruptedReason
	j.CompletedTasks = completed
	j.FailedTasks = failed
	j.SkippedTasks = skipped
	j.PartialResults = completed > 0
	j.CompletedAt = &now
	if err := rm.db.UpdateJob(ctx, j); err != nil {
		return err
	}

	events = append(events,
		pendingEvent{models.EventJobStatus, models.JobStatusData{
			JobID:              j.ID,
			Status:             j.Status,
			TotalTasks:         j.TotalTasks,
			CompletedTasks:     j.CompletedTasks,
			ProgressPercentage: j.ProgressPercentage(),
		}},
		pendingEvent{models.EventJobFailed, models.JobFailedData{
			Error:                   InterruptedReason,
			PartialResultsAvailable: j.PartialResults,
		}},
	)
	for _, e := range events {
		if _, err := rm.events.Publish(ctx, j.ID, e.typ, e.data); err != nil {
			return fmt.Errorf("publish %s for %s: %w", e.typ, j.ID, err)
		}
	}
	return nil
}
