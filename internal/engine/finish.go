package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ShayCichocki/researcher/pkg/models"
)

// finish settles a job after its last wave. Cancelled jobs report what ran.
// Jobs with completed tasks pass through synthesizing and aggregation; every
// job then goes through the quorum check.
func (e *Engine) finish(ctx context.Context, r *run, logger *slog.Logger) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancelled {
		return e.finishCancelledLocked(ctx, r, logger)
	}

	r.recount()
	tasks := r.orderedTasks()
	var (
		result *models.Result
		aggErr error
	)
	// With nothing completed there is nothing to synthesize; the quorum
	// check fails the job directly.
	if r.job.CompletedTasks > 0 {
		r.job.Status = models.JobStatusSynthesizing
		if err := e.saveJobLocked(ctx, r); err != nil {
			return err
		}
		e.publishStatusLocked(ctx, r)
		if r.cancelled {
			// A cancel written by another process surfaced on the save above.
			return e.finishCancelledLocked(ctx, r, logger)
		}

		result, aggErr = e.aggregate(ctx, r, tasks)
		if result != nil {
			r.job.Result = result
		}
	}

	now := e.now()
	r.job.CompletedAt = &now
	r.job.PartialResults = r.job.CompletedTasks > 0 && (r.job.FailedTasks > 0 || r.job.SkippedTasks > 0)

	reason := e.quorum.Check(tasks)
	if aggErr != nil {
		reason = fmt.Sprintf("aggregate results: %v", aggErr)
	}
	if reason != "" {
		r.job.Status = models.JobStatusFailed
		r.job.Error = reason
		r.job.PartialResults = r.job.CompletedTasks > 0
		if err := e.saveJobLocked(ctx, r); err != nil {
			return err
		}
		if r.cancelled {
			return e.finishCancelledLocked(ctx, r, logger)
		}
		logger.Warn("job failed", "reason", reason, "completed", r.job.CompletedTasks,
			"failed", r.job.FailedTasks, "skipped", r.job.SkippedTasks)
		e.metrics.JobFinished(string(r.job.Status), r.elapsed(now))
		e.publishStatusLocked(ctx, r)
		e.publishLocked(ctx, r, models.EventJobFailed, models.JobFailedData{
			Error:                   reason,
			PartialResultsAvailable: r.job.PartialResults,
		})
		return nil
	}

	r.job.Status = models.JobStatusComplete
	if err := e.saveJobLocked(ctx, r); err != nil {
		return err
	}
	logger.Info("job complete", "completed", r.job.CompletedTasks,
		"failed", r.job.FailedTasks, "skipped", r.job.SkippedTasks)
	e.metrics.JobFinished(string(r.job.Status), r.elapsed(now))
	e.publishStatusLocked(ctx, r)
	e.publishLocked(ctx, r, models.EventJobComplete, models.JobCompleteData{
		Summary:         result.Summary,
		ResultReference: r.job.ID,
	})
	return nil
}

func (e *Engine) finishCancelledLocked(ctx context.Context, r *run, logger *slog.Logger) error {
	for _, t := range r.orderedTasks() {
		if t.Status == models.TaskStatusPending {
			e.skipLocked(ctx, r, t, "job cancelled")
			r.cancelledTasks++
		}
	}
	r.recount()

	now := e.now()
	if r.job.CompletedAt == nil {
		r.job.CompletedAt = &now
	}
	if r.job.CompletedTasks > 0 {
		if result, err := e.aggregate(ctx, r, r.orderedTasks()); err == nil {
			r.job.Result = result
			r.job.PartialResults = true
		}
	}
	if err := e.saveJobLocked(ctx, r); err != nil {
		return err
	}

	logger.Info("job cancelled", "completed", r.job.CompletedTasks, "cancelled", r.cancelledTasks)
	e.metrics.JobFinished(string(r.job.Status), r.elapsed(now))
	e.publishLocked(ctx, r, models.EventJobCancelled, models.JobCancelledData{
		TasksCompleted: r.job.CompletedTasks,
		TasksCancelled: r.cancelledTasks,
	})
	return nil
}

func (r *run) orderedTasks() []*models.Task {
	keys := r.graph.Keys()
	out := make([]*models.Task, 0, len(keys))
	for _, key := range keys {
		out = append(out, r.tasks[key])
	}
	return out
}

// aggregate builds the job result from the stored artifacts. The report is
// the last accepted report_write artifact, falling back to the last
// synthesis. Every task that did not complete is listed as a gap.
func (e *Engine) aggregate(ctx context.Context, r *run, tasks []*models.Task) (*models.Result, error) {
	artifacts, err := e.store.ListArtifacts(ctx, r.job.ID)
	if err != nil {
		return nil, err
	}
	if artifacts == nil {
		artifacts = []models.Artifact{}
	}

	result := &models.Result{Artifacts: artifacts}
	for _, typ := range []models.TaskType{models.TaskTypeReportWrite, models.TaskTypeSynthesis} {
		for i := len(artifacts) - 1; i >= 0; i-- {
			if artifacts[i].TaskType == typ {
				result.Report = artifacts[i].Payload
				result.ReportTask = artifacts[i].TaskKey
				break
			}
		}
		if result.ReportTask != "" {
			break
		}
	}

	for _, t := range tasks {
		switch t.Status {
		case models.TaskStatusFailed:
			result.Gaps = append(result.Gaps, models.SkippedTask{Key: t.Key, Status: t.Status, Reason: t.Error})
		case models.TaskStatusSkipped:
			result.Gaps = append(result.Gaps, models.SkippedTask{Key: t.Key, Status: t.Status, Reason: t.SkipReason})
		}
	}

	result.Summary = summarize(len(tasks), r.job.CompletedTasks, result)
	return result, nil
}

func summarize(total, completed int, res *models.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d tasks completed", completed, total)
	if len(res.Gaps) > 0 {
		keys := make([]string, 0, len(res.Gaps))
		for _, g := range res.Gaps {
			keys = append(keys, fmt.Sprintf("%s (%s)", g.Key, g.Status))
		}
		fmt.Fprintf(&b, "; gaps: %s", strings.Join(keys, ", "))
	}
	if res.ReportTask != "" {
		fmt.Fprintf(&b, "; report from %s", res.ReportTask)
	} else {
		b.WriteString("; no report produced")
	}
	return b.String()
}
