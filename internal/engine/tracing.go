package engine

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ShayCichocki/researcher/pkg/models"
)

func (e *Engine) startRunSpan(ctx context.Context, job *models.Job) (context.Context, trace.Span) {
	ctx, span := e.tracer.Start(ctx, "engine.run")
	span.SetAttributes(
		attribute.String("job_id", job.ID),
		attribute.String("owner", job.Owner),
	)
	return ctx, span
}

func (e *Engine) startWaveSpan(ctx context.Context, jobID string, wave, tasks int) (context.Context, trace.Span) {
	ctx, span := e.tracer.Start(ctx, "engine.wave")
	span.SetAttributes(
		attribute.String("job_id", jobID),
		attribute.Int("wave", wave),
		attribute.Int("tasks", tasks),
	)
	return ctx, span
}

func (e *Engine) startAttemptSpan(ctx context.Context, jobID string, t models.Task, wave, attempt int) (context.Context, trace.Span) {
	ctx, span := e.tracer.Start(ctx, "engine.attempt")
	span.SetAttributes(
		attribute.String("job_id", jobID),
		attribute.String("task_key", t.Key),
		attribute.String("task_type", string(t.Type)),
		attribute.Int("wave", wave),
		attribute.Int("attempt", attempt),
	)
	return ctx, span
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
