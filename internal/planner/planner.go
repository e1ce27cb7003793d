// Package planner turns a research request into a validated, persisted task graph.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ShayCichocki/researcher/internal/graph"
	"github.com/ShayCichocki/researcher/internal/metrics"
	"github.com/ShayCichocki/researcher/pkg/models"
)

// Decomposer breaks a request into an ordered list of task specs. Its
// output is untrusted: the Planner validates it before anything is stored.
type Decomposer interface {
	Decompose(ctx context.Context, request string, constraints models.Constraints) ([]graph.NodeSpec, error)
}

// DecomposerFunc adapts a function to Decomposer.
type DecomposerFunc func(ctx context.Context, request string, constraints models.Constraints) ([]graph.NodeSpec, error)

// Decompose calls f.
func (f DecomposerFunc) Decompose(ctx context.Context, request string, constraints models.Constraints) ([]graph.NodeSpec, error) {
	return f(ctx, request, constraints)
}

// Store persists the accepted graph together with the planned job.
type Store interface {
	SaveGraph(ctx context.Context, j *models.Job, tasks []models.Task) error
}

// Planner validates decomposer output and persists it.
type Planner struct {
	decomposer Decomposer
	store      Store
	logger     *slog.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	now        func() time.Time
}

// Option configures a Planner.
type Option func(*Planner)

// WithLogger sets the planner's logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Planner) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics records planning durations, sizes and rejections.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Planner) { p.metrics = m }
}

// New creates a planner.
func New(d Decomposer, store Store, opts ...Option) *Planner {
	p := &Planner{
		decomposer: d,
		store:      store,
		logger:     slog.Default(),
		tracer:     otel.Tracer("researcher/planner"),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan decomposes the job's request, validates the result and persists the
// graph, leaving the job in planned status. On error nothing is persisted
// and the job is left for the caller to fail. Errors are *PlanningError,
// *graph.GraphValidationError or *graph.CyclicDependencyError, or a wrapped
// store error.
func (p *Planner) Plan(ctx context.Context, job *models.Job) (*graph.TaskGraph, error) {
	ctx, span := p.tracer.Start(ctx, "planner.plan")
	defer span.End()
	span.SetAttributes(attribute.String("job_id", job.ID))

	logger := p.logger.With("job_id", job.ID)
	start := time.Now()

	g, err := p.build(ctx, job, logger)
	if err != nil {
		reason := rejectReason(err)
		p.metrics.PlanRejected(reason)
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		logger.Warn("plan rejected", "reason", reason, "error", err)
		return nil, err
	}

	tasks := Tasks(job.ID, g)
	job.Status = models.JobStatusPlanned
	job.TotalTasks = g.Len()
	job.TotalWaves = g.WaveCount()
	job.UpdatedAt = p.now()
	if err := p.store.SaveGraph(ctx, job, tasks); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist")
		return nil, fmt.Errorf("persist plan: %w", err)
	}

	p.metrics.PlanAccepted(time.Since(start), g.Len())
	span.SetAttributes(attribute.Int("tasks", g.Len()), attribute.Int("waves", g.WaveCount()))
	logger.Info("plan accepted", "tasks", g.Len(), "waves", g.WaveCount())
	return g, nil
}

func (p *Planner) build(ctx context.Context, job *models.Job, logger *slog.Logger) (*graph.TaskGraph, error) {
	specs, err := p.decomposer.Decompose(ctx, job.Request, job.Constraints)
	if err != nil {
		var perr *PlanningError
		if errors.As(err, &perr) || errors.Is(err, graph.ErrInvalidGraph) {
			return nil, err
		}
		return nil, &PlanningError{Reason: "decompose request", Err: err}
	}
	if err := Validate(specs, job.Constraints); err != nil {
		return nil, err
	}
	return graph.New(specs, graph.WithDebugLog(func(format string, args ...interface{}) {
		logger.Debug(fmt.Sprintf(format, args...))
	}))
}

// Validate checks what graph.New does not: a non-empty plan within the
// task limit whose every type is known.
func Validate(specs []graph.NodeSpec, c models.Constraints) error {
	if len(specs) == 0 {
		return &PlanningError{Reason: "empty task list"}
	}
	if c.MaxTasks > 0 && len(specs) > c.MaxTasks {
		return planningErrorf("too many tasks", "plan has %d tasks, limit is %d", len(specs), c.MaxTasks)
	}
	for _, s := range specs {
		if !s.Type.Valid() {
			return &graph.GraphValidationError{Key: s.Key, Msg: fmt.Sprintf("unknown task type %q", s.Type)}
		}
	}
	return nil
}

// Tasks builds the pending task records for a validated graph, in
// declaration order.
func Tasks(jobID string, g *graph.TaskGraph) []models.Task {
	keys := g.Keys()
	tasks := make([]models.Task, 0, len(keys))
	for i, key := range keys {
		node, _ := g.Node(key)
		tasks = append(tasks, models.Task{
			Key:       key,
			JobID:     jobID,
			Type:      node.Type,
			DependsOn: node.DependsOn,
			Params:    node.Params,
			Position:  i,
			Wave:      g.Wave(key),
			Status:    models.TaskStatusPending,
		})
	}
	return tasks
}

// Rebuild reconstructs the graph of a persisted job from its tasks.
func Rebuild(tasks []models.Task) (*graph.TaskGraph, error) {
	specs := make([]graph.NodeSpec, 0, len(tasks))
	for _, t := range tasks {
		specs = append(specs, graph.NodeSpec{Key: t.Key, Type: t.Type, DependsOn: t.DependsOn, Params: t.Params})
	}
	return graph.New(specs)
}

func rejectReason(err error) string {
	var perr *PlanningError
	switch {
	case errors.Is(err, graph.ErrCycle):
		return "cycle"
	case errors.Is(err, graph.ErrInvalidGraph):
		return "invalid"
	case errors.As(err, &perr):
		return "malformed"
	default:
		return "error"
	}
}
