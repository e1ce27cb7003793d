// Package jobs is the control surface for research jobs. It creates jobs,
// plans and runs them in the background under a per-owner slot limit, and
// answers status, cancel, result and share requests.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ShayCichocki/researcher/internal/engine"
	"github.com/ShayCichocki/researcher/internal/metrics"
	"github.com/ShayCichocki/researcher/internal/planner"
	"github.com/ShayCichocki/researcher/internal/progress"
	"github.com/ShayCichocki/researcher/internal/state"
	"github.com/ShayCichocki/researcher/pkg/models"
)

const (
	// DefaultMaxActivePerOwner is how many jobs one owner may have planning
	// or executing at once. Further jobs wait in initializing.
	DefaultMaxActivePerOwner = 3
	// AnonymousOwner is the owner used when a caller does not identify itself.
	AnonymousOwner = "anonymous"

	maxCancelAttempts = 5
)

// Service implements the job control surface.
//
// An empty owner argument means an operator acting on any job; owner
// checks are skipped for it.
type Service struct {
	store     state.Store
	planner   *planner.Planner
	engine    *engine.Engine
	publisher *progress.Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics
	maxActive int64
	now       func() time.Time

	// ctx bounds every background job; it is cancelled by Shutdown.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	slots   map[string]*semaphore.Weighted
	waiting map[string]context.CancelFunc
	done    map[string]chan struct{}
	active  int
	queued  int
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the service's collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithMaxActivePerOwner sets the per-owner slot count.
func WithMaxActivePerOwner(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxActive = int64(n)
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates a job service.
func NewService(store state.Store, p *planner.Planner, e *engine.Engine, pub *progress.Publisher, opts ...Option) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		store:     store,
		planner:   p,
		engine:    e,
		publisher: pub,
		logger:    slog.Default(),
		maxActive: DefaultMaxActivePerOwner,
		now:       func() time.Time { return time.Now().UTC() },
		ctx:       ctx,
		cancel:    cancel,
		slots:     make(map[string]*semaphore.Weighted),
		waiting:   make(map[string]context.CancelFunc),
		done:      make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create records a new job in initializing status and starts planning and
// execution in the background. It returns as soon as the job is stored.
func (s *Service) Create(ctx context.Context, owner, request string, c models.Constraints) (*models.Job, error) {
	request = strings.TrimSpace(request)
	if request == "" {
		return nil, fmt.Errorf("%w: request is empty", ErrInvalidRequest)
	}
	if c.MaxTasks < 0 {
		return nil, fmt.Errorf("%w: max_tasks must not be negative", ErrInvalidRequest)
	}
	if owner == "" {
		owner = AnonymousOwner
	}

	job := &models.Job{
		ID:          uuid.NewString(),
		Owner:       owner,
		Request:     request,
		Constraints: c,
		Status:      models.JobStatusInitializing,
		CreatedAt:   s.now(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("create job: %w", err)
	}
	done := make(chan struct{})
	s.done[job.ID] = done
	s.wg.Add(1)
	s.mu.Unlock()

	s.metrics.JobCreated(owner)
	s.logger.Info("job created", "job_id", job.ID, "owner", owner)
	s.publishStatus(ctx, job)

	created := *job
	go s.execute(job, done)
	return &created, nil
}

// execute waits for an owner slot, plans the job and runs it to a terminal
// status.
func (s *Service) execute(job *models.Job, done chan struct{}) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.done, job.ID)
		s.mu.Unlock()
		close(done)
	}()

	logger := s.logger.With("job_id", job.ID, "owner", job.Owner)
	persist := context.WithoutCancel(s.ctx)

	release, err := s.acquire(job)
	if err != nil {
		if s.settled(persist, job.ID) {
			return
		}
		s.fail(persist, job, "service stopped before the job started", logger)
		return
	}
	defer release()

	job.Status = models.JobStatusPlanning
	job.UpdatedAt = s.now()
	if err := s.store.UpdateJob(persist, job); err != nil {
		if s.settled(persist, job.ID) {
			return
		}
		logger.Error("failed to start planning", "error", err)
		return
	}
	s.publishStatus(persist, job)

	g, err := s.planner.Plan(s.ctx, job)
	if err != nil {
		s.planFailed(persist, job, err, logger)
		return
	}
	s.publishStatus(persist, job)

	if err := s.engine.Run(s.ctx, job, g); err != nil {
		logger.Error("job run ended with error", "error", err)
	}
}

// acquire blocks until the job's owner has a free slot. It fails when the
// job is cancelled while queued or the service shuts down.
func (s *Service) acquire(job *models.Job) (func(), error) {
	s.mu.Lock()
	sem, ok := s.slots[job.Owner]
	if !ok {
		sem = semaphore.NewWeighted(s.maxActive)
		s.slots[job.Owner] = sem
	}
	ctx, stop := context.WithCancel(s.ctx)
	s.waiting[job.ID] = stop
	s.queued++
	s.reportSlotsLocked()
	s.mu.Unlock()

	err := sem.Acquire(ctx, 1)

	s.mu.Lock()
	delete(s.waiting, job.ID)
	s.queued--
	if err == nil {
		s.active++
	}
	s.reportSlotsLocked()
	s.mu.Unlock()
	stop()

	if err != nil {
		return nil, err
	}
	return func() {
		sem.Release(1)
		s.mu.Lock()
		s.active--
		s.reportSlotsLocked()
		s.mu.Unlock()
	}, nil
}

func (s *Service) reportSlotsLocked() {
	s.metrics.SetSlots(s.active, s.queued)
}

// settled reports whether the stored job already reached a terminal status,
// typically because it was cancelled by another caller.
func (s *Service) settled(ctx context.Context, id string) bool {
	stored, err := s.store.GetJob(ctx, id)
	return err == nil && stored != nil && stored.Status.Terminal()
}

func (s *Service) planFailed(ctx context.Context, job *models.Job, cause error, logger *slog.Logger) {
	stored, err := s.store.GetJob(ctx, job.ID)
	if err != nil || stored == nil {
		logger.Error("failed to reload job after planning error", "error", err, "cause", cause)
		return
	}
	if stored.Status.Terminal() {
		logger.Info("planning stopped", "status", stored.Status)
		return
	}
	*job = *stored
	reason := cause.Error()
	var perr *planner.PlanningError
	if !errors.As(cause, &perr) {
		reason = "planning failed: " + reason
	}
	s.fail(ctx, job, reason, logger)
}

// fail marks a job that never reached the engine as failed.
func (s *Service) fail(ctx context.Context, job *models.Job, reason string, logger *slog.Logger) {
	now := s.now()
	job.Status = models.JobStatusFailed
	job.Error = reason
	job.UpdatedAt = now
	job.CompletedAt = &now
	if err := s.store.UpdateJob(ctx, job); err != nil {
		logger.Error("failed to mark job failed", "error", err, "reason", reason)
		return
	}
	logger.Warn("job failed", "reason", reason)
	s.metrics.JobFinished(string(job.Status), now.Sub(job.CreatedAt))
	s.publishStatus(ctx, job)
	s.publish(ctx, job.ID, models.EventJobFailed, models.JobFailedData{Error: reason})
}

// Get returns the job's current snapshot.
func (s *Service) Get(ctx context.Context, owner, id string) (*models.JobSnapshot, error) {
	snap, err := s.publisher.Snapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkOwner(&snap.Job, owner); err != nil {
		return nil, err
	}
	return snap, nil
}

// List returns the owner's jobs, newest first.
func (s *Service) List(ctx context.Context, owner string) ([]models.Job, error) {
	jobs, err := s.store.ListJobs(ctx, owner)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	return jobs, nil
}

// Cancel stops a job. Cancelling a cancelled job succeeds; cancelling a
// complete or failed job returns ErrTerminal.
func (s *Service) Cancel(ctx context.Context, owner, id string) error {
	for attempt := 0; attempt < maxCancelAttempts; attempt++ {
		job, err := s.owned(ctx, owner, id)
		if err != nil {
			return err
		}
		if job.Status == models.JobStatusCancelled {
			return nil
		}
		if job.Status.Terminal() {
			return fmt.Errorf("cancel job %s (%s): %w", id, job.Status, ErrTerminal)
		}
		if s.engine.Cancel(id) {
			return nil
		}
		err = s.cancelStored(ctx, job)
		if errors.Is(err, state.ErrVersionConflict) {
			// The job moved on between the read and the write.
			continue
		}
		return err
	}
	return fmt.Errorf("cancel job %s: %w", id, state.ErrVersionConflict)
}

// cancelStored cancels a job the engine is not running: queued, planning,
// or planned but not yet started. A planned job's tasks are settled by the
// engine, which sees the cancel on its first write.
func (s *Service) cancelStored(ctx context.Context, job *models.Job) error {
	planned := job.Status == models.JobStatusPlanned
	now := s.now()
	job.Status = models.JobStatusCancelled
	job.UpdatedAt = now
	job.CompletedAt = &now
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("cancel job %s: %w", job.ID, err)
	}

	s.mu.Lock()
	if stop, ok := s.waiting[job.ID]; ok {
		stop()
	}
	s.mu.Unlock()

	s.logger.Info("job cancelled", "job_id", job.ID, "planned", planned)
	s.publishStatus(ctx, job)
	if !planned {
		s.metrics.JobFinished(string(job.Status), now.Sub(job.CreatedAt))
		s.publish(ctx, job.ID, models.EventJobCancelled, models.JobCancelledData{TasksCancelled: job.TotalTasks})
	}
	return nil
}

// Result returns the aggregated result of a finished job.
func (s *Service) Result(ctx context.Context, owner, id string) (*models.Result, error) {
	job, err := s.owned(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if !job.Status.Terminal() {
		return nil, fmt.Errorf("result of job %s (%s): %w", id, job.Status, ErrNotTerminal)
	}
	if job.Result != nil {
		return job.Result, nil
	}

	// Jobs that failed before aggregation, or were cancelled, still expose
	// whatever was accepted.
	artifacts, err := s.store.ListArtifacts(ctx, id)
	if err != nil {
		return nil, err
	}
	if artifacts == nil {
		artifacts = []models.Artifact{}
	}
	summary := fmt.Sprintf("job %s", job.Status)
	if job.Error != "" {
		summary += ": " + job.Error
	}
	return &models.Result{Summary: summary, Artifacts: artifacts}, nil
}

// Findings returns the artifacts accepted so far, at any status.
func (s *Service) Findings(ctx context.Context, owner, id string) ([]models.Artifact, error) {
	if _, err := s.owned(ctx, owner, id); err != nil {
		return nil, err
	}
	artifacts, err := s.store.ListArtifacts(ctx, id)
	if err != nil {
		return nil, err
	}
	if artifacts == nil {
		artifacts = []models.Artifact{}
	}
	return artifacts, nil
}

// Delete removes a finished job with its tasks, artifacts, events and share
// links.
func (s *Service) Delete(ctx context.Context, owner, id string) error {
	job, err := s.owned(ctx, owner, id)
	if err != nil {
		return err
	}
	if !job.Status.Terminal() {
		return fmt.Errorf("delete job %s (%s): %w", id, job.Status, ErrNotTerminal)
	}
	if err := s.store.DeleteJob(ctx, id); err != nil {
		return err
	}
	s.logger.Info("job deleted", "job_id", id)
	return nil
}

// Subscribe opens a progress stream for the job. See progress.Publisher.Subscribe.
func (s *Service) Subscribe(ctx context.Context, owner, id string, afterSeq int64) (*progress.Subscription, error) {
	if _, err := s.owned(ctx, owner, id); err != nil {
		return nil, err
	}
	return s.publisher.Subscribe(ctx, id, afterSeq)
}

// Wait blocks until a job started by this service finishes, then returns
// the stored job.
func (s *Service) Wait(ctx context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	done := s.done[id]
	s.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("job %s: %w", id, state.ErrNotFound)
	}
	return job, nil
}

// Shutdown stops accepting jobs and waits for running ones. When ctx ends
// first, remaining jobs are interrupted and marked failed.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.logger.Warn("shutdown deadline reached, interrupting jobs")
		s.cancel()
		<-finished
		return ctx.Err()
	}
}

// owned loads a job and checks the caller may act on it.
func (s *Service) owned(ctx context.Context, owner, id string) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("job %s: %w", id, state.ErrNotFound)
	}
	if err := checkOwner(job, owner); err != nil {
		return nil, err
	}
	return job, nil
}

func checkOwner(job *models.Job, owner string) error {
	if owner != "" && job.Owner != owner {
		return fmt.Errorf("job %s: %w", job.ID, ErrForbidden)
	}
	return nil
}

func (s *Service) publishStatus(ctx context.Context, job *models.Job) {
	s.publish(ctx, job.ID, models.EventJobStatus, models.JobStatusData{
		JobID:              job.ID,
		Status:             job.Status,
		TotalTasks:         job.TotalTasks,
		CompletedTasks:     job.CompletedTasks,
		ProgressPercentage: job.ProgressPercentage(),
	})
}

func (s *Service) publish(ctx context.Context, jobID string, typ models.EventType, data any) {
	if _, err := s.publisher.Publish(ctx, jobID, typ, data); err != nil {
		s.logger.Error("failed to publish event", "job_id", jobID, "type", typ, "error", err)
	}
}
