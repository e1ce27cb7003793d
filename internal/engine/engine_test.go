package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ShayCichocki/researcher/internal/executor"
	"github.com/ShayCichocki/researcher/internal/gate"
	"github.com/ShayCichocki/researcher/internal/graph"
	"github.com/ShayCichocki/researcher/internal/progress"
	"github.com/ShayCichocki/researcher/internal/state"
	"github.com/ShayCichocki/researcher/pkg/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	db  *state.DB
	pub *progress.Publisher
	reg *executor.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := state.OpenAndMigrate(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &harness{
		db:  db,
		pub: progress.NewPublisher(db, progress.WithLogger(discardLogger())),
		reg: executor.NewRegistry(executor.WithRegistryLogger(discardLogger())),
	}
}

func (h *harness) engine(opts ...Option) *Engine {
	base := []Option{WithRetryDelay(0, 1), WithLogger(discardLogger())}
	return New(h.db, h.reg, gate.NewEvaluator(), h.pub, append(base, opts...)...)
}

// plan persists a planned job for specs the way the planner does.
func (h *harness) plan(t *testing.T, specs []graph.NodeSpec) (*models.Job, *graph.TaskGraph) {
	t.Helper()
	ctx := context.Background()
	g, err := graph.New(specs)
	if err != nil {
		t.Fatalf("graph.New failed: %v", err)
	}
	job := &models.Job{ID: "job-1", Owner: "alice", Request: "compare vector databases", Status: models.JobStatusPlanning}
	if err := h.db.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	tasks := make([]models.Task, 0, g.Len())
	for i, key := range g.Keys() {
		node, _ := g.Node(key)
		tasks = append(tasks, models.Task{
			Key: key, JobID: job.ID, Type: node.Type, DependsOn: node.DependsOn,
			Params: node.Params, Position: i, Wave: g.Wave(key), Status: models.TaskStatusPending,
		})
	}
	job.Status = models.JobStatusPlanned
	job.TotalTasks = g.Len()
	job.TotalWaves = g.WaveCount()
	if err := h.db.SaveGraph(ctx, job, tasks); err != nil {
		t.Fatalf("SaveGraph failed: %v", err)
	}
	return job, g
}

func (h *harness) tasks(t *testing.T, jobID string) map[string]models.Task {
	t.Helper()
	list, err := h.db.ListTasks(context.Background(), jobID)
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	out := make(map[string]models.Task, len(list))
	for _, task := range list {
		out[task.Key] = task
	}
	return out
}

func (h *harness) events(t *testing.T, jobID string) []models.Event {
	t.Helper()
	events, err := h.db.ListEvents(context.Background(), jobID, 0)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	return events
}

func countEvents(events []models.Event, typ models.EventType) int {
	n := 0
	for _, e := range events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func node(key string, typ models.TaskType, deps ...string) graph.NodeSpec {
	return graph.NodeSpec{Key: key, Type: typ, DependsOn: deps}
}

// simpleSpecs is two retrievals, a synthesis over both and a report.
func simpleSpecs() []graph.NodeSpec {
	return []graph.NodeSpec{
		node("r1", models.TaskTypeRetrievalRAG),
		node("r2", models.TaskTypeRetrievalKeyword),
		node("s1", models.TaskTypeSynthesis, "r1", "r2"),
		node("w1", models.TaskTypeReportWrite, "s1"),
	}
}

func retrievalArtifact(in executor.Input) *models.Artifact {
	return &models.Artifact{
		Payload: "findings for " + in.Task.Key,
		Sources: []models.SourceRef{
			{ID: in.Task.Key + "-1", Source: "docs", Score: 0.9},
			{ID: in.Task.Key + "-2", Source: "docs", Score: 0.9},
			{ID: in.Task.Key + "-3", Source: "docs", Score: 0.9},
		},
	}
}

var retrievalOK = executor.ExecutorFunc(func(ctx context.Context, in executor.Input) (*models.Artifact, error) {
	return retrievalArtifact(in), nil
})

func scored(score float64) executor.ExecutorFunc {
	return func(ctx context.Context, in executor.Input) (*models.Artifact, error) {
		return &models.Artifact{Payload: string(in.Task.Type) + " text", QualityScore: score}, nil
	}
}

func (h *harness) registerAll(retrieval, synthesis, report executor.Executor) {
	h.reg.Register(models.TaskTypeRetrievalRAG, retrieval)
	h.reg.Register(models.TaskTypeRetrievalKeyword, retrieval)
	h.reg.Register(models.TaskTypeRetrievalGraph, retrieval)
	h.reg.Register(models.TaskTypeSynthesis, synthesis)
	h.reg.Register(models.TaskTypeReportWrite, report)
	h.reg.Register(models.TaskTypeReview, scored(0))
}

func TestRun_SimpleGraph(t *testing.T) {
	h := newHarness(t)
	h.registerAll(retrievalOK, scored(0.95), scored(0.95))
	job, g := h.plan(t, simpleSpecs())

	if err := h.engine().Run(context.Background(), job, g); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if job.Status != models.JobStatusComplete {
		t.Fatalf("expected complete, got %s (%s)", job.Status, job.Error)
	}
	if job.CompletedTasks != 4 || job.SkippedTasks != 0 || job.FailedTasks != 0 {
		t.Errorf("expected 4/0/0, got completed=%d failed=%d skipped=%d",
			job.CompletedTasks, job.FailedTasks, job.SkippedTasks)
	}
	if job.PartialResults {
		t.Error("expected no partial-results flag")
	}

	for key, task := range h.tasks(t, job.ID) {
		if task.Status != models.TaskStatusComplete {
			t.Errorf("task %s: expected complete, got %s", key, task.Status)
		}
	}

	events := h.events(t, job.ID)
	if n := countEvents(events, models.EventWaveCompleted); n != 3 {
		t.Errorf("expected 3 wave_completed events, got %d", n)
	}
	if last := events[len(events)-1]; last.Type != models.EventJobComplete {
		t.Errorf("expected job_complete last, got %s", last.Type)
	}

	stored, _ := h.db.GetJob(context.Background(), job.ID)
	if stored.Result == nil {
		t.Fatal("expected stored result")
	}
	if stored.Result.ReportTask != "w1" || stored.Result.Report != "report_write text" {
		t.Errorf("unexpected report: task=%q report=%q", stored.Result.ReportTask, stored.Result.Report)
	}
	if len(stored.Result.Artifacts) != 4 {
		t.Errorf("expected 4 artifacts, got %d", len(stored.Result.Artifacts))
	}
	if len(stored.Result.Gaps) != 0 {
		t.Errorf("expected no gaps, got %+v", stored.Result.Gaps)
	}
}

func TestRun_DependenciesPassedToExecutor(t *testing.T) {
	h := newHarness(t)
	var got []string
	var mu sync.Mutex
	synthesis := executor.ExecutorFunc(func(ctx context.Context, in executor.Input) (*models.Artifact, error) {
		mu.Lock()
		for _, dep := range in.Dependencies {
			got = append(got, dep.TaskKey)
		}
		mu.Unlock()
		return &models.Artifact{Payload: "s", QualityScore: 0.9}, nil
	})
	h.registerAll(retrievalOK, synthesis, scored(0.9))
	job, g := h.plan(t, simpleSpecs())

	if err := h.engine().Run(context.Background(), job, g); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(got) != 2 || got[0] != "r1" || got[1] != "r2" {
		t.Errorf("expected dependencies [r1 r2], got %v", got)
	}
}

func TestRun_DegradeCascade(t *testing.T) {
	h := newHarness(t)
	var synthAttempts atomic.Int32
	synthesis := executor.ExecutorFunc(func(ctx context.Context, in executor.Input) (*models.Artifact, error) {
		synthAttempts.Add(1)
		return &models.Artifact{Payload: "weak", QualityScore: 0.5}, nil
	})
	var reportCalls atomic.Int32
	report := executor.ExecutorFunc(func(ctx context.Context, in executor.Input) (*models.Artifact, error) {
		reportCalls.Add(1)
		return &models.Artifact{Payload: "r", QualityScore: 0.9}, nil
	})
	h.registerAll(retrievalOK, synthesis, report)
	job, g := h.plan(t, simpleSpecs())

	if err := h.engine().Run(context.Background(), job, g); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if n := synthAttempts.Load(); n != 3 {
		t.Errorf("expected 3 synthesis attempts (1 + budget 2), got %d", n)
	}
	if reportCalls.Load() != 0 {
		t.Error("report_write must never run after its dependency degraded")
	}

	tasks := h.tasks(t, job.ID)
	if s := tasks["s1"]; s.Status != models.TaskStatusFailed || s.RetryCount != 2 {
		t.Errorf("s1: expected failed with 2 retries, got %s with %d", s.Status, s.RetryCount)
	}
	if w := tasks["w1"]; w.Status != models.TaskStatusSkipped || !strings.Contains(w.SkipReason, "s1") {
		t.Errorf("w1: expected skipped naming s1, got %s (%q)", w.Status, w.SkipReason)
	}
	for _, key := range []string{"r1", "r2"} {
		if tasks[key].Status != models.TaskStatusComplete {
			t.Errorf("%s: expected complete, got %s", key, tasks[key].Status)
		}
	}

	if job.Status != models.JobStatusComplete {
		t.Fatalf("default quorum: expected complete, got %s (%s)", job.Status, job.Error)
	}
	if !job.PartialResults {
		t.Error("expected partial-results flag")
	}
	if job.Result == nil || len(job.Result.Gaps) != 2 {
		t.Fatalf("expected 2 gaps, got %+v", job.Result)
	}
	if !strings.Contains(job.Result.Summary, "w1 (skipped)") {
		t.Errorf("summary must name the gap, got %q", job.Result.Summary)
	}

	events := h.events(t, job.ID)
	retries := 0
	for _, e := range events {
		if e.Type != models.EventTaskFailed {
			continue
		}
		var data models.TaskFailedData
		if err := json.Unmarshal(e.Data, &data); err != nil {
			t.Fatalf("decode task_failed: %v", err)
		}
		if data.WillRetry {
			retries++
		}
	}
	if retries != 2 {
		t.Errorf("expected 2 task_failed events with will_retry, got %d", retries)
	}
}

func TestRun_DegradeCascadeQuorumFails(t *testing.T) {
	h := newHarness(t)
	h.registerAll(retrievalOK, scored(0.5), scored(0.9))
	job, g := h.plan(t, simpleSpecs())

	eng := h.engine(WithQuorum(Quorum{FailOnTypes: []models.TaskType{models.TaskTypeSynthesis}}))
	if err := eng.Run(context.Background(), job, g); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if job.Status != models.JobStatusFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	if !job.PartialResults {
		t.Error("expected partial results from the retrievals")
	}
	events := h.events(t, job.ID)
	last := events[len(events)-1]
	if last.Type != models.EventJobFailed {
		t.Fatalf("expected job_failed last, got %s", last.Type)
	}
	var data models.JobFailedData
	if err := json.Unmarshal(last.Data, &data); err != nil {
		t.Fatalf("decode job_failed: %v", err)
	}
	if !data.PartialResultsAvailable || !strings.Contains(data.Error, "s1") {
		t.Errorf("unexpected job_failed payload: %+v", data)
	}
}

func TestRun_ReportFailureFailsJob(t *testing.T) {
	h := newHarness(t)
	h.registerAll(retrievalOK, scored(0.9), scored(0.1))
	job, g := h.plan(t, simpleSpecs())

	if err := h.engine().Run(context.Background(), job, g); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if job.Status != models.JobStatusFailed {
		t.Errorf("expected failed when report_write degrades, got %s", job.Status)
	}
	if tasks := h.tasks(t, job.ID); tasks["w1"].RetryCount != 1 {
		t.Errorf("report_write budget is 1, got %d retries", tasks["w1"].RetryCount)
	}
}

func TestRun_RetryThenAccept(t *testing.T) {
	h := newHarness(t)
	var attempts []int
	var mu sync.Mutex
	flaky := executor.ExecutorFunc(func(ctx context.Context, in executor.Input) (*models.Artifact, error) {
		mu.Lock()
		attempts = append(attempts, in.Attempt)
		mu.Unlock()
		if in.Attempt == 0 {
			return &models.Artifact{Payload: "thin", Sources: []models.SourceRef{{ID: "x", Score: 0.9}}}, nil
		}
		return retrievalArtifact(in), nil
	})
	h.registerAll(flaky, scored(0.9), scored(0.9))
	job, g := h.plan(t, []graph.NodeSpec{node("r1", models.TaskTypeRetrievalRAG)})

	if err := h.engine().Run(context.Background(), job, g); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if job.Status != models.JobStatusComplete {
		t.Fatalf("expected complete, got %s", job.Status)
	}
	if len(attempts) != 2 || attempts[0] != 0 || attempts[1] != 1 {
		t.Errorf("expected attempts [0 1], got %v", attempts)
	}
	task := h.tasks(t, job.ID)["r1"]
	if task.RetryCount != 1 || task.QualityScore < 0.7 {
		t.Errorf("expected 1 retry and passing score, got %d / %.2f", task.RetryCount, task.QualityScore)
	}
}

func TestRun_FatalErrorDegradesImmediately(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	fatal := executor.ExecutorFunc(func(ctx context.Context, in executor.Input) (*models.Artifact, error) {
		calls.Add(1)
		return nil, executor.Fatalf("malformed query parameter")
	})
	h.registerAll(retrievalOK, scored(0.9), scored(0.9))
	h.reg.Register(models.TaskTypeRetrievalKeyword, fatal)
	job, g := h.plan(t, simpleSpecs())

	if err := h.engine().Run(context.Background(), job, g); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("fatal errors must not be retried, got %d calls", calls.Load())
	}
	tasks := h.tasks(t, job.ID)
	if tasks["r2"].Status != models.TaskStatusFailed {
		t.Errorf("r2: expected failed, got %s", tasks["r2"].Status)
	}
	if tasks["s1"].Status != models.TaskStatusSkipped || tasks["w1"].Status != models.TaskStatusSkipped {
		t.Errorf("descendants of r2 must be skipped, got s1=%s w1=%s", tasks["s1"].Status, tasks["w1"].Status)
	}
	if tasks["r1"].Status != models.TaskStatusComplete {
		t.Errorf("sibling r1 must complete, got %s", tasks["r1"].Status)
	}
}

func TestRun_TimeoutCountsAgainstBudget(t *testing.T) {
	h := newHarness(t)
	h.reg = executor.NewRegistry(
		executor.WithRegistryLogger(discardLogger()),
		executor.WithTimeout(models.TaskTypeRetrievalRAG, 20*time.Millisecond),
	)
	var calls atomic.Int32
	slow := executor.ExecutorFunc(func(ctx context.Context, in executor.Input) (*models.Artifact, error) {
		calls.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h.registerAll(slow, scored(0.9), scored(0.9))
	job, g := h.plan(t, []graph.NodeSpec{node("r1", models.TaskTypeRetrievalRAG)})

	if err := h.engine().Run(context.Background(), job, g); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
	task := h.tasks(t, job.ID)["r1"]
	if task.Status != models.TaskStatusFailed || !strings.Contains(task.Error, "timed out") {
		t.Errorf("expected timed-out failure, got %s (%q)", task.Status, task.Error)
	}
	if job.Status != models.JobStatusFailed || job.Error != "no task completed" {
		t.Errorf("expected failed with no completed task, got %s (%q)", job.Status, job.Error)
	}
}

func TestRun_NothingCompletedSkipsSynthesizing(t *testing.T) {
	h := newHarness(t)
	fatal := executor.ExecutorFunc(func(ctx context.Context, in executor.Input) (*models.Artifact, error) {
		return nil, executor.Fatalf("index missing")
	})
	h.registerAll(fatal, scored(0.9), scored(0.9))
	job, g := h.plan(t, simpleSpecs())

	if err := h.engine().Run(context.Background(), job, g); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if job.Status != models.JobStatusFailed || job.Error != "no task completed" {
		t.Fatalf("expected failed with no completed task, got %s (%q)", job.Status, job.Error)
	}
	if job.Result != nil {
		t.Errorf("expected no aggregated result, got %+v", job.Result)
	}

	for _, e := range h.events(t, job.ID) {
		if e.Type != models.EventJobStatus {
			continue
		}
		var d models.JobStatusData
		if err := json.Unmarshal(e.Data, &d); err != nil {
			t.Fatalf("decode job_status: %v", err)
		}
		if d.Status == models.JobStatusSynthesizing {
			t.Errorf("job with no completed task must not enter %s", d.Status)
		}
	}
}

func TestRun_BarrierInvariant(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	var log []string
	record := func(entry string) {
		mu.Lock()
		log = append(log, entry)
		mu.Unlock()
	}
	delays := map[string]time.Duration{"a": 30 * time.Millisecond, "b": time.Millisecond}
	ex := executor.ExecutorFunc(func(ctx context.Context, in executor.Input) (*models.Artifact, error) {
		record("start:" + in.Task.Key)
		time.Sleep(delays[in.Task.Key])
		record("end:" + in.Task.Key)
		return retrievalArtifact(in), nil
	})
	h.registerAll(ex, ex, ex)
	job, g := h.plan(t, []graph.NodeSpec{
		node("a", models.TaskTypeRetrievalRAG),
		node("b", models.TaskTypeRetrievalKeyword),
		node("c", models.TaskTypeRetrievalGraph, "a"),
		node("d", models.TaskTypeRetrievalGraph, "b"),
	})

	if err := h.engine().Run(context.Background(), job, g); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	index := make(map[string]int, len(log))
	for i, entry := range log {
		index[entry] = i
	}
	for _, later := range []string{"c", "d"} {
		for _, earlier := range []string{"a", "b"} {
			if index["start:"+later] < index["end:"+earlier] {
				t.Errorf("%s started before wave-0 task %s finished: %v", later, earlier, log)
			}
		}
	}
}

func TestRun_Cancellation(t *testing.T) {
	h := newHarness(t)
	started := make(chan string, 2)
	release := make(chan struct{})
	blocking := executor.ExecutorFunc(func(ctx context.Context, in executor.Input) (*models.Artifact, error) {
		started <- in.Task.Key
		<-release
		return retrievalArtifact(in), nil
	})
	var downstream atomic.Int32
	counting := executor.ExecutorFunc(func(ctx context.Context, in executor.Input) (*models.Artifact, error) {
		downstream.Add(1)
		return &models.Artifact{Payload: "x", QualityScore: 1}, nil
	})
	h.registerAll(blocking, counting, counting)
	job, g := h.plan(t, simpleSpecs())
	eng := h.engine()

	done := make(chan error, 1)
	go func() { done <- eng.Run(context.Background(), job, g) }()

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("retrievals never started")
		}
	}

	if !eng.Cancel("job-1") {
		t.Fatal("Cancel returned false for a running job")
	}

	ctx := context.Background()
	stored, _ := h.db.GetJob(ctx, "job-1")
	if stored.Status != models.JobStatusCancelled {
		t.Errorf("expected cancelled immediately, got %s", stored.Status)
	}
	tasks := h.tasks(t, "job-1")
	for _, key := range []string{"s1", "w1"} {
		if tasks[key].Status != models.TaskStatusSkipped {
			t.Errorf("%s: expected skipped immediately, got %s", key, tasks[key].Status)
		}
	}
	for _, key := range []string{"r1", "r2"} {
		if tasks[key].Status != models.TaskStatusRunning {
			t.Errorf("%s: expected still running, got %s", key, tasks[key].Status)
		}
	}

	close(release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if downstream.Load() != 0 {
		t.Error("no task may be dispatched after cancel")
	}
	tasks = h.tasks(t, "job-1")
	complete, skipped := 0, 0
	for _, task := range tasks {
		switch task.Status {
		case models.TaskStatusComplete:
			complete++
		case models.TaskStatusSkipped:
			skipped++
		}
	}
	if complete != 2 || skipped != 2 {
		t.Errorf("expected k=2 complete and m=2 skipped, got %d and %d", complete, skipped)
	}
	if job.Status != models.JobStatusCancelled {
		t.Errorf("expected job to stay cancelled, got %s", job.Status)
	}

	events := h.events(t, "job-1")
	last := events[len(events)-1]
	if last.Type != models.EventJobCancelled {
		t.Fatalf("expected job_cancelled last, got %s", last.Type)
	}
	var data models.JobCancelledData
	if err := json.Unmarshal(last.Data, &data); err != nil {
		t.Fatalf("decode job_cancelled: %v", err)
	}
	if data.TasksCompleted != 2 || data.TasksCancelled != 2 {
		t.Errorf("unexpected job_cancelled payload: %+v", data)
	}

	if eng.Cancel("job-1") {
		t.Error("Cancel must return false once the run has finished")
	}
}

func TestRun_AdoptsStoredCancel(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	counting := executor.ExecutorFunc(func(ctx context.Context, in executor.Input) (*models.Artifact, error) {
		calls.Add(1)
		return retrievalArtifact(in), nil
	})
	h.registerAll(counting, counting, counting)
	job, g := h.plan(t, simpleSpecs())

	// Another writer cancels the planned job before the engine saves it.
	ctx := context.Background()
	stored, err := h.db.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	now := time.Now().UTC()
	stored.Status = models.JobStatusCancelled
	stored.CompletedAt = &now
	if err := h.db.UpdateJob(ctx, stored); err != nil {
		t.Fatalf("UpdateJob failed: %v", err)
	}

	if err := h.engine().Run(ctx, job, g); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if n := calls.Load(); n != 0 {
		t.Errorf("expected no executor calls, got %d", n)
	}
	final, _ := h.db.GetJob(ctx, job.ID)
	if final.Status != models.JobStatusCancelled {
		t.Errorf("expected cancelled, got %s", final.Status)
	}
	for key, task := range h.tasks(t, job.ID) {
		if task.Status != models.TaskStatusSkipped {
			t.Errorf("%s: expected skipped, got %s", key, task.Status)
		}
	}
	events := h.events(t, job.ID)
	if len(events) == 0 || events[len(events)-1].Type != models.EventJobCancelled {
		t.Fatalf("expected job_cancelled last, got %d events", len(events))
	}
	if n := countEvents(events, models.EventJobCancelled); n != 1 {
		t.Errorf("expected one job_cancelled event, got %d", n)
	}
}

func TestRun_RejectsUnplannedJob(t *testing.T) {
	h := newHarness(t)
	job, g := h.plan(t, simpleSpecs())
	job.Status = models.JobStatusExecuting

	if err := h.engine().Run(context.Background(), job, g); err == nil {
		t.Error("expected error for a job that is not planned")
	}
}

func TestRun_ContextCancelledFailsJob(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	stopping := executor.ExecutorFunc(func(c context.Context, in executor.Input) (*models.Artifact, error) {
		cancel()
		return nil, c.Err()
	})
	h.registerAll(stopping, scored(0.9), scored(0.9))
	job, g := h.plan(t, simpleSpecs())

	err := h.engine().Run(ctx, job, g)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	stored, _ := h.db.GetJob(context.Background(), job.ID)
	if stored.Status != models.JobStatusFailed {
		t.Errorf("expected failed, got %s", stored.Status)
	}
	for key, task := range h.tasks(t, job.ID) {
		if !task.Status.Terminal() {
			t.Errorf("task %s left non-terminal: %s", key, task.Status)
		}
	}
}

func TestQuorum_Check(t *testing.T) {
	task := func(key string, typ models.TaskType, status models.TaskStatus) *models.Task {
		return &models.Task{Key: key, Type: typ, Status: status}
	}
	tests := []struct {
		name   string
		quorum Quorum
		tasks  []*models.Task
		fail   bool
	}{
		{
			name:   "all complete",
			quorum: DefaultQuorum(),
			tasks:  []*models.Task{task("a", models.TaskTypeRetrievalRAG, models.TaskStatusComplete)},
		},
		{
			name:   "nothing completed",
			quorum: DefaultQuorum(),
			tasks:  []*models.Task{task("a", models.TaskTypeRetrievalRAG, models.TaskStatusFailed)},
			fail:   true,
		},
		{
			name:   "report failed",
			quorum: DefaultQuorum(),
			tasks: []*models.Task{
				task("a", models.TaskTypeRetrievalRAG, models.TaskStatusComplete),
				task("w", models.TaskTypeReportWrite, models.TaskStatusFailed),
			},
			fail: true,
		},
		{
			name:   "report skipped does not count",
			quorum: DefaultQuorum(),
			tasks: []*models.Task{
				task("a", models.TaskTypeRetrievalRAG, models.TaskStatusComplete),
				task("w", models.TaskTypeReportWrite, models.TaskStatusSkipped),
			},
		},
		{
			name:   "ratio exceeded",
			quorum: Quorum{MaxFailedRatio: 0.5},
			tasks: []*models.Task{
				task("a", models.TaskTypeRetrievalRAG, models.TaskStatusComplete),
				task("b", models.TaskTypeRetrievalRAG, models.TaskStatusFailed),
				task("c", models.TaskTypeSynthesis, models.TaskStatusSkipped),
			},
			fail: true,
		},
		{
			name:   "ratio at limit",
			quorum: Quorum{MaxFailedRatio: 0.5},
			tasks: []*models.Task{
				task("a", models.TaskTypeRetrievalRAG, models.TaskStatusComplete),
				task("b", models.TaskTypeRetrievalRAG, models.TaskStatusFailed),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason := tt.quorum.Check(tt.tasks)
			if (reason != "") != tt.fail {
				t.Errorf("expected fail=%v, got reason %q", tt.fail, reason)
			}
		})
	}
}
