// Package metrics exposes Prometheus collectors for jobs, tasks, the quality
// gate and the progress stream.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for researcher.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Job metrics
	JobsCreated  *prometheus.CounterVec
	JobsFinished *prometheus.CounterVec
	JobsActive   prometheus.Gauge
	JobsQueued   prometheus.Gauge
	JobDuration  *prometheus.HistogramVec

	// Planning metrics
	PlanDuration  prometheus.Histogram
	PlanTaskCount prometheus.Histogram
	PlanErrors    *prometheus.CounterVec

	// Task metrics
	TaskAttempts  *prometheus.CounterVec
	TaskOutcomes  *prometheus.CounterVec
	TaskDuration  *prometheus.HistogramVec
	GateDecisions *prometheus.CounterVec
	QualityScores *prometheus.HistogramVec
	WavesTotal    prometheus.Counter

	// Collaborator metrics
	CollaboratorRetries *prometheus.CounterVec
	GeneratorCalls      *prometheus.CounterVec
	TokensUsed          *prometheus.CounterVec

	// Progress stream metrics
	EventsPublished    *prometheus.CounterVec
	Subscribers        prometheus.Gauge
	SubscribersDropped prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		JobsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "researcher_jobs_created_total",
				Help: "Total number of jobs created",
			},
			[]string{"owner"},
		),
		JobsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "researcher_jobs_finished_total",
				Help: "Total number of jobs reaching a terminal status",
			},
			[]string{"status"},
		),
		JobsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "researcher_jobs_active",
				Help: "Number of jobs holding an owner slot",
			},
		),
		JobsQueued: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "researcher_jobs_queued",
				Help: "Number of jobs waiting for an owner slot",
			},
		),
		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "researcher_job_duration_seconds",
				Help:    "Job execution duration in seconds",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"status"},
		),

		PlanDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "researcher_plan_duration_seconds",
				Help:    "Planning duration in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
			},
		),
		PlanTaskCount: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "researcher_plan_task_count",
				Help:    "Number of tasks in accepted plans",
				Buckets: []float64{1, 2, 5, 10, 20, 50},
			},
		),
		PlanErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "researcher_plan_errors_total",
				Help: "Total number of rejected plans",
			},
			[]string{"reason"},
		),

		TaskAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "researcher_task_attempts_total",
				Help: "Total number of task attempts dispatched",
			},
			[]string{"type"},
		),
		TaskOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "researcher_task_outcomes_total",
				Help: "Total number of tasks reaching a terminal status",
			},
			[]string{"type", "status"},
		),
		TaskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "researcher_task_attempt_duration_seconds",
				Help:    "Task attempt duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
			},
			[]string{"type"},
		),
		GateDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "researcher_gate_decisions_total",
				Help: "Total number of quality gate decisions",
			},
			[]string{"type", "decision"},
		),
		QualityScores: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "researcher_quality_score",
				Help:    "Quality scores of evaluated artifacts",
				Buckets: []float64{0.1, 0.3, 0.5, 0.6, 0.7, 0.8, 0.85, 0.9, 1},
			},
			[]string{"type"},
		),
		WavesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "researcher_waves_total",
				Help: "Total number of completed waves",
			},
		),

		CollaboratorRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "researcher_collaborator_retries_total",
				Help: "Total number of collaborator calls retried after being unavailable",
			},
			[]string{"collaborator"},
		),
		GeneratorCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "researcher_generator_calls_total",
				Help: "Total number of generator responses by model",
			},
			[]string{"model"},
		),
		TokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "researcher_generator_tokens_total",
				Help: "Total number of generator tokens by model and direction",
			},
			[]string{"model", "direction"},
		),

		EventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "researcher_events_published_total",
				Help: "Total number of progress events published",
			},
			[]string{"type"},
		),
		Subscribers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "researcher_stream_subscribers",
				Help: "Number of live progress subscribers",
			},
		),
		SubscribersDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "researcher_stream_subscribers_dropped_total",
				Help: "Total number of subscribers closed for lagging",
			},
		),
	}
}

// JobCreated records a new job.
func (m *Metrics) JobCreated(owner string) {
	if m == nil {
		return
	}
	m.JobsCreated.WithLabelValues(owner).Inc()
}

// JobFinished records a terminal job and how long it ran.
func (m *Metrics) JobFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.JobsFinished.WithLabelValues(status).Inc()
	m.JobDuration.WithLabelValues(status).Observe(d.Seconds())
}

// SetSlots reports active and queued job counts.
func (m *Metrics) SetSlots(active, queued int) {
	if m == nil {
		return
	}
	m.JobsActive.Set(float64(active))
	m.JobsQueued.Set(float64(queued))
}

// PlanAccepted records a successful plan.
func (m *Metrics) PlanAccepted(d time.Duration, tasks int) {
	if m == nil {
		return
	}
	m.PlanDuration.Observe(d.Seconds())
	m.PlanTaskCount.Observe(float64(tasks))
}

// PlanRejected records a failed plan.
func (m *Metrics) PlanRejected(reason string) {
	if m == nil {
		return
	}
	m.PlanErrors.WithLabelValues(reason).Inc()
}

// TaskAttempt records one dispatched attempt and its duration.
func (m *Metrics) TaskAttempt(taskType string, d time.Duration) {
	if m == nil {
		return
	}
	m.TaskAttempts.WithLabelValues(taskType).Inc()
	m.TaskDuration.WithLabelValues(taskType).Observe(d.Seconds())
}

// TaskFinished records a task's terminal status.
func (m *Metrics) TaskFinished(taskType, status string) {
	if m == nil {
		return
	}
	m.TaskOutcomes.WithLabelValues(taskType, status).Inc()
}

// GateDecision records a quality gate decision and the score behind it.
func (m *Metrics) GateDecision(taskType, decision string, score float64) {
	if m == nil {
		return
	}
	m.GateDecisions.WithLabelValues(taskType, decision).Inc()
	m.QualityScores.WithLabelValues(taskType).Observe(score)
}

// WaveCompleted records a finished wave.
func (m *Metrics) WaveCompleted() {
	if m == nil {
		return
	}
	m.WavesTotal.Inc()
}

// CollaboratorRetry records a retried collaborator call.
func (m *Metrics) CollaboratorRetry(name string) {
	if m == nil {
		return
	}
	m.CollaboratorRetries.WithLabelValues(name).Inc()
}

// GeneratorTokens records one generator response's token counts.
func (m *Metrics) GeneratorTokens(model string, input, output int64) {
	if m == nil {
		return
	}
	m.GeneratorCalls.WithLabelValues(model).Inc()
	m.TokensUsed.WithLabelValues(model, "input").Add(float64(input))
	m.TokensUsed.WithLabelValues(model, "output").Add(float64(output))
}

// EventPublished records a published progress event.
func (m *Metrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(eventType).Inc()
}

// SubscriberAdded adjusts the live subscriber gauge.
func (m *Metrics) SubscriberAdded(delta int) {
	if m == nil {
		return
	}
	m.Subscribers.Add(float64(delta))
}

// SubscriberDropped records a subscriber closed for lagging.
func (m *Metrics) SubscriberDropped() {
	if m == nil {
		return
	}
	m.SubscribersDropped.Inc()
}
