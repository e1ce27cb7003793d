package models

import "time"

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusInitializing JobStatus = "initializing"
	JobStatusPlanning     JobStatus = "planning"
	JobStatusPlanned      JobStatus = "planned"
	JobStatusExecuting    JobStatus = "executing"
	JobStatusSynthesizing JobStatus = "synthesizing"
	JobStatusComplete     JobStatus = "complete"
	JobStatusFailed       JobStatus = "failed"
	JobStatusCancelled    JobStatus = "cancelled"
)

// Terminal returns true for complete, failed and cancelled.
func (s JobStatus) Terminal() bool {
	return s == JobStatusComplete || s == JobStatusFailed || s == JobStatusCancelled
}

// Valid returns true if the status is a known value.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusInitializing, JobStatusPlanning, JobStatusPlanned, JobStatusExecuting,
		JobStatusSynthesizing, JobStatusComplete, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Constraints are optional caller hints passed to the planner.
type Constraints struct {
	// MaxTasks caps the number of tasks the planner may produce. Zero means no cap.
	MaxTasks int `json:"max_tasks,omitempty" yaml:"max_tasks,omitempty"`
	// Sources restricts retrieval to the named sources.
	Sources []string `json:"sources,omitempty" yaml:"sources,omitempty"`
	// Depth is a free-form depth hint ("quick", "standard", "deep").
	Depth string `json:"depth,omitempty" yaml:"depth,omitempty"`
}

// Job is one research request and its execution state.
type Job struct {
	ID             string      `json:"id"`
	Owner          string      `json:"owner"`
	Request        string      `json:"request"`
	Constraints    Constraints `json:"constraints"`
	Status         JobStatus   `json:"status"`
	Version        int         `json:"version"` // incremented on every persisted update
	TotalTasks     int         `json:"total_tasks"`
	CompletedTasks int         `json:"completed_tasks"`
	FailedTasks    int         `json:"failed_tasks"`
	SkippedTasks   int         `json:"skipped_tasks"`
	CurrentWave    int         `json:"current_wave"`
	TotalWaves     int         `json:"total_waves"`
	Error          string      `json:"error,omitempty"`
	PartialResults bool        `json:"partial_results_available"`
	Result         *Result     `json:"result,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
}

// ProgressPercentage is the share of tasks in a terminal state.
func (j *Job) ProgressPercentage() float64 {
	if j.TotalTasks == 0 {
		if j.Status.Terminal() {
			return 100
		}
		return 0
	}
	done := j.CompletedTasks + j.FailedTasks + j.SkippedTasks
	return float64(done) * 100 / float64(j.TotalTasks)
}

// SkippedTask records a gap in the final result.
type SkippedTask struct {
	Key    string     `json:"key"`
	Status TaskStatus `json:"status"`
	Reason string     `json:"reason"`
}

// Result is the aggregated output of a finished job.
type Result struct {
	// Summary is a one-line description of the outcome.
	Summary string `json:"summary"`
	// Report is the final report text, or the best available synthesis when no report exists.
	Report string `json:"report"`
	// ReportTask is the key of the task that produced Report.
	ReportTask string `json:"report_task,omitempty"`
	// Artifacts are all accepted artifacts in task declaration order.
	Artifacts []Artifact `json:"artifacts"`
	// Gaps lists every failed or skipped task and why.
	Gaps []SkippedTask `json:"gaps,omitempty"`
}

// JobSnapshot is the materialized state of a job and its tasks.
type JobSnapshot struct {
	Job   Job    `json:"job"`
	Tasks []Task `json:"tasks"`
	// LastSeq is the sequence of the latest event reflected in the snapshot.
	LastSeq int64 `json:"last_seq"`
}
