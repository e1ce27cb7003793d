package models

import (
	"encoding/json"
	"time"
)

// EventType identifies a progress event.
type EventType string

const (
	EventJobStatus     EventType = "job_status"
	EventTaskStarted   EventType = "task_started"
	EventTaskCompleted EventType = "task_completed"
	EventTaskFailed    EventType = "task_failed"
	EventTaskSkipped   EventType = "task_skipped"
	EventWaveCompleted EventType = "wave_completed"
	EventJobComplete   EventType = "job_complete"
	EventJobFailed     EventType = "job_failed"
	EventJobCancelled  EventType = "job_cancelled"
)

// Terminal returns true for the event types that end a job's stream.
func (t EventType) Terminal() bool {
	return t == EventJobComplete || t == EventJobFailed || t == EventJobCancelled
}

// Event is an immutable record of one job or task transition.
// Seq is assigned by the event log and is strictly increasing per job.
type Event struct {
	Seq       int64           `json:"seq"`
	JobID     string          `json:"job_id"`
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// JobStatusData is the payload of job_status.
type JobStatusData struct {
	JobID              string    `json:"job_id"`
	Status             JobStatus `json:"status"`
	TotalTasks         int       `json:"total_tasks"`
	CompletedTasks     int       `json:"completed_tasks"`
	ProgressPercentage float64   `json:"progress_percentage"`
}

// TaskStartedData is the payload of task_started.
type TaskStartedData struct {
	TaskKey  string   `json:"task_key"`
	TaskType TaskType `json:"task_type"`
	Wave     int      `json:"wave"`
	Attempt  int      `json:"attempt"`
}

// TaskCompletedData is the payload of task_completed.
type TaskCompletedData struct {
	TaskKey       string  `json:"task_key"`
	QualityScore  float64 `json:"quality_score"`
	ArtifactCount int     `json:"artifact_count"`
	SourceCount   int     `json:"source_count"`
}

// TaskFailedData is the payload of task_failed.
type TaskFailedData struct {
	TaskKey   string `json:"task_key"`
	Error     string `json:"error"`
	WillRetry bool   `json:"will_retry"`
}

// TaskSkippedData is the payload of task_skipped.
type TaskSkippedData struct {
	TaskKey string `json:"task_key"`
	Reason  string `json:"reason"`
}

// WaveCompletedData is the payload of wave_completed.
type WaveCompletedData struct {
	WaveNumber     int `json:"wave_number"`
	TasksCompleted int `json:"tasks_completed"`
	TasksFailed    int `json:"tasks_failed"`
	NextWaveTasks  int `json:"next_wave_tasks"`
}

// JobCompleteData is the payload of job_complete.
type JobCompleteData struct {
	Summary         string `json:"summary"`
	ResultReference string `json:"result_reference"`
}

// JobFailedData is the payload of job_failed.
type JobFailedData struct {
	Error                   string `json:"error"`
	PartialResultsAvailable bool   `json:"partial_results_available"`
}

// JobCancelledData is the payload of job_cancelled.
type JobCancelledData struct {
	TasksCompleted int `json:"tasks_completed"`
	TasksCancelled int `json:"tasks_cancelled"`
}
