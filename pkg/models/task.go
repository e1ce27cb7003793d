package models

import "time"

// TaskType identifies which executor runs a task.
type TaskType string

const (
	// TaskTypeRetrievalRAG ranks passages with hybrid vector + full-text search.
	TaskTypeRetrievalRAG TaskType = "retrieval_rag"
	// TaskTypeRetrievalKeyword ranks passages with full-text search only.
	TaskTypeRetrievalKeyword TaskType = "retrieval_keyword"
	// TaskTypeRetrievalGraph collects related entities from the knowledge graph.
	TaskTypeRetrievalGraph TaskType = "retrieval_graph"
	// TaskTypeSynthesis merges upstream findings into a synthesized summary.
	TaskTypeSynthesis TaskType = "synthesis"
	// TaskTypeReportWrite writes the final report.
	TaskTypeReportWrite TaskType = "report_write"
	// TaskTypeReview performs a single review pass over a report.
	TaskTypeReview TaskType = "review"
)

// AllTaskTypes lists every known task type in a stable order.
var AllTaskTypes = []TaskType{
	TaskTypeRetrievalRAG,
	TaskTypeRetrievalKeyword,
	TaskTypeRetrievalGraph,
	TaskTypeSynthesis,
	TaskTypeReportWrite,
	TaskTypeReview,
}

// Valid returns true if the type is a known value.
func (t TaskType) Valid() bool {
	for _, known := range AllTaskTypes {
		if t == known {
			return true
		}
	}
	return false
}

// IsRetrieval returns true for all retrieval variants.
func (t TaskType) IsRetrieval() bool {
	switch t {
	case TaskTypeRetrievalRAG, TaskTypeRetrievalKeyword, TaskTypeRetrievalGraph:
		return true
	default:
		return false
	}
}

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has not started.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusRunning indicates an attempt is in flight.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusRetryPending indicates the task is waiting for another attempt in its wave.
	TaskStatusRetryPending TaskStatus = "retry_pending"
	// TaskStatusComplete indicates the task produced an accepted artifact.
	TaskStatusComplete TaskStatus = "complete"
	// TaskStatusFailed indicates the task failed or was degraded.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusSkipped indicates the task was never run.
	TaskStatusSkipped TaskStatus = "skipped"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusRetryPending,
		TaskStatusComplete, TaskStatusFailed, TaskStatusSkipped:
		return true
	default:
		return false
	}
}

// Terminal returns true once the task can no longer change.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusComplete || s == TaskStatusFailed || s == TaskStatusSkipped
}

// Task represents one node of a job's task graph.
type Task struct {
	// Key is unique within the job.
	Key string `json:"key"`
	// JobID is the owning job.
	JobID string `json:"job_id"`
	// Type selects the executor.
	Type TaskType `json:"type"`
	// DependsOn lists task keys that must complete first.
	DependsOn []string `json:"depends_on,omitempty"`
	// Params are executor-specific parameters from the plan.
	Params map[string]any `json:"params,omitempty"`
	// Position is the declaration order within the plan.
	Position int `json:"position"`
	// Wave is assigned by the scheduler.
	Wave int `json:"wave"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// RetryCount is the number of retries performed.
	RetryCount int `json:"retry_count"`
	// QualityScore is the score of the latest evaluated attempt.
	QualityScore float64 `json:"quality_score"`
	// Error contains the last failure message.
	Error string `json:"error,omitempty"`
	// SkipReason explains why a skipped task never ran.
	SkipReason string `json:"skip_reason,omitempty"`
	// StartedAt is when the first attempt began.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the task reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// StringParam returns a string parameter or the fallback.
func (t *Task) StringParam(name, fallback string) string {
	if v, ok := t.Params[name].(string); ok && v != "" {
		return v
	}
	return fallback
}

// IntParam returns an integer parameter or the fallback.
// Numbers decoded from JSON or YAML arrive as float64 or int.
func (t *Task) IntParam(name string, fallback int) int {
	switch v := t.Params[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}
