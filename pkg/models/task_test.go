package models

import (
	"testing"
	"time"
)

func TestTaskType_Valid(t *testing.T) {
	tests := []struct {
		name string
		typ  TaskType
		want bool
	}{
		{"retrieval_rag is valid", TaskTypeRetrievalRAG, true},
		{"retrieval_keyword is valid", TaskTypeRetrievalKeyword, true},
		{"retrieval_graph is valid", TaskTypeRetrievalGraph, true},
		{"synthesis is valid", TaskTypeSynthesis, true},
		{"report_write is valid", TaskTypeReportWrite, true},
		{"review is valid", TaskTypeReview, true},
		{"empty string is invalid", TaskType(""), false},
		{"unknown type is invalid", TaskType("fact_check"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.typ.Valid(); got != tt.want {
				t.Errorf("TaskType(%q).Valid() = %v, want %v", tt.typ, got, tt.want)
			}
		})
	}
}

func TestTaskType_IsRetrieval(t *testing.T) {
	for _, typ := range AllTaskTypes {
		want := typ == TaskTypeRetrievalRAG || typ == TaskTypeRetrievalKeyword || typ == TaskTypeRetrievalGraph
		if got := typ.IsRetrieval(); got != want {
			t.Errorf("TaskType(%q).IsRetrieval() = %v, want %v", typ, got, want)
		}
	}
}

func TestTaskStatus_Terminal(t *testing.T) {
	tests := []struct {
		status TaskStatus
		want   bool
	}{
		{TaskStatusPending, false},
		{TaskStatusRunning, false},
		{TaskStatusRetryPending, false},
		{TaskStatusComplete, true},
		{TaskStatusFailed, true},
		{TaskStatusSkipped, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if !tt.status.Valid() {
				t.Fatalf("expected %q to be valid", tt.status)
			}
			if got := tt.status.Terminal(); got != tt.want {
				t.Errorf("TaskStatus(%q).Terminal() = %v, want %v", tt.status, got, tt.want)
			}
		})
	}

	if TaskStatus("done").Valid() {
		t.Error("expected unknown status to be invalid")
	}
}

func TestTask_Params(t *testing.T) {
	task := Task{Params: map[string]any{
		"query":    "solar adoption",
		"top_k":    float64(7),
		"max_hops": 3,
		"empty":    "",
	}}

	if got := task.StringParam("query", "x"); got != "solar adoption" {
		t.Errorf("expected query param, got %q", got)
	}
	if got := task.StringParam("empty", "fallback"); got != "fallback" {
		t.Errorf("expected fallback for empty string, got %q", got)
	}
	if got := task.StringParam("missing", "fallback"); got != "fallback" {
		t.Errorf("expected fallback for missing param, got %q", got)
	}
	if got := task.IntParam("top_k", 10); got != 7 {
		t.Errorf("expected 7 from float64 param, got %d", got)
	}
	if got := task.IntParam("max_hops", 2); got != 3 {
		t.Errorf("expected 3 from int param, got %d", got)
	}
	if got := task.IntParam("query", 5); got != 5 {
		t.Errorf("expected fallback for non-numeric param, got %d", got)
	}
}

func TestJob_ProgressPercentage(t *testing.T) {
	tests := []struct {
		name string
		job  Job
		want float64
	}{
		{"no tasks yet", Job{Status: JobStatusPlanning}, 0},
		{"no tasks terminal", Job{Status: JobStatusFailed}, 100},
		{"half done", Job{TotalTasks: 4, CompletedTasks: 1, SkippedTasks: 1}, 50},
		{"all done", Job{TotalTasks: 4, CompletedTasks: 3, FailedTasks: 1}, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.job.ProgressPercentage(); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestJobStatus_Terminal(t *testing.T) {
	terminal := map[JobStatus]bool{
		JobStatusInitializing: false,
		JobStatusPlanning:     false,
		JobStatusPlanned:      false,
		JobStatusExecuting:    false,
		JobStatusSynthesizing: false,
		JobStatusComplete:     true,
		JobStatusFailed:       true,
		JobStatusCancelled:    true,
	}
	for status, want := range terminal {
		if !status.Valid() {
			t.Errorf("expected %q to be valid", status)
		}
		if got := status.Terminal(); got != want {
			t.Errorf("JobStatus(%q).Terminal() = %v, want %v", status, got, want)
		}
	}
}

func TestShareLink_Active(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name string
		link ShareLink
		want bool
	}{
		{"no expiry", ShareLink{}, true},
		{"expires later", ShareLink{ExpiresAt: &future}, true},
		{"expired", ShareLink{ExpiresAt: &past}, false},
		{"expires exactly now", ShareLink{ExpiresAt: &now}, false},
		{"revoked", ShareLink{RevokedAt: &past}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.link.Active(now); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
