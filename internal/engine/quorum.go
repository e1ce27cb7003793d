package engine

import (
	"fmt"
	"slices"

	"github.com/ShayCichocki/researcher/pkg/models"
)

// Quorum decides whether a job whose waves have all finished still fails.
// A job in which no task completed always fails.
type Quorum struct {
	// FailOnTypes fails the job if any task of these types ends failed.
	// Skipped tasks do not count.
	FailOnTypes []models.TaskType
	// MaxFailedRatio fails the job when the share of tasks that did not
	// complete (failed or skipped) exceeds it. Zero disables the check.
	MaxFailedRatio float64
}

// DefaultQuorum fails a job only when its report_write task itself fails.
func DefaultQuorum() Quorum {
	return Quorum{FailOnTypes: []models.TaskType{models.TaskTypeReportWrite}}
}

// Check returns a non-empty reason if the job should fail.
func (q Quorum) Check(tasks []*models.Task) string {
	if len(tasks) == 0 {
		return ""
	}

	completed, notCompleted := 0, 0
	for _, t := range tasks {
		if t.Status == models.TaskStatusComplete {
			completed++
		} else {
			notCompleted++
		}
	}
	if completed == 0 {
		return "no task completed"
	}

	for _, t := range tasks {
		if t.Status == models.TaskStatusFailed && slices.Contains(q.FailOnTypes, t.Type) {
			return fmt.Sprintf("%s task %s failed: %s", t.Type, t.Key, t.Error)
		}
	}

	if q.MaxFailedRatio > 0 {
		ratio := float64(notCompleted) / float64(len(tasks))
		if ratio > q.MaxFailedRatio {
			return fmt.Sprintf("%d of %d tasks did not complete (%.0f%% > %.0f%%)",
				notCompleted, len(tasks), ratio*100, q.MaxFailedRatio*100)
		}
	}
	return ""
}
