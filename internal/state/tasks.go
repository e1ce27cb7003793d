package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ShayCichocki/researcher/pkg/models"
)

const taskColumns = `job_id, key, type, depends_on, params, position, wave, status, retry_count,
	quality_score, error, skip_reason, started_at, completed_at`

// SaveGraph persists a planned job's tasks and its planned job record in one
// transaction. The job update is versioned like UpdateJob.
func (db *DB) SaveGraph(ctx context.Context, j *models.Job, tasks []models.Task) error {
	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		for i := range tasks {
			t := &tasks[i]
			deps, err := json.Marshal(nonNilStrings(t.DependsOn))
			if err != nil {
				return fmt.Errorf("encode depends_on: %w", err)
			}
			params, err := json.Marshal(nonNilParams(t.Params))
			if err != nil {
				return fmt.Errorf("encode params: %w", err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO tasks (job_id, key, type, depends_on, params, position, wave, status, retry_count, quality_score)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, j.ID, t.Key, string(t.Type), string(deps), string(params), t.Position, t.Wave,
				string(t.Status), t.RetryCount, t.QualityScore)
			if err != nil {
				return fmt.Errorf("insert task %s: %w", t.Key, err)
			}
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, version = version + 1, total_tasks = ?, total_waves = ?, updated_at = ?
			WHERE id = ? AND version = ?
		`, string(j.Status), j.TotalTasks, j.TotalWaves, formatTime(j.UpdatedAt), j.ID, j.Version)
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("save graph for job %s: %w", j.ID, ErrVersionConflict)
		}
		return nil
	})
	if err != nil {
		return err
	}
	j.Version++
	return nil
}

// UpdateTask writes a task's mutable fields.
func (db *DB) UpdateTask(ctx context.Context, t *models.Task) error {
	res, err := db.Exec(ctx, `
		UPDATE tasks SET wave = ?, status = ?, retry_count = ?, quality_score = ?, error = ?,
			skip_reason = ?, started_at = ?, completed_at = ?
		WHERE job_id = ? AND key = ?
	`, t.Wave, string(t.Status), t.RetryCount, t.QualityScore, nullString(t.Error),
		nullString(t.SkipReason), formatNullableTime(t.StartedAt), formatNullableTime(t.CompletedAt),
		t.JobID, t.Key)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update task %s/%s: %w", t.JobID, t.Key, ErrNotFound)
	}
	return nil
}

// ListTasks returns a job's tasks in declaration order.
func (db *DB) ListTasks(ctx context.Context, jobID string) ([]models.Task, error) {
	rows, err := db.Query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE job_id = ? ORDER BY position`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func scanTasks(rows *sql.Rows) ([]models.Task, error) {
	var tasks []models.Task
	for rows.Next() {
		var t models.Task
		var deps, params string
		var errMsg, skipReason, startedAt, completedAt sql.NullString
		err := rows.Scan(&t.JobID, &t.Key, &t.Type, &deps, &params, &t.Position, &t.Wave, &t.Status,
			&t.RetryCount, &t.QualityScore, &errMsg, &skipReason, &startedAt, &completedAt)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if err := json.Unmarshal([]byte(deps), &t.DependsOn); err != nil {
			return nil, fmt.Errorf("decode depends_on: %w", err)
		}
		if err := json.Unmarshal([]byte(params), &t.Params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
		if len(t.DependsOn) == 0 {
			t.DependsOn = nil
		}
		if len(t.Params) == 0 {
			t.Params = nil
		}
		t.Error = errMsg.String
		t.SkipReason = skipReason.String
		t.StartedAt = parseNullableTime(startedAt)
		t.CompletedAt = parseNullableTime(completedAt)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilParams(p map[string]any) map[string]any {
	if p == nil {
		return map[string]any{}
	}
	return p
}
