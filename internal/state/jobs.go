package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/researcher/pkg/models"
)

const jobColumns = `id, owner, request, constraints, status, version, total_tasks, completed_tasks,
	failed_tasks, skipped_tasks, current_wave, total_waves, error, partial_results, result,
	created_at, updated_at, started_at, completed_at`

// CreateJob inserts a new job at version 1.
func (db *DB) CreateJob(ctx context.Context, j *models.Job) error {
	constraints, err := json.Marshal(j.Constraints)
	if err != nil {
		return fmt.Errorf("encode constraints: %w", err)
	}
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	j.Version = 1

	_, err = db.Exec(ctx, `
		INSERT INTO jobs (id, owner, request, constraints, status, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, j.ID, j.Owner, j.Request, string(constraints), string(j.Status), j.Version,
		formatTime(j.CreatedAt), formatTime(j.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID. It returns nil, nil when the job does not exist.
func (db *DB) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// UpdateJob writes j if the stored version still equals j.Version, then
// increments j.Version. A stale version yields ErrVersionConflict, so two
// writers can never both advance the same job from the same state.
func (db *DB) UpdateJob(ctx context.Context, j *models.Job) error {
	var result any
	if j.Result != nil {
		data, err := json.Marshal(j.Result)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		result = string(data)
	}
	updatedAt := time.Now().UTC()

	res, err := db.Exec(ctx, `
		UPDATE jobs SET status = ?, version = version + 1, total_tasks = ?, completed_tasks = ?,
			failed_tasks = ?, skipped_tasks = ?, current_wave = ?, total_waves = ?, error = ?,
			partial_results = ?, result = ?, updated_at = ?, started_at = ?, completed_at = ?
		WHERE id = ? AND version = ?
	`, string(j.Status), j.TotalTasks, j.CompletedTasks, j.FailedTasks, j.SkippedTasks,
		j.CurrentWave, j.TotalWaves, nullString(j.Error), boolToInt(j.PartialResults), result,
		formatTime(updatedAt), formatNullableTime(j.StartedAt), formatNullableTime(j.CompletedAt),
		j.ID, j.Version)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		existing, err := db.GetJob(ctx, j.ID)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("update job %s: %w", j.ID, ErrNotFound)
		}
		return fmt.Errorf("update job %s at version %d (stored %d): %w", j.ID, j.Version, existing.Version, ErrVersionConflict)
	}

	j.Version++
	j.UpdatedAt = updatedAt
	return nil
}

// ListJobs returns an owner's jobs, newest first. An empty owner lists all jobs.
func (db *DB) ListJobs(ctx context.Context, owner string) ([]models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if owner != "" {
		query += ` WHERE owner = ?`
		args = append(args, owner)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// ListJobsByStatus returns all jobs in any of the given statuses.
func (db *DB) ListJobsByStatus(ctx context.Context, statuses ...models.JobStatus) ([]models.Job, error) {
	all, err := db.ListJobs(ctx, "")
	if err != nil {
		return nil, err
	}
	want := make(map[models.JobStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []models.Job
	for _, j := range all {
		if want[j.Status] {
			out = append(out, j)
		}
	}
	return out, nil
}

// DeleteJob deletes a job and, through cascading keys, its tasks, artifacts,
// events and share links.
func (db *DB) DeleteJob(ctx context.Context, id string) error {
	res, err := db.Exec(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("delete job %s: %w", id, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var j models.Job
	var constraints string
	var errMsg, result, startedAt, completedAt sql.NullString
	var partial int
	var createdAt, updatedAt string

	err := row.Scan(&j.ID, &j.Owner, &j.Request, &constraints, &j.Status, &j.Version,
		&j.TotalTasks, &j.CompletedTasks, &j.FailedTasks, &j.SkippedTasks, &j.CurrentWave,
		&j.TotalWaves, &errMsg, &partial, &result, &createdAt, &updatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(constraints), &j.Constraints); err != nil {
		return nil, fmt.Errorf("decode constraints: %w", err)
	}
	if result.Valid && result.String != "" {
		j.Result = &models.Result{}
		if err := json.Unmarshal([]byte(result.String), j.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	j.Error = errMsg.String
	j.PartialResults = partial != 0
	j.CreatedAt, _ = parseTime(createdAt)
	j.UpdatedAt, _ = parseTime(updatedAt)
	j.StartedAt = parseNullableTime(startedAt)
	j.CompletedAt = parseNullableTime(completedAt)
	return &j, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
