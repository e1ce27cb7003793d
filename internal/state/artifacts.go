package state

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ShayCichocki/researcher/pkg/models"
)

// SaveArtifact stores an accepted artifact.
func (db *DB) SaveArtifact(ctx context.Context, a *models.Artifact) error {
	sources, err := json.Marshal(a.Sources)
	if err != nil {
		return fmt.Errorf("encode sources: %w", err)
	}
	if a.Sources == nil {
		sources = []byte("[]")
	}
	_, err = db.Exec(ctx, `
		INSERT INTO artifacts (id, job_id, task_key, task_type, payload, sources, quality_score, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.JobID, a.TaskKey, string(a.TaskType), a.Payload, string(sources), a.QualityScore,
		formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("save artifact: %w", err)
	}
	return nil
}

// ListArtifacts returns a job's artifacts ordered by task declaration order.
func (db *DB) ListArtifacts(ctx context.Context, jobID string) ([]models.Artifact, error) {
	rows, err := db.Query(ctx, `
		SELECT a.id, a.job_id, a.task_key, a.task_type, a.payload, a.sources, a.quality_score, a.created_at
		FROM artifacts a
		LEFT JOIN tasks t ON t.job_id = a.job_id AND t.key = a.task_key
		WHERE a.job_id = ?
		ORDER BY COALESCE(t.position, 0), a.created_at
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []models.Artifact
	for rows.Next() {
		var a models.Artifact
		var sources, createdAt string
		if err := rows.Scan(&a.ID, &a.JobID, &a.TaskKey, &a.TaskType, &a.Payload, &sources, &a.QualityScore, &createdAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		if err := json.Unmarshal([]byte(sources), &a.Sources); err != nil {
			return nil, fmt.Errorf("decode sources: %w", err)
		}
		if len(a.Sources) == 0 {
			a.Sources = nil
		}
		a.CreatedAt, _ = parseTime(createdAt)
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}
