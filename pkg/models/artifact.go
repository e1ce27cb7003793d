package models

import "time"

// SourceRef points at material an artifact was derived from.
type SourceRef struct {
	ID      string  `json:"id"`
	Source  string  `json:"source"`
	Content string  `json:"content,omitempty"`
	Score   float64 `json:"score"`
}

// Artifact is the output of one accepted task execution.
type Artifact struct {
	ID           string      `json:"id"`
	JobID        string      `json:"job_id"`
	TaskKey      string      `json:"task_key"`
	TaskType     TaskType    `json:"task_type"`
	Payload      string      `json:"payload"`
	Sources      []SourceRef `json:"sources,omitempty"`
	QualityScore float64     `json:"quality_score"`
	CreatedAt    time.Time   `json:"created_at"`
}

// ShareLink grants public read access to a completed job's result.
type ShareLink struct {
	Token        string     `json:"token"`
	JobID        string     `json:"job_id"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	ViewCount    int        `json:"view_count"`
	LastViewedAt *time.Time `json:"last_viewed_at,omitempty"`
}

// Active returns true if the link is neither revoked nor expired at now.
func (s *ShareLink) Active(now time.Time) bool {
	if s.RevokedAt != nil {
		return false
	}
	if s.ExpiresAt != nil && !now.Before(*s.ExpiresAt) {
		return false
	}
	return true
}
