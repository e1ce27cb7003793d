package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/researcher/pkg/models"
)

const shareColumns = `token, job_id, created_at, expires_at, revoked_at, view_count, last_viewed_at`

// CreateShareLink stores a new share link.
func (db *DB) CreateShareLink(ctx context.Context, s *models.ShareLink) error {
	_, err := db.Exec(ctx, `
		INSERT INTO share_links (token, job_id, created_at, expires_at) VALUES (?, ?, ?, ?)
	`, s.Token, s.JobID, formatTime(s.CreatedAt), formatNullableTime(s.ExpiresAt))
	if err != nil {
		return fmt.Errorf("create share link: %w", err)
	}
	return nil
}

// GetShareLink retrieves a share link by token. It returns nil, nil when missing.
func (db *DB) GetShareLink(ctx context.Context, token string) (*models.ShareLink, error) {
	row := db.QueryRow(ctx, `SELECT `+shareColumns+` FROM share_links WHERE token = ?`, token)
	s, err := scanShareLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get share link: %w", err)
	}
	return s, nil
}

// ListShareLinks returns every share link of a job, active and revoked, oldest first.
func (db *DB) ListShareLinks(ctx context.Context, jobID string) ([]models.ShareLink, error) {
	rows, err := db.Query(ctx, `SELECT `+shareColumns+` FROM share_links WHERE job_id = ? ORDER BY created_at`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list share links: %w", err)
	}
	defer rows.Close()

	var links []models.ShareLink
	for rows.Next() {
		s, err := scanShareLink(rows)
		if err != nil {
			return nil, fmt.Errorf("scan share link: %w", err)
		}
		links = append(links, *s)
	}
	return links, rows.Err()
}

// RevokeShareLink marks a link revoked. Revoking twice keeps the first time.
func (db *DB) RevokeShareLink(ctx context.Context, token string, at time.Time) error {
	res, err := db.Exec(ctx, `
		UPDATE share_links SET revoked_at = COALESCE(revoked_at, ?) WHERE token = ?
	`, formatTime(at), token)
	if err != nil {
		return fmt.Errorf("revoke share link: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("revoke share link: %w", ErrNotFound)
	}
	return nil
}

// RecordShareView increments a link's view count.
func (db *DB) RecordShareView(ctx context.Context, token string, at time.Time) error {
	_, err := db.Exec(ctx, `
		UPDATE share_links SET view_count = view_count + 1, last_viewed_at = ? WHERE token = ?
	`, formatTime(at), token)
	if err != nil {
		return fmt.Errorf("record share view: %w", err)
	}
	return nil
}

func scanShareLink(row rowScanner) (*models.ShareLink, error) {
	var s models.ShareLink
	var createdAt string
	var expiresAt, revokedAt, lastViewed sql.NullString
	if err := row.Scan(&s.Token, &s.JobID, &createdAt, &expiresAt, &revokedAt, &s.ViewCount, &lastViewed); err != nil {
		return nil, err
	}
	s.CreatedAt, _ = parseTime(createdAt)
	s.ExpiresAt = parseNullableTime(expiresAt)
	s.RevokedAt = parseNullableTime(revokedAt)
	s.LastViewedAt = parseNullableTime(lastViewed)
	return &s, nil
}
