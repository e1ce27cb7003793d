package jobs

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/ShayCichocki/researcher/internal/state"
	"github.com/ShayCichocki/researcher/pkg/models"
)

const shareTokenBytes = 32

// SharedJob is the public view of a shared job.
type SharedJob struct {
	JobID       string         `json:"job_id"`
	Request     string         `json:"request"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Result      *models.Result `json:"result"`
}

// CreateShare issues a share link for a complete job. expiresInDays of zero
// means the link does not expire.
func (s *Service) CreateShare(ctx context.Context, owner, jobID string, expiresInDays int) (*models.ShareLink, error) {
	if expiresInDays < 0 {
		return nil, fmt.Errorf("%w: expires_in_days must not be negative", ErrInvalidRequest)
	}
	job, err := s.owned(ctx, owner, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusComplete {
		return nil, fmt.Errorf("share job %s (%s): %w", jobID, job.Status, ErrNotShareable)
	}

	token, err := newShareToken()
	if err != nil {
		return nil, err
	}
	now := s.now()
	link := &models.ShareLink{Token: token, JobID: jobID, CreatedAt: now}
	if expiresInDays > 0 {
		expires := now.AddDate(0, 0, expiresInDays)
		link.ExpiresAt = &expires
	}
	if err := s.store.CreateShareLink(ctx, link); err != nil {
		return nil, err
	}
	s.logger.Info("share link created", "job_id", jobID, "expires_in_days", expiresInDays)
	return link, nil
}

// ListShares returns every link of a job, active and revoked.
func (s *Service) ListShares(ctx context.Context, owner, jobID string) ([]models.ShareLink, error) {
	if _, err := s.owned(ctx, owner, jobID); err != nil {
		return nil, err
	}
	links, err := s.store.ListShareLinks(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if links == nil {
		links = []models.ShareLink{}
	}
	return links, nil
}

// RevokeShare revokes a link. Revoking an already revoked link succeeds.
func (s *Service) RevokeShare(ctx context.Context, owner, token string) error {
	link, err := s.store.GetShareLink(ctx, token)
	if err != nil {
		return err
	}
	if link == nil {
		return fmt.Errorf("share link: %w", state.ErrNotFound)
	}
	if _, err := s.owned(ctx, owner, link.JobID); err != nil {
		return err
	}
	if err := s.store.RevokeShareLink(ctx, token, s.now()); err != nil {
		return err
	}
	s.logger.Info("share link revoked", "job_id", link.JobID)
	return nil
}

// SharedResult resolves a share token without an owner check and counts
// the view. Revoked and expired links are reported as not found.
func (s *Service) SharedResult(ctx context.Context, token string) (*SharedJob, error) {
	link, err := s.store.GetShareLink(ctx, token)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if link == nil || !link.Active(now) {
		return nil, fmt.Errorf("share link: %w", state.ErrNotFound)
	}
	job, err := s.store.GetJob(ctx, link.JobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("shared job: %w", state.ErrNotFound)
	}
	if err := s.store.RecordShareView(ctx, token, now); err != nil {
		return nil, err
	}
	return &SharedJob{
		JobID:       job.ID,
		Request:     job.Request,
		CompletedAt: job.CompletedAt,
		Result:      job.Result,
	}, nil
}

func newShareToken() (string, error) {
	b := make([]byte, shareTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate share token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
