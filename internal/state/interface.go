package state

import (
	"context"
	"io"
	"time"

	"github.com/ShayCichocki/researcher/pkg/models"
)

// JobStore handles job persistence.
type JobStore interface {
	CreateJob(ctx context.Context, j *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	UpdateJob(ctx context.Context, j *models.Job) error
	ListJobs(ctx context.Context, owner string) ([]models.Job, error)
	DeleteJob(ctx context.Context, id string) error
}

// TaskStore handles task persistence.
type TaskStore interface {
	SaveGraph(ctx context.Context, j *models.Job, tasks []models.Task) error
	UpdateTask(ctx context.Context, t *models.Task) error
	ListTasks(ctx context.Context, jobID string) ([]models.Task, error)
}

// ArtifactStore handles accepted artifacts.
type ArtifactStore interface {
	SaveArtifact(ctx context.Context, a *models.Artifact) error
	ListArtifacts(ctx context.Context, jobID string) ([]models.Artifact, error)
}

// EventStore is the append-only progress event log.
type EventStore interface {
	AppendEvent(ctx context.Context, e *models.Event) error
	ListEvents(ctx context.Context, jobID string, afterSeq int64) ([]models.Event, error)
	LastEventSeq(ctx context.Context, jobID string) (int64, error)
}

// ShareStore handles share links.
type ShareStore interface {
	CreateShareLink(ctx context.Context, s *models.ShareLink) error
	GetShareLink(ctx context.Context, token string) (*models.ShareLink, error)
	ListShareLinks(ctx context.Context, jobID string) ([]models.ShareLink, error)
	RevokeShareLink(ctx context.Context, token string, at time.Time) error
	RecordShareView(ctx context.Context, token string, at time.Time) error
}

// Migrator handles database schema migrations.
type Migrator interface {
	Migrate() error
}

// Store composes every persistence concern. The engine, the progress
// publisher and the job service depend on this rather than on *DB.
type Store interface {
	io.Closer
	Migrator
	JobStore
	TaskStore
	ArtifactStore
	EventStore
	ShareStore
}

var (
	_ Store         = (*DB)(nil)
	_ JobStore      = (*DB)(nil)
	_ TaskStore     = (*DB)(nil)
	_ ArtifactStore = (*DB)(nil)
	_ EventStore    = (*DB)(nil)
	_ ShareStore    = (*DB)(nil)
)
