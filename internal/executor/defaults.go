package executor

import (
	"log/slog"

	"github.com/ShayCichocki/researcher/internal/collab"
	"github.com/ShayCichocki/researcher/pkg/models"
)

// Collaborators are the external capabilities behind the built-in executors.
// A nil collaborator leaves its task types unregistered.
type Collaborators struct {
	Hybrid    collab.Searcher
	Keyword   collab.Searcher
	Traverser collab.Traverser
	Generator collab.Generator

	Backoff  BackoffPolicy
	TopK     int
	MinScore float64
	MaxHops  int
	Logger   *slog.Logger
}

// NewDefaultRegistry registers the built-in executor for every task type whose
// collaborator is available.
func NewDefaultRegistry(c Collaborators, opts ...RegistryOption) *Registry {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := NewRegistry(append([]RegistryOption{WithRegistryLogger(logger)}, opts...)...)

	retrievalOpts := []RetrievalOption{
		WithTopK(c.TopK),
		WithRetrievalBackoff(c.Backoff),
		WithRetrievalLogger(logger),
	}
	if c.MinScore > 0 {
		retrievalOpts = append(retrievalOpts, WithMinScore(c.MinScore))
	}
	if c.Generator != nil {
		retrievalOpts = append(retrievalOpts, WithQueryExpansion(c.Generator))
	}

	if c.Hybrid != nil {
		r.Register(models.TaskTypeRetrievalRAG, NewRetrievalExecutor("hybrid-search", c.Hybrid, retrievalOpts...))
	}
	if c.Keyword != nil {
		r.Register(models.TaskTypeRetrievalKeyword, NewRetrievalExecutor("keyword-search", c.Keyword, retrievalOpts...))
	}
	if c.Traverser != nil {
		r.Register(models.TaskTypeRetrievalGraph, NewGraphExecutor(c.Traverser, c.MaxHops, c.Backoff, logger))
	}
	if c.Generator != nil {
		r.Register(models.TaskTypeSynthesis, NewSynthesisExecutor(c.Generator, c.Backoff, logger))
		r.Register(models.TaskTypeReportWrite, NewReportExecutor(c.Generator, c.Backoff, logger))
		r.Register(models.TaskTypeReview, NewReviewExecutor(c.Generator, c.Backoff, logger))
	}
	return r
}
