package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ShayCichocki/researcher/internal/collab"
	"github.com/ShayCichocki/researcher/pkg/models"
)

const (
	defaultTopK     = 10
	maxTopK         = 50
	defaultMinScore = 0.5
	minScoreFloor   = 0.3
	defaultMaxHops  = 2
	maxHopsCeiling  = 5
	hopScorePenalty = 0.1
	minRelatedScore = 0.1
	minScoreStep    = 0.1
)

// RetrievalExecutor ranks passages through a Searcher. It serves both the
// hybrid and the keyword retrieval variants; only the searcher differs.
type RetrievalExecutor struct {
	name     string
	searcher collab.Searcher
	expander collab.Generator
	topK     int
	minScore float64
	backoff  BackoffPolicy
	logger   *slog.Logger
}

// RetrievalOption configures a RetrievalExecutor.
type RetrievalOption func(*RetrievalExecutor)

// WithTopK sets the default number of passages requested.
func WithTopK(k int) RetrievalOption {
	return func(e *RetrievalExecutor) {
		if k > 0 {
			e.topK = k
		}
	}
}

// WithMinScore sets the minimum passage score on the first attempt.
func WithMinScore(s float64) RetrievalOption {
	return func(e *RetrievalExecutor) { e.minScore = s }
}

// WithQueryExpansion rewrites the query through g on retries.
func WithQueryExpansion(g collab.Generator) RetrievalOption {
	return func(e *RetrievalExecutor) { e.expander = g }
}

// WithRetrievalBackoff sets the collaborator backoff.
func WithRetrievalBackoff(p BackoffPolicy) RetrievalOption {
	return func(e *RetrievalExecutor) { e.backoff = p }
}

// WithRetrievalLogger sets the logger.
func WithRetrievalLogger(l *slog.Logger) RetrievalOption {
	return func(e *RetrievalExecutor) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewRetrievalExecutor creates a retrieval executor. name identifies the
// searcher in logs and errors.
func NewRetrievalExecutor(name string, s collab.Searcher, opts ...RetrievalOption) *RetrievalExecutor {
	e := &RetrievalExecutor{
		name:     name,
		searcher: s,
		topK:     defaultTopK,
		minScore: defaultMinScore,
		backoff:  DefaultBackoff(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one search. Each retry widens the search: top_k grows by half
// its base value per attempt and the minimum score drops by 0.1, floored at 0.3.
func (e *RetrievalExecutor) Execute(ctx context.Context, in Input) (*models.Artifact, error) {
	query := strings.TrimSpace(in.Task.StringParam("query", in.Request))
	if query == "" {
		return nil, Fatalf("retrieval task has no query")
	}

	topK, minScore := widen(in.Task.IntParam("top_k", e.topK), e.minScore, in.Attempt)

	if in.Attempt > 0 && e.expander != nil {
		query = e.expandQuery(ctx, query)
	}

	passages, err := callCollaborator(ctx, e.backoff, e.logger, e.name,
		func(ctx context.Context) ([]collab.Passage, error) {
			return e.searcher.Search(ctx, query, topK, collab.SearchOptions{
				MinScore: minScore,
				Sources:  in.Constraints.Sources,
			})
		})
	if err != nil {
		return nil, err
	}

	sources := make([]models.SourceRef, 0, len(passages))
	for _, p := range passages {
		if p.Score < minScore {
			continue
		}
		sources = append(sources, models.SourceRef{ID: p.ID, Source: p.Source, Content: p.Content, Score: p.Score})
	}

	e.logger.Info("retrieval finished",
		"job_id", in.JobID, "task_key", in.Task.Key, "searcher", e.name,
		"attempt", in.Attempt, "top_k", topK, "min_score", minScore, "results", len(sources))

	return &models.Artifact{
		Payload: formatFindings(query, sources),
		Sources: sources,
	}, nil
}

// expandQuery asks the generator for a broader phrasing. Failures keep the original.
func (e *RetrievalExecutor) expandQuery(ctx context.Context, query string) string {
	out, err := e.expander.Generate(ctx, queryExpansionSystemPrompt, query)
	if err != nil {
		e.logger.Warn("query expansion failed, using original", "error", err)
		return query
	}
	expanded := strings.TrimSpace(strings.SplitN(out, "\n", 2)[0])
	if expanded == "" {
		return query
	}
	return expanded
}

func widen(baseTopK int, baseMinScore float64, attempt int) (int, float64) {
	if baseTopK <= 0 {
		baseTopK = defaultTopK
	}
	topK := baseTopK + baseTopK*attempt/2
	if topK > maxTopK {
		topK = maxTopK
	}
	minScore := baseMinScore - minScoreStep*float64(attempt)
	if attempt > 0 && minScore < minScoreFloor {
		minScore = minScoreFloor
	}
	return topK, minScore
}

// GraphExecutor collects entities related to a seed through a Traverser.
type GraphExecutor struct {
	traverser collab.Traverser
	maxHops   int
	backoff   BackoffPolicy
	logger    *slog.Logger
}

// NewGraphExecutor creates a graph retrieval executor.
func NewGraphExecutor(t collab.Traverser, maxHops int, backoff BackoffPolicy, logger *slog.Logger) *GraphExecutor {
	if maxHops <= 0 {
		maxHops = defaultMaxHops
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GraphExecutor{traverser: t, maxHops: maxHops, backoff: backoff, logger: logger}
}

// Execute traverses from the task's seed. Each retry allows one more hop.
// A related entity scores 1.0 - 0.1 per hop, floored at 0.1.
func (e *GraphExecutor) Execute(ctx context.Context, in Input) (*models.Artifact, error) {
	seed := strings.TrimSpace(in.Task.StringParam("seed", in.Task.StringParam("query", "")))
	if seed == "" {
		return nil, Fatalf("graph retrieval task has no seed")
	}

	hops := in.Task.IntParam("max_hops", e.maxHops) + in.Attempt
	if hops > maxHopsCeiling {
		hops = maxHopsCeiling
	}

	related, err := callCollaborator(ctx, e.backoff, e.logger, "graph",
		func(ctx context.Context) ([]collab.Related, error) {
			return e.traverser.Traverse(ctx, seed, hops)
		})
	if err != nil {
		return nil, err
	}

	sources := make([]models.SourceRef, 0, len(related))
	for _, r := range related {
		score := 1.0 - hopScorePenalty*float64(r.Hops)
		if score < minRelatedScore {
			score = minRelatedScore
		}
		content := r.Content
		if r.Type != "" {
			content = fmt.Sprintf("%s (%s)", r.Content, r.Type)
		}
		sources = append(sources, models.SourceRef{ID: r.ID, Source: r.Source, Content: content, Score: score})
	}

	e.logger.Info("graph traversal finished",
		"job_id", in.JobID, "task_key", in.Task.Key, "seed", seed, "max_hops", hops, "results", len(sources))

	return &models.Artifact{
		Payload: formatFindings(seed, sources),
		Sources: sources,
	}, nil
}

func formatFindings(query string, sources []models.SourceRef) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Findings for %q (%d sources)\n", query, len(sources))
	for i, s := range sources {
		fmt.Fprintf(&b, "[%d] %s (score %.2f): %s\n", i+1, s.Source, s.Score, s.Content)
	}
	return b.String()
}
