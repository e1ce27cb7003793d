package executor

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/ShayCichocki/researcher/internal/collab"
	"github.com/ShayCichocki/researcher/pkg/models"
)

const (
	citationWeight = 0.6
	lengthWeight   = 0.4
)

var citationPattern = regexp.MustCompile(`\[(\d+)\]`)

// TextExecutor generates text from upstream artifacts through a Generator.
// Synthesis, report writing and review differ only in prompt and length target.
type TextExecutor struct {
	kind      string
	system    string
	minWords  int
	generator collab.Generator
	backoff   BackoffPolicy
	logger    *slog.Logger
}

// NewSynthesisExecutor creates the synthesis executor.
func NewSynthesisExecutor(g collab.Generator, backoff BackoffPolicy, logger *slog.Logger) *TextExecutor {
	return newTextExecutor("synthesis", synthesisSystemPrompt, 150, g, backoff, logger)
}

// NewReportExecutor creates the report-write executor.
func NewReportExecutor(g collab.Generator, backoff BackoffPolicy, logger *slog.Logger) *TextExecutor {
	return newTextExecutor("report", reportSystemPrompt, 400, g, backoff, logger)
}

// NewReviewExecutor creates the single-pass review executor.
func NewReviewExecutor(g collab.Generator, backoff BackoffPolicy, logger *slog.Logger) *TextExecutor {
	return newTextExecutor("review", reviewSystemPrompt, 50, g, backoff, logger)
}

func newTextExecutor(kind, system string, minWords int, g collab.Generator, backoff BackoffPolicy, logger *slog.Logger) *TextExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &TextExecutor{
		kind:      kind,
		system:    system,
		minWords:  minWords,
		generator: g,
		backoff:   backoff,
		logger:    logger,
	}
}

// Execute builds a numbered source list from the dependency artifacts, asks the
// generator for cited text and scores it by grounding and length:
// 0.6 * cited/available sources + 0.4 * min(1, words/minWords).
func (e *TextExecutor) Execute(ctx context.Context, in Input) (*models.Artifact, error) {
	sources := collectSources(in.Dependencies)
	prompt := e.buildPrompt(in, sources)

	text, err := callCollaborator(ctx, e.backoff, e.logger, "generator",
		func(ctx context.Context) (string, error) {
			return e.generator.Generate(ctx, e.system, prompt)
		})
	if err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, Retryablef("%s generator returned empty text", e.kind)
	}

	cited := citedSources(text, sources)
	score := GroundingScore(text, len(sources), len(cited), e.minWords)

	e.logger.Info("text generation finished",
		"job_id", in.JobID, "task_key", in.Task.Key, "kind", e.kind, "attempt", in.Attempt,
		"words", len(strings.Fields(text)), "sources", len(sources), "cited", len(cited), "score", score)

	return &models.Artifact{
		Payload:      text,
		Sources:      cited,
		QualityScore: score,
	}, nil
}

func (e *TextExecutor) buildPrompt(in Input, sources []models.SourceRef) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research request:\n%s\n", in.Request)
	if focus := in.Task.StringParam("focus", ""); focus != "" {
		fmt.Fprintf(&b, "\nFocus for this step:\n%s\n", focus)
	}

	b.WriteString("\nNumbered sources:\n")
	if len(sources) == 0 {
		b.WriteString("(none)\n")
	}
	for i, s := range sources {
		fmt.Fprintf(&b, "[%d] %s: %s\n", i+1, s.Source, s.Content)
	}

	for _, dep := range in.Dependencies {
		if dep.TaskType.IsRetrieval() {
			continue
		}
		fmt.Fprintf(&b, "\nOutput of %s (%s):\n%s\n", dep.TaskKey, dep.TaskType, dep.Payload)
	}

	if in.Attempt > 0 {
		fmt.Fprintf(&b, revisionNote, in.Attempt, in.PreviousScore)
		b.WriteString("\n")
	}
	return b.String()
}

// collectSources flattens dependency sources, dropping duplicates by ID.
func collectSources(deps []models.Artifact) []models.SourceRef {
	seen := make(map[string]bool)
	var out []models.SourceRef
	for _, dep := range deps {
		for _, s := range dep.Sources {
			key := s.ID
			if key == "" {
				key = s.Source + "\x00" + s.Content
			}
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, s)
		}
	}
	return out
}

// citedSources returns the distinct sources referenced as [n], in first-citation order.
func citedSources(text string, sources []models.SourceRef) []models.SourceRef {
	seen := make(map[int]bool)
	var out []models.SourceRef
	for _, m := range citationPattern.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > len(sources) || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, sources[n-1])
	}
	return out
}

// GroundingScore combines citation coverage and length adequacy into [0,1].
// With no sources available, coverage counts as complete.
func GroundingScore(text string, available, cited, minWords int) float64 {
	coverage := 1.0
	if available > 0 {
		coverage = float64(cited) / float64(available)
	}
	length := 1.0
	if minWords > 0 {
		length = float64(len(strings.Fields(text))) / float64(minWords)
		if length > 1 {
			length = 1
		}
	}
	return citationWeight*coverage + lengthWeight*length
}
