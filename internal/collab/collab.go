// Package collab defines the external capabilities consumed by task executors.
// Only executors and the planner call these; the engine never does.
package collab

import (
	"context"
	"errors"
)

// ErrUnavailable marks an error caused by a collaborator being unreachable.
// Implementations wrap transport and connection failures with it so callers
// can retry with backoff.
var ErrUnavailable = errors.New("collaborator unavailable")

// Passage is one ranked search hit.
type Passage struct {
	ID      string  `json:"id"`
	Content string  `json:"content"`
	Source  string  `json:"source"`
	Score   float64 `json:"score"`
}

// SearchOptions narrows a search.
type SearchOptions struct {
	// MinScore drops passages scoring below it.
	MinScore float64
	// Sources restricts results to the named sources when non-empty.
	Sources []string
}

// Searcher ranks passages for a query.
type Searcher interface {
	Search(ctx context.Context, query string, topK int, opts SearchOptions) ([]Passage, error)
}

// Related is one entity reached during traversal.
type Related struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Content string `json:"content"`
	Source  string `json:"source"`
	// Hops is the distance from the seed entity.
	Hops int `json:"hops"`
}

// Traverser walks the knowledge graph outward from a seed.
type Traverser interface {
	Traverse(ctx context.Context, seed string, maxHops int) ([]Related, error)
}

// Generator produces text from a system prompt and a user prompt.
type Generator interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, systemPrompt, userPrompt string) (string, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return f(ctx, systemPrompt, userPrompt)
}
