package surreal

import (
	"context"
	"fmt"
	"sort"

	"github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/ShayCichocki/researcher/internal/collab"
)

// rrfK is the standard reciprocal rank fusion constant.
const rrfK = 60

type passageRow struct {
	ID      models.RecordID `json:"id"`
	Content string          `json:"content"`
	Source  string          `json:"source"`
	Score   float64         `json:"score"`
}

func sourceClause(opts collab.SearchOptions, vars map[string]any) string {
	if len(opts.Sources) == 0 {
		return ""
	}
	vars["sources"] = opts.Sources
	return "AND source IN $sources"
}

// HybridSearcher ranks passages by fusing HNSW vector search with BM25
// full-text search.
type HybridSearcher struct {
	client   *Client
	embedder collab.Embedder
}

// NewHybridSearcher creates a hybrid searcher. Query embeddings come from
// embedder.
func NewHybridSearcher(client *Client, embedder collab.Embedder) *HybridSearcher {
	return &HybridSearcher{client: client, embedder: embedder}
}

// Search implements collab.Searcher. Passages are ordered by reciprocal rank
// fusion; each passage's score is its cosine similarity when the vector
// search found it, otherwise its BM25 score relative to the best hit.
func (s *HybridSearcher) Search(ctx context.Context, q string, topK int, opts collab.SearchOptions) ([]collab.Passage, error) {
	emb, err := s.embedder.Embed(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	vars := map[string]any{"q": q, "emb": emb, "limit": topK * 2}
	filter := sourceClause(opts, vars)
	// Vector: HNSW with ef=40, 2x limit for variety. BM25: analyzer 0.
	sql := fmt.Sprintf(`
		SELECT id, content, source, vector::similarity::cosine(embedding, $emb) AS score
		FROM passage WHERE embedding <|%d,40|> $emb %s ORDER BY score DESC;
		SELECT id, content, source, search::score(0) AS score
		FROM passage WHERE content @0@ $q %s ORDER BY score DESC LIMIT $limit;
	`, topK*2, filter, filter)

	results, err := query[passageRow](ctx, s.client, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("hybrid search: %w", err)
	}
	var vector, keyword []passageRow
	if len(results) > 0 {
		vector = results[0]
	}
	if len(results) > 1 {
		keyword = normalize(results[1])
	}
	return filterScore(fuse(vector, keyword, topK), opts.MinScore), nil
}

// KeywordSearcher ranks passages by BM25 alone. Scores are relative to the
// best hit.
type KeywordSearcher struct {
	client *Client
}

// NewKeywordSearcher creates a keyword searcher.
func NewKeywordSearcher(client *Client) *KeywordSearcher {
	return &KeywordSearcher{client: client}
}

// Search implements collab.Searcher.
func (s *KeywordSearcher) Search(ctx context.Context, q string, topK int, opts collab.SearchOptions) ([]collab.Passage, error) {
	vars := map[string]any{"q": q, "limit": topK}
	sql := fmt.Sprintf(`
		SELECT id, content, source, search::score(0) AS score
		FROM passage WHERE content @0@ $q %s ORDER BY score DESC LIMIT $limit;
	`, sourceClause(opts, vars))

	results, err := query[passageRow](ctx, s.client, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	if len(results) == 0 {
		return []collab.Passage{}, nil
	}
	rows := normalize(results[0])
	passages := make([]collab.Passage, 0, len(rows))
	for _, r := range rows {
		passages = append(passages, toPassage(r))
	}
	return filterScore(passages, opts.MinScore), nil
}

// normalize scales BM25 scores into [0,1] by the best score in rows.
func normalize(rows []passageRow) []passageRow {
	best := 0.0
	for _, r := range rows {
		if r.Score > best {
			best = r.Score
		}
	}
	out := make([]passageRow, len(rows))
	for i, r := range rows {
		if best > 0 {
			r.Score /= best
		} else {
			r.Score = 0
		}
		out[i] = r
	}
	return out
}

// fuse merges two ranked lists with reciprocal rank fusion and keeps the
// first limit passages.
func fuse(vector, keyword []passageRow, limit int) []collab.Passage {
	type fused struct {
		row   passageRow
		rrf   float64
		order int
	}
	byID := make(map[string]*fused)
	var all []*fused
	add := func(rows []passageRow, primary bool) {
		for rank, r := range rows {
			key := recordKey(r.ID)
			f, ok := byID[key]
			if !ok {
				f = &fused{row: r, order: len(all)}
				byID[key] = f
				all = append(all, f)
			} else if primary {
				f.row.Score = r.Score
			}
			f.rrf += 1.0 / float64(rrfK+rank+1)
		}
	}
	add(vector, true)
	add(keyword, false)

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].rrf != all[j].rrf {
			return all[i].rrf > all[j].rrf
		}
		return all[i].order < all[j].order
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	out := make([]collab.Passage, 0, len(all))
	for _, f := range all {
		out = append(out, toPassage(f.row))
	}
	return out
}

func toPassage(r passageRow) collab.Passage {
	score := r.Score
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return collab.Passage{ID: recordKey(r.ID), Content: r.Content, Source: r.Source, Score: score}
}

func filterScore(passages []collab.Passage, min float64) []collab.Passage {
	if min <= 0 {
		return passages
	}
	out := passages[:0]
	for _, p := range passages {
		if p.Score >= min {
			out = append(out, p)
		}
	}
	return out
}

var (
	_ collab.Searcher = (*HybridSearcher)(nil)
	_ collab.Searcher = (*KeywordSearcher)(nil)
)
