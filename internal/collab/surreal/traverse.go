package surreal

import (
	"context"
	"fmt"

	"github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/ShayCichocki/researcher/internal/collab"
)

type entityRow struct {
	ID      models.RecordID `json:"id"`
	Name    string          `json:"name"`
	Type    string          `json:"type"`
	Content string          `json:"content"`
	Source  string          `json:"source"`
}

// Traverser walks relates edges in both directions from a seed entity.
type Traverser struct {
	client *Client
}

// NewTraverser creates a traverser.
func NewTraverser(client *Client) *Traverser {
	return &Traverser{client: client}
}

// Traverse implements collab.Traverser. The seed is matched by entity name,
// exactly or as a mention within seed. Each entity is reported once, at its
// shortest distance. An unknown seed yields no results.
func (t *Traverser) Traverse(ctx context.Context, seed string, maxHops int) ([]collab.Related, error) {
	start, err := t.resolve(ctx, seed)
	if err != nil || start == nil {
		return []collab.Related{}, err
	}

	seen := map[string]bool{recordKey(start.ID): true}
	related := []collab.Related{toRelated(*start, 0)}
	frontier := []models.RecordID{start.ID}

	for hop := 1; hop <= maxHops && len(frontier) > 0; hop++ {
		results, err := query[entityRow](ctx, t.client, `
			SELECT id, name, type, content, source FROM array::distinct(array::flatten(
				(SELECT VALUE array::concat(->relates->entity, <-relates<-entity) FROM $frontier)
			));
		`, map[string]any{"frontier": frontier})
		if err != nil {
			return nil, fmt.Errorf("traverse hop %d: %w", hop, err)
		}

		var next []models.RecordID
		if len(results) > 0 {
			for _, row := range results[0] {
				key := recordKey(row.ID)
				if seen[key] {
					continue
				}
				seen[key] = true
				related = append(related, toRelated(row, hop))
				next = append(next, row.ID)
			}
		}
		frontier = next
	}
	return related, nil
}

func (t *Traverser) resolve(ctx context.Context, seed string) (*entityRow, error) {
	results, err := query[entityRow](ctx, t.client, `
		SELECT id, name, type, content, source FROM entity
		WHERE string::lowercase(name) = string::lowercase($seed)
		   OR string::contains(string::lowercase($seed), string::lowercase(name))
		LIMIT 1;
	`, map[string]any{"seed": seed})
	if err != nil {
		return nil, fmt.Errorf("resolve seed: %w", err)
	}
	if len(results) == 0 || len(results[0]) == 0 {
		return nil, nil
	}
	return &results[0][0], nil
}

func toRelated(r entityRow, hops int) collab.Related {
	return collab.Related{
		ID:      recordKey(r.ID),
		Type:    r.Type,
		Content: fmt.Sprintf("%s: %s", r.Name, r.Content),
		Source:  r.Source,
		Hops:    hops,
	}
}

var _ collab.Traverser = (*Traverser)(nil)
