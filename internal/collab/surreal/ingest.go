package surreal

import (
	"context"
	"fmt"
)

// AddPassage stores a searchable passage and returns its record key.
func (c *Client) AddPassage(ctx context.Context, content, source string, embedding []float32) (string, error) {
	results, err := query[passageRow](ctx, c, `
		CREATE passage CONTENT {content: $content, source: $source, embedding: $embedding}
		RETURN id, content, source;
	`, map[string]any{"content": content, "source": source, "embedding": embedding})
	if err != nil {
		return "", fmt.Errorf("add passage: %w", err)
	}
	if len(results) == 0 || len(results[0]) == 0 {
		return "", fmt.Errorf("add passage: no record returned")
	}
	return recordKey(results[0][0].ID), nil
}

// AddEntity upserts a knowledge-graph entity by name and returns its record key.
func (c *Client) AddEntity(ctx context.Context, name, typ, content, source string) (string, error) {
	results, err := query[entityRow](ctx, c, `
		UPSERT entity SET name = $name, type = $type, content = $content, source = $source
		WHERE name = $name RETURN id, name, type, content, source;
	`, map[string]any{"name": name, "type": typ, "content": content, "source": source})
	if err != nil {
		return "", fmt.Errorf("add entity: %w", err)
	}
	if len(results) == 0 || len(results[0]) == 0 {
		return "", fmt.Errorf("add entity: no record returned")
	}
	return recordKey(results[0][0].ID), nil
}

// Relate links two entities, named by record key, with a typed edge.
func (c *Client) Relate(ctx context.Context, from, to, relType string) error {
	_, err := query[any](ctx, c, `
		RELATE (type::record($from))->relates->(type::record($to)) SET rel_type = $rel_type;
	`, map[string]any{"from": from, "to": to, "rel_type": relType})
	if err != nil {
		return fmt.Errorf("relate: %w", err)
	}
	return nil
}
