package planner

import (
	"context"

	"github.com/ShayCichocki/researcher/internal/graph"
	"github.com/ShayCichocki/researcher/pkg/models"
)

// TemplateDecomposer returns a fixed plan for every request: semantic and
// keyword retrieval, one synthesis over both and the report. Deep requests
// add graph retrieval and a review pass. It needs no collaborator.
type TemplateDecomposer struct{}

// Decompose implements Decomposer.
func (TemplateDecomposer) Decompose(_ context.Context, request string, c models.Constraints) ([]graph.NodeSpec, error) {
	specs := []graph.NodeSpec{
		{Key: "semantic_search", Type: models.TaskTypeRetrievalRAG, Params: map[string]any{"query": request}},
		{Key: "keyword_search", Type: models.TaskTypeRetrievalKeyword, Params: map[string]any{"query": request}},
	}
	sources := []string{"semantic_search", "keyword_search"}
	if c.Depth == "deep" {
		specs = append(specs, graph.NodeSpec{Key: "related_entities", Type: models.TaskTypeRetrievalGraph, Params: map[string]any{"seed": request}})
		sources = append(sources, "related_entities")
	}
	specs = append(specs,
		graph.NodeSpec{Key: "analysis", Type: models.TaskTypeSynthesis, DependsOn: sources, Params: map[string]any{"focus": request}},
		graph.NodeSpec{Key: "report", Type: models.TaskTypeReportWrite, DependsOn: []string{"analysis"}},
	)
	if c.Depth == "deep" {
		specs = append(specs, graph.NodeSpec{Key: "review", Type: models.TaskTypeReview, DependsOn: []string{"report"}})
	}
	return specs, nil
}
