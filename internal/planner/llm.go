package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ShayCichocki/researcher/internal/collab"
	"github.com/ShayCichocki/researcher/internal/graph"
	"github.com/ShayCichocki/researcher/pkg/models"
)

// LLMDecomposer asks a language model for the task list.
type LLMDecomposer struct {
	generator collab.Generator
}

// NewLLMDecomposer creates a decomposer backed by generator.
func NewLLMDecomposer(generator collab.Generator) *LLMDecomposer {
	return &LLMDecomposer{generator: generator}
}

// Decompose implements Decomposer.
func (d *LLMDecomposer) Decompose(ctx context.Context, request string, constraints models.Constraints) ([]graph.NodeSpec, error) {
	prompt := fmt.Sprintf(decompositionPrompt, request, renderConstraints(constraints))
	response, err := d.generator.Generate(ctx, decompositionSystemPrompt, prompt)
	if err != nil {
		return nil, &PlanningError{Reason: "planning collaborator", Err: err}
	}
	return ParseResponse(response)
}

func renderConstraints(c models.Constraints) string {
	var lines []string
	if c.MaxTasks > 0 {
		lines = append(lines, fmt.Sprintf("- Use at most %d tasks.", c.MaxTasks))
	}
	if len(c.Sources) > 0 {
		lines = append(lines, fmt.Sprintf("- Only these sources are searchable: %s.", strings.Join(c.Sources, ", ")))
	}
	switch c.Depth {
	case "quick":
		lines = append(lines, "- Keep the plan minimal: one or two retrievals, one synthesis.")
	case "deep":
		lines = append(lines, "- Be thorough: cover each aspect with its own retrieval and synthesis.")
	}
	if len(lines) == 0 {
		return ""
	}
	return "\nConstraints:\n" + strings.Join(lines, "\n") + "\n"
}

// ParseResponse extracts the JSON task array from a model response. Text
// around the array is ignored. Types are normalised to lower case; they are
// not checked here.
func ParseResponse(response string) ([]graph.NodeSpec, error) {
	start := strings.Index(response, "[")
	end := strings.LastIndex(response, "]")
	if start == -1 || end == -1 || end <= start {
		preview := response
		if len(preview) > 500 {
			preview = preview[:500] + "... (truncated)"
		}
		return nil, planningErrorf("malformed response", "no valid JSON array found in response (got %d chars): %q", len(response), preview)
	}

	var specs []graph.NodeSpec
	if err := json.Unmarshal([]byte(response[start:end+1]), &specs); err != nil {
		return nil, &PlanningError{Reason: "malformed response", Err: fmt.Errorf("unmarshal JSON: %w", err)}
	}
	if len(specs) == 0 {
		return nil, &PlanningError{Reason: "empty task list"}
	}

	for i := range specs {
		specs[i].Key = strings.TrimSpace(specs[i].Key)
		specs[i].Type = models.TaskType(strings.ToLower(strings.TrimSpace(string(specs[i].Type))))
		for j, dep := range specs[i].DependsOn {
			specs[i].DependsOn[j] = strings.TrimSpace(dep)
		}
	}
	return specs, nil
}
