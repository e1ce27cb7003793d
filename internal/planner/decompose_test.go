package planner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ShayCichocki/researcher/internal/collab"
	"github.com/ShayCichocki/researcher/pkg/models"
)

func TestParseResponse_Valid(t *testing.T) {
	response := `[
		{"key": "r1", "type": "retrieval_rag", "dependencies": [], "parameters": {"query": "hnsw"}},
		{"key": "s1", "type": "Synthesis", "dependencies": [" r1 "]}
	]`

	specs, err := ParseResponse(response)
	if err != nil {
		t.Fatalf("ParseResponse failed: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("expected 2 specs, got %d", len(specs))
	}
	if specs[0].Params["query"] != "hnsw" {
		t.Errorf("expected query param, got %v", specs[0].Params)
	}
	if specs[1].Type != models.TaskTypeSynthesis {
		t.Errorf("expected normalised type synthesis, got %q", specs[1].Type)
	}
	if len(specs[1].DependsOn) != 1 || specs[1].DependsOn[0] != "r1" {
		t.Errorf("expected trimmed dependency r1, got %v", specs[1].DependsOn)
	}
}

func TestParseResponse_WithExtraText(t *testing.T) {
	response := "Here is the plan:\n[{\"key\": \"r1\", \"type\": \"retrieval_keyword\"}]\nLet me know."

	specs, err := ParseResponse(response)
	if err != nil {
		t.Fatalf("ParseResponse failed: %v", err)
	}
	if len(specs) != 1 || specs[0].Key != "r1" {
		t.Errorf("unexpected specs: %+v", specs)
	}
}

func TestParseResponse_Errors(t *testing.T) {
	tests := []struct {
		name     string
		response string
		contains string
	}{
		{name: "no array", response: "No JSON here", contains: "no valid JSON array found"},
		{name: "invalid json", response: "[{invalid json}]", contains: "unmarshal JSON"},
		{name: "empty", response: "[]", contains: "empty task list"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseResponse(tt.response)
			var perr *PlanningError
			if !errors.As(err, &perr) {
				t.Fatalf("expected PlanningError, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.contains) {
				t.Errorf("expected error containing %q, got %q", tt.contains, err.Error())
			}
		})
	}
}

func TestLLMDecomposer(t *testing.T) {
	var gotPrompt string
	gen := collab.GeneratorFunc(func(ctx context.Context, system, user string) (string, error) {
		gotPrompt = user
		return `[{"key": "r1", "type": "retrieval_rag"}]`, nil
	})

	specs, err := NewLLMDecomposer(gen).Decompose(context.Background(), "compare raft and paxos",
		models.Constraints{MaxTasks: 4, Sources: []string{"papers"}})
	if err != nil {
		t.Fatalf("Decompose failed: %v", err)
	}
	if len(specs) != 1 {
		t.Fatalf("expected 1 spec, got %d", len(specs))
	}
	for _, want := range []string{"compare raft and paxos", "at most 4 tasks", "papers"} {
		if !strings.Contains(gotPrompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestLLMDecomposer_GeneratorError(t *testing.T) {
	gen := collab.GeneratorFunc(func(ctx context.Context, system, user string) (string, error) {
		return "", collab.ErrUnavailable
	})

	_, err := NewLLMDecomposer(gen).Decompose(context.Background(), "q", models.Constraints{})
	var perr *PlanningError
	if !errors.As(err, &perr) || !errors.Is(err, collab.ErrUnavailable) {
		t.Errorf("expected PlanningError wrapping ErrUnavailable, got %v", err)
	}
}

func TestFileDecomposer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	plan := `tasks:
  - key: background
    type: retrieval_rag
    parameters:
      query: "{{request}} overview"
      top_k: 20
  - key: analysis
    type: synthesis
    dependencies: [background]
`
	if err := os.WriteFile(path, []byte(plan), 0644); err != nil {
		t.Fatalf("write plan: %v", err)
	}

	specs, err := NewFileDecomposer(path).Decompose(context.Background(), "raft", models.Constraints{})
	if err != nil {
		t.Fatalf("Decompose failed: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("expected 2 specs, got %d", len(specs))
	}
	if got := specs[0].Params["query"]; got != "raft overview" {
		t.Errorf("expected substituted query, got %v", got)
	}
	if got := specs[0].Params["top_k"]; got != 20 {
		t.Errorf("expected top_k 20, got %v", got)
	}
	if specs[1].Type != models.TaskTypeSynthesis || specs[1].DependsOn[0] != "background" {
		t.Errorf("unexpected second spec: %+v", specs[1])
	}
}

func TestFileDecomposer_Errors(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("tasks: [unclosed"), 0644); err != nil {
		t.Fatalf("write plan: %v", err)
	}

	if _, err := NewFileDecomposer(filepath.Join(dir, "missing.yaml")).Decompose(context.Background(), "q", models.Constraints{}); err == nil {
		t.Error("expected error for missing file")
	}
	_, err := NewFileDecomposer(bad).Decompose(context.Background(), "q", models.Constraints{})
	var perr *PlanningError
	if !errors.As(err, &perr) {
		t.Errorf("expected PlanningError for malformed YAML, got %v", err)
	}
}
