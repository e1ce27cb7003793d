package planner

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/researcher/internal/graph"
	"github.com/ShayCichocki/researcher/pkg/models"
)

// PlanFile is the YAML layout of a hand-written plan.
//
//	tasks:
//	  - key: background
//	    type: retrieval_rag
//	    parameters:
//	      query: "{{request}}"
//	  - key: analysis
//	    type: synthesis
//	    dependencies: [background]
type PlanFile struct {
	Tasks []graph.NodeSpec `yaml:"tasks"`
}

// requestPlaceholder in a string parameter is replaced by the job's request.
const requestPlaceholder = "{{request}}"

// FileDecomposer reads the task list from a YAML plan file instead of
// asking a model. The file is read on every call.
type FileDecomposer struct {
	path string
}

// NewFileDecomposer creates a decomposer for the plan at path.
func NewFileDecomposer(path string) *FileDecomposer {
	return &FileDecomposer{path: path}
}

// Decompose implements Decomposer.
func (d *FileDecomposer) Decompose(ctx context.Context, request string, _ models.Constraints) ([]graph.NodeSpec, error) {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}
	return ParsePlanFile(data, request)
}

// ParsePlanFile decodes a YAML plan and substitutes the request into string
// parameters.
func ParsePlanFile(data []byte, request string) ([]graph.NodeSpec, error) {
	var pf PlanFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, &PlanningError{Reason: "malformed plan file", Err: err}
	}
	if len(pf.Tasks) == 0 {
		return nil, &PlanningError{Reason: "empty task list"}
	}
	for i := range pf.Tasks {
		for name, v := range pf.Tasks[i].Params {
			if s, ok := v.(string); ok {
				pf.Tasks[i].Params[name] = strings.ReplaceAll(s, requestPlaceholder, request)
			}
		}
	}
	return pf.Tasks, nil
}
