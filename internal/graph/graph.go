// Package graph provides the immutable task dependency graph and its wave scheduler.
package graph

import (
	"github.com/ShayCichocki/researcher/pkg/models"
)

// NodeSpec is one task as declared by a plan.
type NodeSpec struct {
	Key       string          `json:"key" yaml:"key"`
	Type      models.TaskType `json:"type" yaml:"type"`
	DependsOn []string        `json:"dependencies" yaml:"dependencies"`
	Params    map[string]any  `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// TaskGraph is a validated DAG of task nodes. It never changes after New returns,
// so it is safe for concurrent readers.
type TaskGraph struct {
	// order holds keys in declaration order.
	order []string
	// nodes maps key to its spec.
	nodes map[string]NodeSpec
	// position maps key to its declaration index.
	position map[string]int
	// dependents maps key to the keys that depend on it, in declaration order.
	dependents map[string][]string
	// waves is the Kahn partition computed at construction.
	waves [][]string
	// waveOf maps key to its wave number.
	waveOf map[string]int
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// Option configures graph construction.
type Option func(*TaskGraph)

// WithDebugLog sets a debug logging function used during construction.
func WithDebugLog(fn func(format string, args ...interface{})) Option {
	return func(g *TaskGraph) {
		if fn != nil {
			g.debugLog = fn
		}
	}
}

// New validates specs and builds the graph. It fails with GraphValidationError on
// an empty key, a duplicate key or an unknown dependency, and with
// CyclicDependencyError when the dependency relation is not acyclic.
func New(specs []NodeSpec, opts ...Option) (*TaskGraph, error) {
	g := &TaskGraph{
		order:      make([]string, 0, len(specs)),
		nodes:      make(map[string]NodeSpec, len(specs)),
		position:   make(map[string]int, len(specs)),
		dependents: make(map[string][]string, len(specs)),
		waveOf:     make(map[string]int, len(specs)),
		debugLog:   func(format string, args ...interface{}) {},
	}
	for _, opt := range opts {
		opt(g)
	}

	g.debugLog("[graph.New] building graph from %d tasks", len(specs))

	// First pass: register all nodes.
	for i, spec := range specs {
		if spec.Key == "" {
			return nil, invalidf("", "task at position %d has an empty key", i)
		}
		if _, exists := g.nodes[spec.Key]; exists {
			return nil, invalidf(spec.Key, "duplicate key")
		}
		spec.DependsOn = append([]string(nil), spec.DependsOn...)
		g.nodes[spec.Key] = spec
		g.position[spec.Key] = i
		g.order = append(g.order, spec.Key)
	}

	// Second pass: resolve edges.
	for _, key := range g.order {
		seen := make(map[string]bool)
		for _, dep := range g.nodes[key].DependsOn {
			if _, exists := g.nodes[dep]; !exists {
				return nil, invalidf(key, "depends on unknown task %q", dep)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			g.dependents[dep] = append(g.dependents[dep], key)
		}
	}

	waves, err := g.computeWaves()
	if err != nil {
		return nil, err
	}
	g.waves = waves

	g.debugLog("[graph.New] graph built with %d nodes in %d waves", len(g.order), len(g.waves))
	return g, nil
}

// Len returns the number of tasks.
func (g *TaskGraph) Len() int {
	return len(g.order)
}

// Keys returns all task keys in declaration order.
func (g *TaskGraph) Keys() []string {
	return append([]string(nil), g.order...)
}

// Node returns the NodeSpec declared for key.
func (g *TaskGraph) Node(key string) (NodeSpec, bool) {
	spec, ok := g.nodes[key]
	return spec, ok
}

// Position returns the declaration index of key, or -1.
func (g *TaskGraph) Position(key string) int {
	if p, ok := g.position[key]; ok {
		return p
	}
	return -1
}

// Dependencies returns the distinct keys key depends on.
func (g *TaskGraph) Dependencies(key string) []string {
	spec, ok := g.nodes[key]
	if !ok {
		return nil
	}
	seen := make(map[string]bool, len(spec.DependsOn))
	deps := make([]string, 0, len(spec.DependsOn))
	for _, dep := range spec.DependsOn {
		if !seen[dep] {
			seen[dep] = true
			deps = append(deps, dep)
		}
	}
	return deps
}

// Dependents returns the keys that directly depend on key.
func (g *TaskGraph) Dependents(key string) []string {
	return append([]string(nil), g.dependents[key]...)
}

// Descendants returns every key transitively reachable from key through
// dependent edges, in declaration order. key itself is not included.
func (g *TaskGraph) Descendants(key string) []string {
	visited := make(map[string]bool)
	queue := append([]string(nil), g.dependents[key]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if visited[next] {
			continue
		}
		visited[next] = true
		queue = append(queue, g.dependents[next]...)
	}

	result := make([]string, 0, len(visited))
	for _, k := range g.order {
		if visited[k] {
			result = append(result, k)
		}
	}
	return result
}

// Specs returns a copy of the node specs in declaration order.
func (g *TaskGraph) Specs() []NodeSpec {
	specs := make([]NodeSpec, 0, len(g.order))
	for _, key := range g.order {
		specs = append(specs, g.nodes[key])
	}
	return specs
}
