package graph

// computeWaves partitions the graph with Kahn's algorithm. Tasks with no
// unresolved dependencies form wave 0; once a wave resolves, every dependent
// whose in-degree drops to zero joins the next wave. Within a wave keys keep
// declaration order.
func (g *TaskGraph) computeWaves() ([][]string, error) {
	inDegree := make(map[string]int, len(g.order))
	for _, key := range g.order {
		inDegree[key] = len(g.Dependencies(key))
	}

	var current []string
	for _, key := range g.order {
		if inDegree[key] == 0 {
			current = append(current, key)
		}
	}

	var waves [][]string
	assigned := 0
	for len(current) > 0 {
		wave := len(waves)
		waves = append(waves, current)
		assigned += len(current)

		ready := make(map[string]bool)
		for _, key := range current {
			g.waveOf[key] = wave
			for _, dep := range g.dependents[key] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					ready[dep] = true
				}
			}
		}

		g.debugLog("[graph.computeWaves] wave %d: %v", wave, current)

		current = nil
		for _, key := range g.order {
			if ready[key] {
				current = append(current, key)
			}
		}
	}

	if assigned != len(g.order) {
		var unresolved []string
		for _, key := range g.order {
			if inDegree[key] > 0 {
				unresolved = append(unresolved, key)
			}
		}
		return nil, &CyclicDependencyError{Unresolved: unresolved, Path: g.findCycle(unresolved)}
	}
	return waves, nil
}

// findCycle returns one cycle among the unresolved keys using DFS coloring.
func (g *TaskGraph) findCycle(unresolved []string) []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int)
	var stack []string
	var cycle []string

	var visit func(key string) bool
	visit = func(key string) bool {
		color[key] = gray
		stack = append(stack, key)
		for _, dep := range g.Dependencies(key) {
			switch color[dep] {
			case gray:
				for i, k := range stack {
					if k == dep {
						cycle = append(append([]string(nil), stack[i:]...), dep)
						return true
					}
				}
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[key] = black
		return false
	}

	for _, key := range unresolved {
		if color[key] == white && visit(key) {
			return cycle
		}
	}
	return nil
}

// Waves returns the wave partition. The outer slice is indexed by wave number.
func (g *TaskGraph) Waves() [][]string {
	out := make([][]string, len(g.waves))
	for i, w := range g.waves {
		out[i] = append([]string(nil), w...)
	}
	return out
}

// WaveCount returns the number of waves.
func (g *TaskGraph) WaveCount() int {
	return len(g.waves)
}

// Wave returns the wave number of key, or -1 if key is unknown.
func (g *TaskGraph) Wave(key string) int {
	if w, ok := g.waveOf[key]; ok {
		return w
	}
	return -1
}
