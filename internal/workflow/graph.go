package workflow

import (
	"maps"
	"slices"
)

// DependencyGraph maps a module instance id to the instance ids it waits for.
type DependencyGraph map[string][]string

// Clone returns a deep copy, or nil for an empty graph.
func (g DependencyGraph) Clone() DependencyGraph {
	if len(g) == 0 {
		return nil
	}
	out := make(DependencyGraph, len(g))
	for node, deps := range g {
		out[node] = slices.Clone(deps)
	}
	return out
}

// add merges deps into node's edges, dropping blanks and duplicates. The
// resulting edge list is sorted; a node with no edges maps to nil.
func (g DependencyGraph) add(node string, deps ...string) {
	merged := slices.Clone(g[node])
	for _, dep := range deps {
		if dep != "" {
			merged = append(merged, dep)
		}
	}
	merged = slices.DeleteFunc(merged, func(dep string) bool { return dep == "" })
	slices.Sort(merged)
	merged = slices.Compact(merged)
	if len(merged) == 0 {
		merged = nil
	}
	g[node] = merged
}

func (g DependencyGraph) nodes() []string {
	return slices.Sorted(maps.Keys(g))
}

// findCycle returns the first cycle found, closed on its start node
// (a -> b -> a), or nil when the graph is acyclic. Nodes are visited in
// sorted order so the reported cycle is stable.
func (g DependencyGraph) findCycle() []string {
	const (
		open = iota + 1
		closed
	)
	marks := make(map[string]int, len(g))
	var path []string
	var walk func(node string) []string
	walk = func(node string) []string {
		switch marks[node] {
		case closed:
			return nil
		case open:
			start := slices.Index(path, node)
			return append(slices.Clone(path[start:]), node)
		}
		marks[node] = open
		path = append(path, node)
		for _, dep := range g[node] {
			if cycle := walk(dep); cycle != nil {
				return cycle
			}
		}
		path = path[:len(path)-1]
		marks[node] = closed
		return nil
	}
	for _, node := range g.nodes() {
		if cycle := walk(node); cycle != nil {
			return cycle
		}
	}
	return nil
}
