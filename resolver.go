package hotmod

import (
	"fmt"
	"slices"
	"sort"
)

// Graph is a dependency adjacency: module id to the ids it depends on.
// The registry produces snapshots of this form for the resolver.
type Graph map[string][]string

// DanglingDependency is a non-fatal diagnostic: a dependency edge that
// references an id with no registered descriptor.
type DanglingDependency struct {
	From    string `json:"from"`
	Missing string `json:"missing"`
}

// dfs colors for cycle detection
const (
	colorWhite = iota // unvisited
	colorGray         // on the current dfs stack
	colorBlack        // fully explored
)

// DetectCycle runs a three-color depth-first traversal over the whole
// graph and returns the first cycle found as an id sequence with the
// repeated id at both ends, or nil when the graph is acyclic.
//
// This is the single cycle-detection algorithm in the codebase: both
// single-module registration and whole-graph validation call it, so the
// two sites cannot diverge.
func DetectCycle(g Graph) []string {
	color := make(map[string]int, len(g))
	var stack []string

	var visit func(node string) []string
	visit = func(node string) []string {
		color[node] = colorGray
		stack = append(stack, node)
		for _, dep := range g[node] {
			switch color[dep] {
			case colorGray:
				// Found the back edge; slice the stack from the first
				// occurrence of dep to get the cycle path.
				at := slices.Index(stack, dep)
				cycle := append([]string(nil), stack[at:]...)
				return append(cycle, dep)
			case colorWhite:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[node] = colorBlack
		return nil
	}

	// Sorted roots keep the reported cycle deterministic.
	for _, node := range sortedNodes(g) {
		if color[node] == colorWhite {
			if cycle := visit(node); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// LoadOrder returns the transitive dependency closure of root in
// depth-first postorder: each id exactly once, dependencies always
// before the modules that depend on them, root last.
//
// The result is undefined for cyclic graphs; callers validate with
// DetectCycle first. An edge to an unregistered id fails with
// ErrMissingDependency.
func LoadOrder(g Graph, root string) ([]string, error) {
	if _, ok := g[root]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, root)
	}

	var order []string
	visited := make(map[string]bool)

	var visit func(node string) error
	visit = func(node string) error {
		visited[node] = true
		for _, dep := range g[node] {
			if _, ok := g[dep]; !ok {
				return fmt.Errorf("%w: %s depends on %s", ErrMissingDependency, node, dep)
			}
			if !visited[dep] {
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		order = append(order, node)
		return nil
	}

	if err := visit(root); err != nil {
		return nil, err
	}
	return order, nil
}

// TopologicalOrder returns every id in the graph in dependency order,
// dependencies before dependents. Deterministic for a given graph.
func TopologicalOrder(g Graph) ([]string, error) {
	if cycle := DetectCycle(g); cycle != nil {
		return nil, &CycleError{Path: cycle}
	}

	var order []string
	visited := make(map[string]bool)

	var visit func(node string)
	visit = func(node string) {
		visited[node] = true
		for _, dep := range g[node] {
			if _, ok := g[dep]; ok && !visited[dep] {
				visit(dep)
			}
		}
		order = append(order, node)
	}

	for _, node := range sortedNodes(g) {
		if !visited[node] {
			visit(node)
		}
	}
	return order, nil
}

// ValidateGraph reports every dependency edge that references an
// unregistered id. Dangling dependencies are diagnostics, not errors:
// the graph may legitimately be mid-assembly.
func ValidateGraph(g Graph) []DanglingDependency {
	var dangling []DanglingDependency
	for _, node := range sortedNodes(g) {
		for _, dep := range g[node] {
			if _, ok := g[dep]; !ok {
				dangling = append(dangling, DanglingDependency{From: node, Missing: dep})
			}
		}
	}
	return dangling
}

func sortedNodes(g Graph) []string {
	nodes := make([]string, 0, len(g))
	for node := range g {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)
	return nodes
}
