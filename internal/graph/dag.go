package graph

import "sort"

// FindCycle scans the dependency edges depth-first and returns the
// first cycle found as a path starting and ending at the same node, or
// nil when the graph is acyclic.
func FindCycle(edges map[string][]string) []string {
	// Color states: 0 = white (unvisited), 1 = gray (in progress),
	// 2 = black (done).
	colors := make(map[string]int, len(edges))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		stack = append(stack, id)

		for _, dep := range edges[id] {
			switch colors[dep] {
			case 1:
				// Back edge: slice the path from the first occurrence
				// of dep and close the loop.
				for i, n := range stack {
					if n == dep {
						cycle = append(append([]string{}, stack[i:]...), dep)
						return true
					}
				}
				cycle = []string{dep, dep}
				return true
			case 0:
				if visit(dep) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		colors[id] = 2
		return false
	}

	for _, id := range sortedKeys(edges) {
		if colors[id] == 0 {
			stack = stack[:0]
			if visit(id) {
				return cycle
			}
		}
	}
	return nil
}

// TopologicalOrder returns node ids so that every dependency precedes
// its dependents. Returns ErrCycleDetected when the edges contain a
// cycle.
func TopologicalOrder(edges map[string][]string) ([]string, error) {
	if FindCycle(edges) != nil {
		return nil, ErrCycleDetected
	}

	visited := make(map[string]bool, len(edges))
	var order []string

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, dep := range edges[id] {
			visit(dep)
		}
		order = append(order, id)
	}

	for _, id := range sortedKeys(edges) {
		visit(id)
	}
	return order, nil
}

// Dependents inverts the edge map: for each node, the nodes that
// depend on it.
func Dependents(edges map[string][]string) map[string][]string {
	out := make(map[string][]string, len(edges))
	for id, deps := range edges {
		for _, dep := range deps {
			out[dep] = append(out[dep], id)
		}
	}
	return out
}

// Unreachable returns the set of nodes that can never run because they
// transitively depend on any node in blocked.
func Unreachable(edges map[string][]string, blocked map[string]bool) map[string]bool {
	dependents := Dependents(edges)
	out := make(map[string]bool)

	var mark func(id string)
	mark = func(id string) {
		for _, dep := range dependents[id] {
			if !out[dep] {
				out[dep] = true
				mark(dep)
			}
		}
	}
	for id := range blocked {
		mark(id)
	}
	return out
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
