package workflow

import "sort"

// graph is the adjacency view of a definition used for reachability.
type graph struct {
	children map[string][]string // step id → successor ids, in edge order
}

func newGraph(d *Definition) *graph {
	g := &graph{children: make(map[string][]string, len(d.Steps))}
	for id, s := range d.Steps {
		if s != nil {
			g.children[id] = s.edges()
		}
	}
	return g
}

// reachable returns every step reachable from start, start included.
func (g *graph) reachable(start string) map[string]bool {
	seen := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, c := range g.children[id] {
			if !seen[c] {
				seen[c] = true
				stack = append(stack, c)
			}
		}
	}
	return seen
}

// unreachable returns the sorted ids of steps not reachable from start.
func (g *graph) unreachable(start string) []string {
	seen := g.reachable(start)
	var out []string
	for id := range g.children {
		if !seen[id] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
