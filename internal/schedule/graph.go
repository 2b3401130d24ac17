// Package schedule turns a set of requested vhosts into a dependency graph
// and launches them in dependency order under a concurrency bound.
package schedule

import (
	"fmt"
	"strings"

	"github.com/cochaviz/vlab/internal/errdefs"
)

// Graph maps each vhost to its prerequisites. Nodes keep the order in which
// they were added so that launches follow the declared order.
type Graph struct {
	order []string
	deps  map[string][]string
}

// Build starts from requested, takes each vhost's prerequisites from
// declared and adds every referenced vhost that is not yet a node until no
// reference is left dangling.
func Build(requested []string, declared map[string][]string) *Graph {
	g := &Graph{deps: map[string][]string{}}
	for _, name := range requested {
		g.add(name, declared[name])
	}
	// g.order grows while it is walked, which yields the closure.
	for i := 0; i < len(g.order); i++ {
		for _, prereq := range g.deps[g.order[i]] {
			g.add(prereq, declared[prereq])
		}
	}
	return g
}

// Sequential returns a graph without edges; with a bound of one it launches
// requested in order.
func Sequential(requested []string) *Graph {
	g := &Graph{deps: map[string][]string{}}
	for _, name := range requested {
		g.add(name, nil)
	}
	return g
}

func (g *Graph) add(name string, prereqs []string) {
	if _, ok := g.deps[name]; ok {
		return
	}
	g.order = append(g.order, name)
	g.deps[name] = append([]string{}, prereqs...)
}

// Nodes returns the vhosts in launch-preference order.
func (g *Graph) Nodes() []string {
	return append([]string(nil), g.order...)
}

// Prerequisites returns the direct prerequisites of name.
func (g *Graph) Prerequisites(name string) []string {
	return append([]string(nil), g.deps[name]...)
}

// Len is the number of nodes.
func (g *Graph) Len() int { return len(g.order) }

// CheckAcyclic walks the prerequisites of every node breadth first and
// fails if a node can reach itself. All nodes are checked. A prerequisite
// reached along two paths (a diamond) is not a cycle and is accepted.
func (g *Graph) CheckAcyclic() error {
	for _, start := range g.order {
		visited := map[string]struct{}{}
		queue := append([]string(nil), g.deps[start]...)
		for len(queue) > 0 {
			current := queue[0]
			queue = queue[1:]
			if current == start {
				return &errdefs.DependencyCycleError{Node: start}
			}
			if _, seen := visited[current]; seen {
				continue
			}
			visited[current] = struct{}{}
			queue = append(queue, g.deps[current]...)
		}
	}
	return nil
}

// String renders the graph as "name: prereq ..." lines, in node order.
func (g *Graph) String() string {
	var b strings.Builder
	for _, name := range g.order {
		fmt.Fprintf(&b, "%s: %s\n", name, strings.Join(g.deps[name], " "))
	}
	return b.String()
}
