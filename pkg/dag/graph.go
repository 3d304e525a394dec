// Package dag holds the immutable graph view of a workflow definition and the
// pure dependency resolution over it.
package dag

import (
	"container/heap"
	"fmt"
	"sort"

	"github.com/ignatij/dagflow/pkg/models"
)

// Graph is a validated, immutable index over a workflow definition. Nodes are
// addressed by canonical index (task ids sorted ascending) so every traversal
// is deterministic.
type Graph struct {
	def      models.WorkflowDefinition
	ids      []string
	index    map[string]int
	tasks    []models.TaskDefinition
	incoming [][]models.Dependency
	outgoing [][]models.Dependency
	succ     [][]int
	indeg    []int
	order    []int
}

// Build indexes def and checks its structure: unique non-empty task ids, edges
// that reference known tasks, no duplicate edges, and no cycles.
func Build(def models.WorkflowDefinition) (*Graph, error) {
	g := &Graph{def: def.Clone(), index: make(map[string]int, len(def.Tasks))}

	byID := make(map[string]models.TaskDefinition, len(def.Tasks))
	for i, t := range def.Tasks {
		if t.ID == "" {
			return nil, &models.ValidationError{Field: fmt.Sprintf("tasks[%d].id", i), Msg: "must not be empty"}
		}
		if _, ok := byID[t.ID]; ok {
			return nil, &models.DuplicateTaskError{TaskID: t.ID}
		}
		byID[t.ID] = t
		g.ids = append(g.ids, t.ID)
	}
	sort.Strings(g.ids)

	n := len(g.ids)
	g.tasks = make([]models.TaskDefinition, n)
	g.incoming = make([][]models.Dependency, n)
	g.outgoing = make([][]models.Dependency, n)
	g.succ = make([][]int, n)
	g.indeg = make([]int, n)
	for i, id := range g.ids {
		g.index[id] = i
		g.tasks[i] = byID[id]
	}

	seen := make(map[EdgeKey]bool, len(def.Dependencies))
	for _, d := range def.Dependencies {
		if !d.Kind.Valid() {
			return nil, &models.ValidationError{
				Field: fmt.Sprintf("dependency %s -> %s", d.Upstream, d.Downstream),
				Msg:   fmt.Sprintf("unknown kind %q", d.Kind),
			}
		}
		d.Kind = d.Kind.Normalize()
		from, ok := g.index[d.Upstream]
		if !ok {
			return nil, &models.DanglingReferenceError{Upstream: d.Upstream, Downstream: d.Downstream, Missing: d.Upstream}
		}
		to, ok := g.index[d.Downstream]
		if !ok {
			return nil, &models.DanglingReferenceError{Upstream: d.Upstream, Downstream: d.Downstream, Missing: d.Downstream}
		}
		key := EdgeKey{Upstream: d.Upstream, Downstream: d.Downstream}
		if seen[key] {
			return nil, &models.InvalidGraphError{Reason: fmt.Sprintf("duplicate edge %s -> %s", d.Upstream, d.Downstream)}
		}
		seen[key] = true
		g.outgoing[from] = append(g.outgoing[from], d)
		g.incoming[to] = append(g.incoming[to], d)
		g.succ[from] = append(g.succ[from], to)
		g.indeg[to]++
	}
	for i := range g.succ {
		sort.Ints(g.succ[i])
		sort.Slice(g.incoming[i], func(a, b int) bool { return g.incoming[i][a].Upstream < g.incoming[i][b].Upstream })
		sort.Slice(g.outgoing[i], func(a, b int) bool { return g.outgoing[i][a].Downstream < g.outgoing[i][b].Downstream })
	}

	g.order = g.topoOrder()
	if len(g.order) != n {
		return nil, &models.InvalidGraphError{Cycle: g.findCycle()}
	}
	return g, nil
}

// Definition returns the definition the graph was built from.
func (g *Graph) Definition() models.WorkflowDefinition { return g.def }

// Len returns the number of tasks.
func (g *Graph) Len() int { return len(g.ids) }

// IDs returns every task id in ascending order.
func (g *Graph) IDs() []string { return append([]string(nil), g.ids...) }

func (g *Graph) Task(id string) (models.TaskDefinition, bool) {
	i, ok := g.index[id]
	if !ok {
		return models.TaskDefinition{}, false
	}
	return g.tasks[i], true
}

// Incoming returns the edges into id, ordered by upstream id. Kinds are normalised.
func (g *Graph) Incoming(id string) []models.Dependency {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	return g.incoming[i]
}

// Outgoing returns the edges out of id, ordered by downstream id.
func (g *Graph) Outgoing(id string) []models.Dependency {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	return g.outgoing[i]
}

// TopologicalOrder returns task ids so every upstream precedes its
// downstreams. Ties are broken by id.
func (g *Graph) TopologicalOrder() []string {
	out := make([]string, len(g.order))
	for i, n := range g.order {
		out[i] = g.ids[n]
	}
	return out
}

// LongestPath returns the number of edges on the longest path in the graph.
func (g *Graph) LongestPath() int {
	dist := make([]int, len(g.ids))
	longest := 0
	for _, u := range g.order {
		for _, v := range g.succ[u] {
			if dist[u]+1 > dist[v] {
				dist[v] = dist[u] + 1
				if dist[v] > longest {
					longest = dist[v]
				}
			}
		}
	}
	return longest
}

// Upstream returns the tasks reachable from roots by walking at most depth
// edges against their direction. Roots are excluded. The result is in reverse
// topological order, so downstream tasks come first.
func (g *Graph) Upstream(roots []string, depth int) []string {
	if depth <= 0 {
		return nil
	}
	hops := make(map[int]int)
	var frontier []int
	for _, id := range roots {
		if i, ok := g.index[id]; ok {
			hops[i] = 0
			frontier = append(frontier, i)
		}
	}
	rootSet := make(map[int]bool, len(frontier))
	for _, i := range frontier {
		rootSet[i] = true
	}
	for d := 1; d <= depth && len(frontier) > 0; d++ {
		var next []int
		for _, v := range frontier {
			for _, e := range g.incoming[v] {
				u := g.index[e.Upstream]
				if _, visited := hops[u]; visited {
					continue
				}
				hops[u] = d
				next = append(next, u)
			}
		}
		frontier = next
	}

	var out []string
	for i := len(g.order) - 1; i >= 0; i-- {
		n := g.order[i]
		if _, ok := hops[n]; ok && !rootSet[n] {
			out = append(out, g.ids[n])
		}
	}
	return out
}

// FailureTolerated reports whether a FAILED id leaves the run able to succeed:
// it has at least one outbound SKIP_ON_FAILURE edge and no outbound SUCCESS edge.
func (g *Graph) FailureTolerated(id string) bool {
	covered := false
	for _, e := range g.Outgoing(id) {
		switch e.Kind {
		case models.SuccessDependency:
			return false
		case models.SkipOnFailureDependency:
			covered = true
		}
	}
	return covered
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topoOrder is Kahn's algorithm with a min-heap ready set. A result shorter
// than the node count means the graph has a cycle.
func (g *Graph) topoOrder() []int {
	indeg := append([]int(nil), g.indeg...)
	ready := &intMinHeap{}
	for i, d := range indeg {
		if d == 0 {
			heap.Push(ready, i)
		}
	}
	out := make([]int, 0, len(indeg))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		out = append(out, n)
		for _, m := range g.succ[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	return out
}

// findCycle returns one cycle as a closed path of task ids, e.g. [a b c a].
func (g *Graph) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := make([]int, len(g.ids))
	parent := make([]int, len(g.ids))
	for i := range parent {
		parent[i] = -1
	}

	var cycle []int
	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, v := range g.succ[u] {
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				// back edge u -> v closes the cycle v ... u -> v
				cycle = append(cycle, v)
				for cur := u; cur != -1 && cur != v; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}
	for i := range g.ids {
		if color[i] == white && dfs(i) {
			break
		}
	}

	out := make([]string, 0, len(cycle))
	for i := len(cycle) - 1; i >= 0; i-- {
		out = append(out, g.ids[cycle[i]])
	}
	return out
}
