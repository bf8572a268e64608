package reconcile

import (
	"sort"

	"github.com/rotisserie/eris"
)

// ComputeFunc derives a computed attribute from its inputs. Inputs arrive in
// the order declared; a missing input is nil. Returning ok=false skips the
// write for this recomputation.
type ComputeFunc func(inputs []any) (value any, ok bool)

// ComputedAttr is one derived attribute in the dependency graph.
type ComputedAttr struct {
	Name    string
	Inputs  []string
	Compute ComputeFunc
}

// Graph is the static dependency graph of computed attributes. It is built
// once at startup; a cycle is a configuration error and fatal.
type Graph struct {
	computed map[string]ComputedAttr
	// dependents maps an attribute to the computed attributes that read it.
	dependents map[string][]string
	// order holds every computed attribute in topological order.
	order []string
	rank  map[string]int
}

// NewGraph validates the computed attribute definitions and returns the
// graph. It fails on duplicate names, a computed attribute reading itself,
// or any dependency cycle.
func NewGraph(attrs []ComputedAttr) (*Graph, error) {
	g := &Graph{
		computed:   make(map[string]ComputedAttr, len(attrs)),
		dependents: make(map[string][]string),
	}
	for _, a := range attrs {
		if _, dup := g.computed[a.Name]; dup {
			return nil, eris.Errorf("reconcile: duplicate computed attribute %q", a.Name)
		}
		g.computed[a.Name] = a
	}
	for _, a := range attrs {
		for _, in := range a.Inputs {
			if in == a.Name {
				return nil, eris.Errorf("reconcile: computed attribute %q depends on itself", a.Name)
			}
			g.dependents[in] = append(g.dependents[in], a.Name)
		}
	}

	order, err := g.topoSort()
	if err != nil {
		return nil, err
	}
	g.order = order
	g.rank = make(map[string]int, len(order))
	for i, name := range order {
		g.rank[name] = i
	}
	return g, nil
}

// topoSort orders computed attributes so every one comes after the computed
// attributes it reads. Kahn's algorithm; leftover nodes mean a cycle.
func (g *Graph) topoSort() ([]string, error) {
	indegree := make(map[string]int, len(g.computed))
	for name := range g.computed {
		indegree[name] = 0
	}
	for name, a := range g.computed {
		for _, in := range a.Inputs {
			if _, isComputed := g.computed[in]; isComputed {
				indegree[name]++
			}
		}
	}

	var frontier []string
	for name, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, name)
		}
	}
	sort.Strings(frontier)

	var order []string
	for len(frontier) > 0 {
		name := frontier[0]
		frontier = frontier[1:]
		order = append(order, name)

		next := append([]string(nil), g.dependents[name]...)
		sort.Strings(next)
		for _, dep := range next {
			indegree[dep]--
			if indegree[dep] == 0 {
				frontier = append(frontier, dep)
			}
		}
	}

	if len(order) != len(g.computed) {
		var stuck []string
		for name, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, eris.Errorf("reconcile: dependency cycle among computed attributes %v", stuck)
	}
	return order, nil
}

// IsComputed reports whether name is a computed attribute. Computed
// attributes are never directly assertable.
func (g *Graph) IsComputed(name string) bool {
	_, ok := g.computed[name]
	return ok
}

// Downstream returns every computed attribute transitively affected by a
// write to root, in topological order.
func (g *Graph) Downstream(root string) []ComputedAttr {
	seen := map[string]bool{}
	var visit func(name string)
	visit = func(name string) {
		for _, dep := range g.dependents[name] {
			if !seen[dep] {
				seen[dep] = true
				visit(dep)
			}
		}
	}
	visit(root)

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return g.rank[names[i]] < g.rank[names[j]] })

	out := make([]ComputedAttr, len(names))
	for i, name := range names {
		out[i] = g.computed[name]
	}
	return out
}
