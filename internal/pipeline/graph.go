package pipeline

import (
	"sort"
)

type registration struct {
	handler Handler
	deps    []string // deduplicated, declaration order
	seq     int
}

// DependencyGraph holds the registered handlers and derives their execution
// order. Dependencies are not checked at registration time; ExecutionOrder
// reports missing handlers and cycles lazily.
//
// DependencyGraph is not safe for concurrent use.
type DependencyGraph struct {
	nodes   map[string]*registration
	names   []string // registration order
	nextSeq int

	order []string
	valid bool
}

// NewDependencyGraph returns an empty graph.
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{nodes: make(map[string]*registration)}
}

// Add registers h under h.Name().
func (g *DependencyGraph) Add(h Handler) error {
	name := h.Name()
	if _, exists := g.nodes[name]; exists {
		return &DependencyError{Kind: DuplicateHandler, Handler: name}
	}

	var deps []string
	seen := make(map[string]bool)
	for _, dep := range h.Dependencies() {
		if seen[dep] {
			continue
		}
		seen[dep] = true
		deps = append(deps, dep)
	}

	g.nodes[name] = &registration{handler: h, deps: deps, seq: g.nextSeq}
	g.nextSeq++
	g.names = append(g.names, name)
	g.valid = false
	return nil
}

// Remove unregisters and returns the named handler. Handlers depending on it
// are left in place; the next ExecutionOrder reports them.
func (g *DependencyGraph) Remove(name string) (Handler, error) {
	reg, ok := g.nodes[name]
	if !ok {
		return nil, &DependencyError{Kind: HandlerNotFound, Handler: name}
	}
	delete(g.nodes, name)
	for i, n := range g.names {
		if n == name {
			g.names = append(g.names[:i:i], g.names[i+1:]...)
			break
		}
	}
	g.valid = false
	return reg.handler, nil
}

// Contains reports whether name is registered.
func (g *DependencyGraph) Contains(name string) bool {
	_, ok := g.nodes[name]
	return ok
}

// Get returns the named handler.
func (g *DependencyGraph) Get(name string) (Handler, bool) {
	reg, ok := g.nodes[name]
	if !ok {
		return nil, false
	}
	return reg.handler, true
}

func (g *DependencyGraph) Len() int { return len(g.nodes) }

func (g *DependencyGraph) IsEmpty() bool { return len(g.nodes) == 0 }

// Clear removes every handler.
func (g *DependencyGraph) Clear() {
	g.nodes = make(map[string]*registration)
	g.names = nil
	g.order = nil
	g.valid = false
}

// Names returns registered handler names in registration order.
func (g *DependencyGraph) Names() []string {
	return cloneNames(g.names)
}

// DependenciesOf returns the declared dependencies of name, or nil if name is
// not registered.
func (g *DependencyGraph) DependenciesOf(name string) []string {
	reg, ok := g.nodes[name]
	if !ok {
		return nil
	}
	return append([]string{}, reg.deps...)
}

// DependentsOf returns the handlers that declare a dependency on name, in
// registration order, or nil if name is not registered.
func (g *DependencyGraph) DependentsOf(name string) []string {
	if !g.Contains(name) {
		return nil
	}
	out := []string{}
	for _, n := range g.names {
		for _, dep := range g.nodes[n].deps {
			if dep == name {
				out = append(out, n)
				break
			}
		}
	}
	return out
}

// TransitiveDependencies returns every registered handler reachable from name
// through dependency edges, sorted by name. Missing dependencies are ignored.
func (g *DependencyGraph) TransitiveDependencies(name string) []string {
	if !g.Contains(name) {
		return nil
	}
	visited := make(map[string]bool)
	var walk func(n string)
	walk = func(n string) {
		reg, ok := g.nodes[n]
		if !ok {
			return
		}
		for _, dep := range reg.deps {
			if visited[dep] || !g.Contains(dep) {
				continue
			}
			visited[dep] = true
			walk(dep)
		}
	}
	walk(name)
	// A cycle through name would make it its own dependency.
	delete(visited, name)

	out := make([]string, 0, len(visited))
	for n := range visited {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ExecutionOrder returns handler names so that every handler comes after all
// of its dependencies. Among handlers that are ready at the same time the one
// registered first runs first. The result is cached until the next mutation.
func (g *DependencyGraph) ExecutionOrder() ([]string, error) {
	if g.valid {
		return cloneNames(g.order), nil
	}

	order, err := g.topologicalSort()
	if err != nil {
		return nil, err
	}
	g.order = order
	g.valid = true
	return cloneNames(order), nil
}

func cloneNames(names []string) []string {
	out := make([]string, len(names))
	copy(out, names)
	return out
}

// SortedHandlers returns the handlers in execution order.
func (g *DependencyGraph) SortedHandlers() ([]Handler, error) {
	order, err := g.ExecutionOrder()
	if err != nil {
		return nil, err
	}
	out := make([]Handler, len(order))
	for i, name := range order {
		out[i] = g.nodes[name].handler
	}
	return out, nil
}

func (g *DependencyGraph) topologicalSort() ([]string, error) {
	for _, name := range g.names {
		for _, dep := range g.nodes[name].deps {
			if !g.Contains(dep) {
				return nil, &DependencyError{Kind: MissingDependency, Handler: name, Dependency: dep}
			}
		}
	}

	inDegree := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string, len(g.nodes))
	for _, name := range g.names {
		deps := g.nodes[name].deps
		inDegree[name] = len(deps)
		for _, dep := range deps {
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var queue []string
	for _, name := range g.names {
		if inDegree[name] == 0 {
			queue = append(queue, name)
		}
	}

	order := make([]string, 0, len(g.nodes))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		order = append(order, current)

		for _, dependent := range dependents[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}

		// Re-sort so the earliest registered ready handler is next
		sort.Slice(queue, func(i, j int) bool {
			return g.nodes[queue[i]].seq < g.nodes[queue[j]].seq
		})
	}

	if len(order) != len(g.nodes) {
		cycle := g.findCycle(order)
		err := &DependencyError{Kind: CycleDetected, Cycle: cycle}
		if len(cycle) > 0 {
			err.Handler = cycle[0]
		}
		return nil, err
	}
	return order, nil
}

// findCycle walks the handlers Kahn's algorithm could not order and returns
// one cycle as a closed path, e.g. [a b a].
func (g *DependencyGraph) findCycle(ordered []string) []string {
	skip := make(map[string]bool, len(ordered))
	for _, n := range ordered {
		skip[n] = true
	}

	// white = unvisited, gray = in-progress, black = done
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	parent := make(map[string]string)
	var cyclePath []string

	var dfs func(node string) bool
	dfs = func(node string) bool {
		color[node] = gray
		for _, dep := range g.nodes[node].deps {
			if skip[dep] {
				continue
			}
			if color[dep] == gray {
				cyclePath = []string{dep}
				for cur := node; cur != dep; cur = parent[cur] {
					cyclePath = append([]string{cur}, cyclePath...)
				}
				cyclePath = append([]string{dep}, cyclePath...)
				return true
			}
			if color[dep] == white {
				parent[dep] = node
				if dfs(dep) {
					return true
				}
			}
		}
		color[node] = black
		return false
	}

	for _, name := range g.names {
		if skip[name] || color[name] != white {
			continue
		}
		if dfs(name) {
			return cyclePath
		}
	}
	return nil
}
