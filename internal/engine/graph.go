package engine

import (
	"sort"

	"github.com/quantgraph/quantgraph/pkg/schema"
)

// End is the terminate destination. Routers return it to finish a run.
const End = "__end__"

// RouteFunc is a pure decision over state: it returns the name of the
// next step, or End. The returned destination must be one of the
// statically declared set for its attachment point.
type RouteFunc func(State) string

type route struct {
	fn    RouteFunc
	dests []string
}

func (r *route) allows(dest string) bool {
	for _, d := range r.dests {
		if d == dest {
			return true
		}
	}
	return false
}

// Graph is the construction-time builder for a workflow. Misdeclarations
// (duplicate steps, unknown destinations, unreachable steps) are caught
// by Compile, never deferred to run time.
type Graph struct {
	name   string
	schema *Schema
	steps  map[string]StepFunc
	order  []string
	routes map[string]*route
	edges  map[string]string
	entry  string
	err    error
}

// NewGraph starts a workflow declaration over the given state schema.
func NewGraph(name string, sch *Schema) *Graph {
	return &Graph{
		name:   name,
		schema: sch,
		steps:  make(map[string]StepFunc),
		routes: make(map[string]*route),
		edges:  make(map[string]string),
	}
}

func (g *Graph) fail(err error) *Graph {
	if g.err == nil {
		g.err = err
	}
	return g
}

// Step registers a named step. Duplicate names are a CONFLICT.
func (g *Graph) Step(name string, fn StepFunc) *Graph {
	if g.err != nil {
		return g
	}
	if name == End {
		return g.fail(schema.NewErrorf(schema.ErrCodeConflict, "graph %s: %q is reserved", g.name, End))
	}
	if _, dup := g.steps[name]; dup {
		return g.fail(schema.NewErrorf(schema.ErrCodeConflict, "graph %s: step %q registered twice", g.name, name))
	}
	g.steps[name] = fn
	g.order = append(g.order, name)
	return g
}

// Route attaches a router after the named step, with its finite set of
// declared destinations.
func (g *Graph) Route(after string, fn RouteFunc, destinations ...string) *Graph {
	if g.err != nil {
		return g
	}
	if _, dup := g.routes[after]; dup {
		return g.fail(schema.NewErrorf(schema.ErrCodeConflict, "graph %s: step %q already has a router", g.name, after))
	}
	if _, dup := g.edges[after]; dup {
		return g.fail(schema.NewErrorf(schema.ErrCodeConflict, "graph %s: step %q already has an edge", g.name, after))
	}
	if len(destinations) == 0 {
		return g.fail(schema.NewErrorf(schema.ErrCodeValidation, "graph %s: router after %q declares no destinations", g.name, after))
	}
	g.routes[after] = &route{fn: fn, dests: destinations}
	return g
}

// Edge attaches an unconditional transition after the named step.
func (g *Graph) Edge(from, to string) *Graph {
	if g.err != nil {
		return g
	}
	if _, dup := g.edges[from]; dup {
		return g.fail(schema.NewErrorf(schema.ErrCodeConflict, "graph %s: step %q already has an edge", g.name, from))
	}
	if _, dup := g.routes[from]; dup {
		return g.fail(schema.NewErrorf(schema.ErrCodeConflict, "graph %s: step %q already has a router", g.name, from))
	}
	g.edges[from] = to
	return g
}

// Entry designates the entry step.
func (g *Graph) Entry(name string) *Graph {
	if g.err != nil {
		return g
	}
	g.entry = name
	return g
}

// Compile validates the declaration and produces an executable workflow:
// the entry exists, every step has exactly one outgoing attachment,
// every declared destination names a known step or End, and every step
// is reachable from the entry.
func (g *Graph) Compile() (*Workflow, error) {
	if g.err != nil {
		return nil, g.err
	}
	if g.schema == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "graph %s: no schema", g.name)
	}
	if err := g.schema.Err(); err != nil {
		return nil, err
	}
	if len(g.steps) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "graph %s: no steps", g.name)
	}
	if g.entry == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "graph %s: no entry step", g.name)
	}
	if _, ok := g.steps[g.entry]; !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "graph %s: entry step %q not registered", g.name, g.entry)
	}

	known := func(dest string) bool {
		if dest == End {
			return true
		}
		_, ok := g.steps[dest]
		return ok
	}
	for name := range g.steps {
		_, hasRoute := g.routes[name]
		_, hasEdge := g.edges[name]
		if !hasRoute && !hasEdge {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "graph %s: step %q has no outgoing attachment", g.name, name)
		}
	}
	for after, r := range g.routes {
		if _, ok := g.steps[after]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "graph %s: router attached to unknown step %q", g.name, after)
		}
		for _, d := range r.dests {
			if !known(d) {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "graph %s: router after %q declares unknown destination %q", g.name, after, d)
			}
		}
	}
	for from, to := range g.edges {
		if _, ok := g.steps[from]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "graph %s: edge from unknown step %q", g.name, from)
		}
		if !known(to) {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "graph %s: edge from %q to unknown step %q", g.name, from, to)
		}
	}

	// Reachability from the entry over declared destinations.
	seen := map[string]bool{g.entry: true}
	queue := []string{g.entry}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		var outs []string
		if r, ok := g.routes[cur]; ok {
			outs = r.dests
		}
		if to, ok := g.edges[cur]; ok {
			outs = append(outs, to)
		}
		for _, d := range outs {
			if d == End || seen[d] {
				continue
			}
			seen[d] = true
			queue = append(queue, d)
		}
	}
	var unreachable []string
	for name := range g.steps {
		if !seen[name] {
			unreachable = append(unreachable, name)
		}
	}
	if len(unreachable) > 0 {
		sort.Strings(unreachable)
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "graph %s: steps unreachable from entry: %v", g.name, unreachable)
	}

	return &Workflow{
		name:   g.name,
		schema: g.schema,
		steps:  g.steps,
		order:  g.order,
		routes: g.routes,
		edges:  g.edges,
		entry:  g.entry,
	}, nil
}

// Workflow is a compiled, immutable step graph.
type Workflow struct {
	name   string
	schema *Schema
	steps  map[string]StepFunc
	order  []string
	routes map[string]*route
	edges  map[string]string
	entry  string
}

// Name returns the workflow name.
func (w *Workflow) Name() string { return w.name }

// Schema returns the state schema.
func (w *Workflow) Schema() *Schema { return w.schema }

// Entry returns the entry step name.
func (w *Workflow) Entry() string { return w.entry }

// StepNames returns the step names in registration order.
func (w *Workflow) StepNames() []string { return append([]string(nil), w.order...) }

// Destinations returns the declared outgoing destinations of a step:
// the router's set, or the single edge target.
func (w *Workflow) Destinations(step string) []string {
	if r, ok := w.routes[step]; ok {
		return append([]string(nil), r.dests...)
	}
	if to, ok := w.edges[step]; ok {
		return []string{to}
	}
	return nil
}

// HasStep reports whether the workflow registers the named step.
func (w *Workflow) HasStep(name string) bool {
	_, ok := w.steps[name]
	return ok
}

// next consults the attachment after the given step. A router returning
// a destination outside its declared set is a routing misconfiguration,
// surfaced immediately and never silently defaulted.
func (w *Workflow) next(after string, st State) (string, error) {
	if to, ok := w.edges[after]; ok {
		return to, nil
	}
	r, ok := w.routes[after]
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeRoutingMisconfig, "workflow %s: no attachment after step %q", w.name, after)
	}
	dest := r.fn(st)
	if !r.allows(dest) {
		return "", schema.NewErrorf(schema.ErrCodeRoutingMisconfig,
			"workflow %s: router after %q returned %q, not in declared set %v", w.name, after, dest, r.dests)
	}
	return dest, nil
}
