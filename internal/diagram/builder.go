package diagram

import (
	"github.com/quantgraph/quantgraph/internal/engine"
	"github.com/quantgraph/quantgraph/internal/store"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Option annotates the model with knowledge the compiled graph does not
// carry itself, such as which steps can suspend.
type Option func(*builder)

// WithSuspendable marks steps that may park the run on a prompt.
func WithSuspendable(steps ...string) Option {
	return func(b *builder) {
		for _, s := range steps {
			b.suspendable[s] = true
		}
	}
}

// WithSubworkflows marks steps that delegate to a child workflow.
func WithSubworkflows(steps ...string) Option {
	return func(b *builder) {
		for _, s := range steps {
			b.subworkflows[s] = true
		}
	}
}

// WithStatus overlays replayed step views onto matching nodes.
func WithStatus(views map[string]*store.StepView) Option {
	return func(b *builder) {
		for step, v := range views {
			b.views[step] = v
		}
	}
}

type builder struct {
	suspendable  map[string]bool
	subworkflows map[string]bool
	views        map[string]*store.StepView
}

// Build constructs a Model from a compiled workflow. Topology comes
// entirely from the declared destinations; options add suspension,
// sub-workflow and status annotations.
func Build(wf *engine.Workflow, opts ...Option) *Model {
	b := &builder{
		suspendable:  make(map[string]bool),
		subworkflows: make(map[string]bool),
		views:        make(map[string]*store.StepView),
	}
	for _, o := range opts {
		o(b)
	}

	nodes := make([]*Node, 0, len(wf.StepNames())+2)
	nodes = append(nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	for _, name := range wf.StepNames() {
		nodes = append(nodes, b.stepNode(wf, name))
	}
	nodes = append(nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	return &Model{
		Title:  wf.Name(),
		Nodes:  nodes,
		Edges:  buildEdges(wf),
		Levels: buildLevels(wf),
	}
}

func (b *builder) stepNode(wf *engine.Workflow, name string) *Node {
	kind := NodeKindStep
	if len(wf.Destinations(name)) > 1 {
		kind = NodeKindDecision
	}
	if b.subworkflows[name] {
		kind = NodeKindSubworkflow
	}
	if b.suspendable[name] {
		kind = NodeKindSuspend
	}

	node := &Node{ID: name, Label: name, Kind: kind}
	if v, ok := b.views[name]; ok {
		node.Status = &StatusOverlay{
			Status:     string(v.Status),
			DurationMs: v.DurationMs,
			Error:      string(v.Error),
		}
	}
	return node
}

// buildEdges lists every declared transition, including the virtual
// start and end attachments.
func buildEdges(wf *engine.Workflow) []Edge {
	edges := []Edge{{From: startID, To: wf.Entry()}}
	for _, name := range wf.StepNames() {
		for _, dest := range wf.Destinations(name) {
			to := dest
			if dest == engine.End {
				to = endID
			}
			edges = append(edges, Edge{From: name, To: to})
		}
	}
	return edges
}

// buildLevels runs a BFS from the entry step, assigning each step to
// the level of its first visit. Cycles (retry loops back to earlier
// steps) are safe: visited steps are never re-queued.
func buildLevels(wf *engine.Workflow) [][]string {
	levels := [][]string{{startID}}
	seen := map[string]bool{wf.Entry(): true}
	frontier := []string{wf.Entry()}

	for len(frontier) > 0 {
		levels = append(levels, frontier)
		var next []string
		for _, name := range frontier {
			for _, dest := range wf.Destinations(name) {
				if dest == engine.End || seen[dest] {
					continue
				}
				seen[dest] = true
				next = append(next, dest)
			}
		}
		frontier = next
	}

	levels = append(levels, []string{endID})
	return levels
}
