// Package diagram renders compiled workflows as Mermaid flowcharts,
// graphviz images and plain ASCII, optionally overlaying replayed step
// status from the event log.
package diagram

// NodeKind classifies a diagram node by its role in the graph.
type NodeKind string

const (
	NodeKindStep        NodeKind = "step"
	NodeKindDecision    NodeKind = "decision"    // step followed by a router
	NodeKindSuspend     NodeKind = "suspend"     // step that may suspend the run
	NodeKindSubworkflow NodeKind = "subworkflow" // step wrapping a child workflow
	NodeKindStart       NodeKind = "start"
	NodeKindEnd         NodeKind = "end"
)

// Model is the intermediate representation shared by all renderers.
type Model struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node is a single box in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries replayed run state for a node.
type StatusOverlay struct {
	Status     string // from schema.StepStatus
	DurationMs int64
	Error      string
}

// Edge is a declared transition between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}
