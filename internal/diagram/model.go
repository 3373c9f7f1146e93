package diagram

import "github.com/rendis/flowpilot/pkg/schema"

// NodeKind classifies a diagram node by its step kind.
type NodeKind string

const (
	NodeKindInput    NodeKind = NodeKind(schema.StepKindInput)
	NodeKindProcess  NodeKind = NodeKind(schema.StepKindProcess)
	NodeKindOutput   NodeKind = NodeKind(schema.StepKindOutput)
	NodeKindError    NodeKind = NodeKind(schema.StepKindError)
	NodeKindDecision NodeKind = NodeKind(schema.StepKindDecision)
	NodeKindStart    NodeKind = "start"
	NodeKindEnd      NodeKind = "end"
)

// Virtual node ids.
const (
	StartID = "__start__"
	EndID   = "__end__"
)

// Node statuses set by an Overlay.
const (
	StatusVisited   = "visited"
	StatusCurrent   = "current"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusFaulted   = "faulted"
)

// swatch is how a status is painted, shared by the mermaid and graphviz
// renderers.
type swatch struct {
	status             string
	fill, stroke, text string
}

// palette lists statuses in classDef order.
var palette = []swatch{
	{StatusVisited, "#d3d3d3", "#6b6b6b", "#000"},
	{StatusCurrent, "#1a5276", "#0e3a52", "#fff"},
	{StatusPaused, "#b7791a", "#8a5c14", "#fff"},
	{StatusCompleted, "#2d6a2d", "#1a4a1a", "#fff"},
	{StatusFaulted, "#8b1a1a", "#5c0e0e", "#fff"},
}

func swatchFor(status string) (swatch, bool) {
	for _, sw := range palette {
		if sw.status == status {
			return sw, true
		}
	}
	return swatch{}, false
}

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single step in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries where an execution has been.
type StatusOverlay struct {
	Status string
	Visits int
}

// Edge is a transition between two nodes. Label holds the guard.
type Edge struct {
	From  string
	To    string
	Label string
	Auto  bool
}

// node returns the node with id, or nil.
func (m *DiagramModel) node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
