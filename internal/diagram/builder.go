package diagram

import (
	"fmt"

	"github.com/rendis/flowpilot/internal/store"
	"github.com/rendis/flowpilot/pkg/schema"
)

// Overlay is the runtime position of one execution, painted over its
// definition.
type Overlay struct {
	State       schema.ExecutionState
	CurrentStep string
	Visits      map[string]int // step id -> times entered
}

// OverlayFromSnapshot builds an Overlay from a live execution.
func OverlayFromSnapshot(snap *schema.ExecutionSnapshot) *Overlay {
	o := &Overlay{State: snap.State, CurrentStep: snap.CurrentStep, Visits: make(map[string]int)}
	for _, h := range snap.History {
		o.Visits[h.Step]++
	}
	if o.Visits[snap.CurrentStep] == 0 && snap.CurrentStep != "" {
		o.Visits[snap.CurrentStep] = 1
	}
	return o
}

// OverlayFromTrail builds an Overlay from a replayed journal. The last
// entered step is taken as the current one.
func OverlayFromTrail(trail *store.Trail) *Overlay {
	o := &Overlay{Visits: make(map[string]int)}
	for _, h := range trail.Steps {
		o.Visits[h.Step]++
		o.CurrentStep = h.Step
	}
	switch trail.LastEvent {
	case schema.EventExecutionCompleted:
		o.State = schema.StateCompleted
	case schema.EventExecutionFaulted:
		o.State = schema.StateFaulted
	case schema.EventExecutionAbandoned:
		o.State = schema.StateAbandoned
	case schema.EventExecutionPaused, schema.EventDecisionPending:
		o.State = schema.StatePaused
	default:
		o.State = schema.StateIdle
	}
	return o
}

// Build constructs a DiagramModel from a definition and an optional overlay.
// Steps are laid out in breadth-first levels from the initial step; steps no
// transition reaches are placed on a trailing level.
func Build(def *schema.WorkflowDefinition, overlay *Overlay) (*DiagramModel, error) {
	if def == nil {
		return nil, fmt.Errorf("diagram: nil definition")
	}
	if def.StepByID(def.InitialStep) == nil {
		return nil, fmt.Errorf("diagram: initial step %q not defined", def.InitialStep)
	}

	model := &DiagramModel{Title: titleFromDef(def)}
	model.Nodes = append(model.Nodes, &Node{ID: StartID, Label: "Start", Kind: NodeKindStart})
	for i := range def.Steps {
		step := &def.Steps[i]
		node := stepToNode(step)
		overlayStatus(node, overlay)
		model.Nodes = append(model.Nodes, node)
	}
	model.Nodes = append(model.Nodes, &Node{ID: EndID, Label: "End", Kind: NodeKindEnd})

	model.Edges = buildEdges(def)
	model.Levels = buildLevels(def)
	return model, nil
}

func stepToNode(step *schema.Step) *Node {
	kind := NodeKind(step.Kind)
	switch {
	case step.IsDecision() && step.Kind != schema.StepKindInput:
		kind = NodeKindDecision
	case step.Kind == "":
		kind = NodeKindProcess
	}
	return &Node{ID: step.ID, Label: nodeLabel(step), Kind: kind}
}

// nodeLabel puts the decision prompt, if any, under the step id.
func nodeLabel(step *schema.Step) string {
	if step.DecisionPrompt != "" {
		return fmt.Sprintf("%s\n%s", step.ID, step.DecisionPrompt)
	}
	return step.ID
}

func overlayStatus(node *Node, o *Overlay) {
	if o == nil {
		return
	}
	visits := o.Visits[node.ID]
	if node.ID != o.CurrentStep {
		if visits > 0 {
			node.Status = &StatusOverlay{Status: StatusVisited, Visits: visits}
		}
		return
	}
	status := StatusCurrent
	switch o.State {
	case schema.StatePaused:
		status = StatusPaused
	case schema.StateCompleted:
		status = StatusCompleted
	case schema.StateFaulted:
		status = StatusFaulted
	}
	node.Status = &StatusOverlay{Status: status, Visits: max(visits, 1)}
}

// buildEdges draws start -> initial, every transition, and final -> end.
func buildEdges(def *schema.WorkflowDefinition) []Edge {
	edges := []Edge{{From: StartID, To: def.InitialStep}}
	for _, t := range def.Transitions {
		edges = append(edges, Edge{From: t.From, To: t.To, Label: t.When, Auto: t.AutoContinue})
	}
	for _, id := range def.FinalSteps {
		edges = append(edges, Edge{From: id, To: EndID})
	}
	return edges
}

// buildLevels assigns each step its breadth-first distance from the
// initial step, wrapped with the virtual start and end levels.
func buildLevels(def *schema.WorkflowDefinition) [][]string {
	depth := map[string]int{def.InitialStep: 0}
	queue := []string{def.InitialStep}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, t := range def.TransitionsFrom(id) {
			if _, seen := depth[t.To]; !seen {
				depth[t.To] = depth[id] + 1
				queue = append(queue, t.To)
			}
		}
	}

	var stepLevels [][]string
	var unreached []string
	for _, s := range def.Steps {
		d, ok := depth[s.ID]
		if !ok {
			unreached = append(unreached, s.ID)
			continue
		}
		for len(stepLevels) <= d {
			stepLevels = append(stepLevels, nil)
		}
		stepLevels[d] = append(stepLevels[d], s.ID)
	}
	if len(unreached) > 0 {
		stepLevels = append(stepLevels, unreached)
	}

	levels := make([][]string, 0, len(stepLevels)+2)
	levels = append(levels, []string{StartID})
	levels = append(levels, stepLevels...)
	levels = append(levels, []string{EndID})
	return levels
}

func titleFromDef(def *schema.WorkflowDefinition) string {
	switch {
	case def.Name != "" && def.Version != "":
		return fmt.Sprintf("%s v%s", def.Name, def.Version)
	case def.Name != "":
		return def.Name
	case def.ServiceType != "":
		return def.ServiceType
	}
	return "Workflow"
}
