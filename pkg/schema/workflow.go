package schema

// WorkflowDefinition is the serializable description of a guided transaction.
// It is immutable once loaded; call Index before using StepByID.
type WorkflowDefinition struct {
	Name        string         `json:"name" yaml:"name"`
	Version     string         `json:"version,omitempty" yaml:"version,omitempty"`
	ServiceType string         `json:"serviceType,omitempty" yaml:"serviceType,omitempty"`
	Steps       []Step         `json:"steps" yaml:"steps"`
	Transitions []Transition   `json:"transitions,omitempty" yaml:"transitions,omitempty"`
	InitialStep string         `json:"initialStep" yaml:"initialStep"`
	FinalSteps  []string       `json:"finalSteps" yaml:"finalSteps"`
	Metadata    map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	stepsByID map[string]*Step
	finals    map[string]struct{}
}

// StepKind enumerates the kinds of steps in a workflow.
type StepKind string

const (
	StepKindInput    StepKind = "input"
	StepKindProcess  StepKind = "process"
	StepKindOutput   StepKind = "output"
	StepKindError    StepKind = "error"
	StepKindDecision StepKind = "decision"
)

// Step describes a single named unit of work.
type Step struct {
	ID                   string           `json:"id" yaml:"id"`
	Kind                 StepKind         `json:"kind,omitempty" yaml:"kind,omitempty"`
	RequiresUserDecision bool             `json:"requiresUserDecision,omitempty" yaml:"requiresUserDecision,omitempty"`
	DecisionPrompt       string           `json:"decisionPrompt,omitempty" yaml:"decisionPrompt,omitempty"`
	DecisionOptions      []DecisionOption `json:"decisionOptions,omitempty" yaml:"decisionOptions,omitempty"`
	Timeout              string           `json:"timeout,omitempty" yaml:"timeout,omitempty"` // advisory, e.g. "5m"

	// Evaluated only by an authority, never by the orchestrator.
	Effects      map[string]string `json:"effects,omitempty" yaml:"effects,omitempty"` // context key -> expr expression
	AutoContinue bool              `json:"autoContinue,omitempty" yaml:"autoContinue,omitempty"`
}

// IsDecision reports whether the step pauses for a human choice.
func (s *Step) IsDecision() bool {
	return s.RequiresUserDecision || s.Kind == StepKindDecision
}

// DecisionOption is one choice available at a decision step.
type DecisionOption struct {
	Value string `json:"value" yaml:"value"`
	Label string `json:"label,omitempty" yaml:"label,omitempty"`
}

// Transition is a directed edge between steps, resolved by the authority.
type Transition struct {
	From         string `json:"from" yaml:"from"`
	To           string `json:"to" yaml:"to"`
	When         string `json:"when,omitempty" yaml:"when,omitempty"` // CEL guard
	AutoContinue bool   `json:"autoContinue,omitempty" yaml:"autoContinue,omitempty"`
}

// Index builds the step and final-step lookup tables. It is idempotent and
// returns the receiver for chaining.
func (d *WorkflowDefinition) Index() *WorkflowDefinition {
	d.stepsByID = make(map[string]*Step, len(d.Steps))
	for i := range d.Steps {
		d.stepsByID[d.Steps[i].ID] = &d.Steps[i]
	}
	d.finals = make(map[string]struct{}, len(d.FinalSteps))
	for _, id := range d.FinalSteps {
		d.finals[id] = struct{}{}
	}
	return d
}

// StepByID returns the step with id, or nil.
func (d *WorkflowDefinition) StepByID(id string) *Step {
	if d.stepsByID == nil {
		d.Index()
	}
	return d.stepsByID[id]
}

// IsFinal reports whether id is one of the definition's final steps.
func (d *WorkflowDefinition) IsFinal(id string) bool {
	if d.finals == nil {
		d.Index()
	}
	_, ok := d.finals[id]
	return ok
}

// TransitionsFrom returns the outgoing edges of a step in declaration order.
func (d *WorkflowDefinition) TransitionsFrom(stepID string) []Transition {
	var out []Transition
	for _, t := range d.Transitions {
		if t.From == stepID {
			out = append(out, t)
		}
	}
	return out
}
