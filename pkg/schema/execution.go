package schema

import "time"

// MaxAutoContinueDepth bounds consecutive auto-continued hops per external call.
const MaxAutoContinueDepth = 10

// HistoryEntry records one step entered by an execution.
type HistoryEntry struct {
	Step      string    `json:"step"`
	Timestamp time.Time `json:"timestamp"`
}

// ExecutionSnapshot is a detached, read-only copy of an execution.
type ExecutionSnapshot struct {
	WorkflowID  string         `json:"workflowId"`
	ExecutionID string         `json:"executionId"`
	ServiceType string         `json:"serviceType"`
	CurrentStep string         `json:"currentStep"`
	State       ExecutionState `json:"state"`
	Context     map[string]any `json:"context"`
	History     []HistoryEntry `json:"history"`
	LastError   string         `json:"lastError,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// DecisionRequest is a pause point awaiting an external choice. At most one
// is outstanding per execution.
type DecisionRequest struct {
	ExecutionID string           `json:"executionId"`
	StepID      string           `json:"stepId"`
	Type        DecisionType     `json:"type"`
	Prompt      string           `json:"prompt,omitempty"`
	Options     []DecisionOption `json:"options,omitempty"`
	Timeout     string           `json:"timeout,omitempty"`
	Auxiliary   map[string]any   `json:"auxiliary,omitempty"`
	Sources     []string         `json:"sources,omitempty"` // "step_result", "push", "executor"
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// Deadline returns CreatedAt plus the parsed timeout hint. ok is false when
// no valid timeout was advertised.
func (d *DecisionRequest) Deadline() (time.Time, bool) {
	if d.Timeout == "" {
		return time.Time{}, false
	}
	dur, err := time.ParseDuration(d.Timeout)
	if err != nil || dur <= 0 {
		return time.Time{}, false
	}
	return d.CreatedAt.Add(dur), true
}

// HasOption reports whether value is among the advertised options.
// A request without options accepts any value.
func (d *DecisionRequest) HasOption(value string) bool {
	if len(d.Options) == 0 {
		return true
	}
	for _, o := range d.Options {
		if o.Value == value {
			return true
		}
	}
	return false
}

// Decision is a caller's answer to a pending DecisionRequest.
type Decision struct {
	Value         string         `json:"decision"`
	StepID        string         `json:"stepId,omitempty"` // expected current step; empty skips the check
	SelectionData map[string]any `json:"selectionData,omitempty"`
}
