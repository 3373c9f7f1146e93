package schema

// Session is the caller-supplied context sent with every remote call. It
// replaces ambient view-mode and session flags.
type Session struct {
	ID       string            `json:"id,omitempty"`
	UserID   string            `json:"userId,omitempty"`
	ViewMode string            `json:"viewMode,omitempty"`
	Headers  map[string]string `json:"-"`
}

// StepRequest is the body of POST /workflow/execute-step.
type StepRequest struct {
	ExecutionID string         `json:"executionId"`
	StepID      string         `json:"stepId"`
	Context     map[string]any `json:"context"`
	ServiceType string         `json:"serviceType"`
	Session     *Session       `json:"session,omitempty"`
}

// StepResult is the result block of a successful step execution.
type StepResult struct {
	UpdatedContext     map[string]any `json:"updatedContext,omitempty"`
	Events             []RemoteEvent  `json:"events,omitempty"`
	NextStepID         string         `json:"nextStepId,omitempty"`
	ShouldAutoContinue bool           `json:"shouldAutoContinue,omitempty"`
	PausedForDecision  bool           `json:"pausedForDecision,omitempty"`
	DecisionType       DecisionType   `json:"decisionType,omitempty"`
}

// StepResponse is the envelope returned by POST /workflow/execute-step.
type StepResponse struct {
	Success bool        `json:"success"`
	Result  *StepResult `json:"result,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// RemoteEvent is a notification the authority wants broadcast.
type RemoteEvent struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// DecisionSubmission is the body of POST /workflow/decision.
type DecisionSubmission struct {
	WorkflowID    string         `json:"workflowId"`
	Decision      string         `json:"decision"`
	StepID        string         `json:"stepId,omitempty"`
	SelectionData map[string]any `json:"selectionData,omitempty"`
}

// AckResponse is the minimal {success} envelope.
type AckResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// DefinitionResponse is the envelope returned by GET /workflow/{serviceType}.
type DefinitionResponse struct {
	Success    bool                `json:"success"`
	Definition *WorkflowDefinition `json:"definition,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// PushNotification is one message on the push channel. Data carries the
// correlation fields (executionId, workflowId or decisionId), stepId, prompt,
// options, timeout and any auxiliary fields.
type PushNotification struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}
