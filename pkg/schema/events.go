package schema

// Event type constants for the execution journal and the streaming hub.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionPaused    = "execution_paused"
	EventExecutionResumed   = "execution_resumed"
	EventExecutionIdle      = "execution_idle"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFaulted   = "execution_faulted"
	EventExecutionAbandoned = "execution_abandoned"

	EventStepEntered  = "step_entered"
	EventStepExecuted = "step_executed"
	EventStepFailed   = "step_failed"

	EventDecisionPending  = "decision_pending"
	EventDecisionUpdated  = "decision_updated"
	EventDecisionResolved = "decision_resolved"
	EventDecisionRejected = "decision_rejected"
	EventDecisionOverdue  = "decision_overdue"

	EventCorrelationMiss    = "correlation_miss"
	EventRecursionLimit     = "recursion_limit_reached"
	EventCircuitBreakerOpen = "circuit_breaker_open"
)

// Remote event types carried in a step result's events[] and on the push channel.
const (
	RemoteEventDecisionRequired  = "user_decision_required"
	RemoteEventSelectionRequired = "user_selection_required"
)

// ExecutionState is the lifecycle state of an execution.
type ExecutionState string

const (
	StateRunning   ExecutionState = "running"
	StatePaused    ExecutionState = "paused"
	StateIdle      ExecutionState = "idle"
	StateCompleted ExecutionState = "completed"
	StateFaulted   ExecutionState = "faulted"
	StateAbandoned ExecutionState = "abandoned"
)

// IsTerminal reports whether no further transitions are possible.
func (s ExecutionState) IsTerminal() bool {
	return s == StateCompleted || s == StateFaulted || s == StateAbandoned
}

// DecisionType distinguishes a yes/no style decision from a content selection.
type DecisionType string

const (
	DecisionTypeDecision  DecisionType = "decision"
	DecisionTypeSelection DecisionType = "selection"
)

// DecisionTypeForEvent maps a remote event type to a DecisionType.
// ok is false for event types that do not describe a pending decision.
func DecisionTypeForEvent(eventType string) (DecisionType, bool) {
	switch eventType {
	case RemoteEventDecisionRequired:
		return DecisionTypeDecision, true
	case RemoteEventSelectionRequired:
		return DecisionTypeSelection, true
	}
	return "", false
}
