package registry

import (
	"sync"
	"time"

	"github.com/rendis/flowpilot/internal/expressions"
	"github.com/rendis/flowpilot/pkg/schema"
)

// Execution is the live record of one workflow run. Identity fields are
// immutable; everything else is guarded by mu and reached through methods.
type Execution struct {
	id          string
	seq         uint64
	serviceType string
	def         *schema.WorkflowDefinition
	createdAt   time.Time

	mu          sync.Mutex
	currentStep string
	state       schema.ExecutionState
	context     map[string]any
	history     []schema.HistoryEntry
	lastError   string
	decided     string // step whose decision has been applied but not yet executed
	updatedAt   time.Time
}

func (e *Execution) ID() string                             { return e.id }
func (e *Execution) ServiceType() string                    { return e.serviceType }
func (e *Execution) Definition() *schema.WorkflowDefinition { return e.def }

// Seq is the registry-wide creation order of the execution.
func (e *Execution) Seq() uint64 { return e.seq }

func (e *Execution) CurrentStep() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentStep
}

func (e *Execution) State() schema.ExecutionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// TryBegin atomically moves the execution to running if its state is one of
// from. It reports whether the caller now owns the driver.
func (e *Execution) TryBegin(from ...schema.ExecutionState) (schema.ExecutionState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range from {
		if e.state == s {
			prev := e.state
			e.state = schema.StateRunning
			e.updatedAt = time.Now()
			return prev, true
		}
	}
	return e.state, false
}

// TryBeginAt is TryBegin that also requires the execution to sit at step.
// It returns the state and current step observed under the lock.
func (e *Execution) TryBeginAt(step string, from ...schema.ExecutionState) (schema.ExecutionState, string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.currentStep != step {
		return e.state, e.currentStep, false
	}
	for _, s := range from {
		if e.state == s {
			prev := e.state
			e.state = schema.StateRunning
			e.updatedAt = time.Now()
			return prev, e.currentStep, true
		}
	}
	return e.state, e.currentStep, false
}

// CompareAndSetState moves the execution from from to to and reports
// whether the current state was from.
func (e *Execution) CompareAndSetState(from, to schema.ExecutionState) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != from {
		return false
	}
	e.state = to
	e.updatedAt = time.Now()
	return true
}

// SetState records a new lifecycle state. Validation of the move is the
// caller's job.
func (e *Execution) SetState(s schema.ExecutionState) {
	e.mu.Lock()
	e.state = s
	e.updatedAt = time.Now()
	e.mu.Unlock()
}

// SetLastError records err without changing the state.
func (e *Execution) SetLastError(err error) {
	e.mu.Lock()
	if err == nil {
		e.lastError = ""
	} else {
		e.lastError = err.Error()
	}
	e.mu.Unlock()
}

// Enter appends a history entry for step.
func (e *Execution) Enter(step string, at time.Time) {
	e.mu.Lock()
	e.history = append(e.history, schema.HistoryEntry{Step: step, Timestamp: at})
	e.updatedAt = at
	e.mu.Unlock()
}

// Advance moves the current step pointer and forgets any applied decision.
func (e *Execution) Advance(step string) {
	e.mu.Lock()
	e.currentStep = step
	e.decided = ""
	e.updatedAt = time.Now()
	e.mu.Unlock()
}

// MarkDecided records that the decision for step has been applied, so the
// next walk executes step instead of pausing on it again.
func (e *Execution) MarkDecided(step string) {
	e.mu.Lock()
	e.decided = step
	e.mu.Unlock()
}

// Decided reports whether the decision for the current step was applied.
func (e *Execution) Decided() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.decided != "" && e.decided == e.currentStep
}

// Merge applies a context delta and returns the keys it wrote. Existing keys
// are overwritten, never removed.
func (e *Execution) Merge(delta map[string]any) []string {
	if len(delta) == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.updatedAt = time.Now()
	return expressions.MergeDelta(e.context, delta)
}

// Context returns a deep copy of the execution context.
func (e *Execution) Context() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return expressions.CopyMap(e.context)
}

// HistoryLen returns the number of history entries.
func (e *Execution) HistoryLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.history)
}

// Snapshot returns a detached copy safe to hand to callers.
func (e *Execution) Snapshot() schema.ExecutionSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := schema.ExecutionSnapshot{
		WorkflowID:  e.def.Name,
		ExecutionID: e.id,
		ServiceType: e.serviceType,
		CurrentStep: e.currentStep,
		State:       e.state,
		Context:     expressions.CopyMap(e.context),
		History:     append([]schema.HistoryEntry(nil), e.history...),
		LastError:   e.lastError,
		CreatedAt:   e.createdAt,
		UpdatedAt:   e.updatedAt,
	}
	return snap
}
