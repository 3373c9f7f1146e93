package engine

import (
	"context"
	"slices"
	"sync"

	"github.com/rendis/flowpilot/internal/registry"
	"github.com/rendis/flowpilot/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(ctx context.Context, exec *registry.Execution, from, to schema.ExecutionState) error

type hookKey struct {
	from, to schema.ExecutionState
}

// ExecutionFSM enforces the execution lifecycle and records every
// transition.
type ExecutionFSM struct {
	mu     sync.Mutex
	rec    *recorder
	before map[hookKey][]TransitionHook
	after  map[hookKey][]TransitionHook
}

// newExecutionFSM creates an FSM that reports transitions through rec.
func newExecutionFSM(rec *recorder) *ExecutionFSM {
	return &ExecutionFSM{
		rec:    rec,
		before: make(map[hookKey][]TransitionHook),
		after:  make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition. A hook error aborts it.
func (f *ExecutionFSM) OnBefore(from, to schema.ExecutionState, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionState, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

func (f *ExecutionFSM) hooks(from, to schema.ExecutionState) (before, after []TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	return append([]TransitionHook(nil), f.before[key]...), append([]TransitionHook(nil), f.after[key]...)
}

// Transition moves exec from its current state to to. The move is a
// compare-and-set, so a concurrent transition makes it fail with CONFLICT.
func (f *ExecutionFSM) Transition(ctx context.Context, exec *registry.Execution, to schema.ExecutionState, payload map[string]any) error {
	from := exec.State()
	if !IsValidTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithExecution(exec.ID()).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
	}

	before, after := f.hooks(from, to)
	for _, hook := range before {
		if err := hook(ctx, exec, from, to); err != nil {
			return err
		}
	}

	if !exec.CompareAndSetState(from, to) {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"execution changed state concurrently (wanted %s -> %s, now %s)", from, to, exec.State()).
			WithExecution(exec.ID())
	}

	f.emit(ctx, exec, from, to, payload)

	for _, hook := range after {
		if err := hook(ctx, exec, from, to); err != nil {
			return err
		}
	}
	return nil
}

// Begin claims the driver for exec by flipping one of from to running.
// Losing the race returns CONFLICT.
func (f *ExecutionFSM) Begin(ctx context.Context, exec *registry.Execution, from ...schema.ExecutionState) (schema.ExecutionState, error) {
	prev, ok := exec.TryBegin(from...)
	if !ok {
		return prev, schema.NewErrorf(schema.ErrCodeConflict, "execution is %s", prev).
			WithExecution(exec.ID()).
			WithDetails(map[string]any{"state": string(prev)})
	}
	f.emit(ctx, exec, prev, schema.StateRunning, nil)
	return prev, nil
}

// BeginAt is Begin for a resumption of step. The state flip and the step
// comparison happen under one lock, so of two resumptions racing for the
// same pause only one proceeds; the other gets STALE_RESUMPTION.
func (f *ExecutionFSM) BeginAt(ctx context.Context, exec *registry.Execution, step string, from ...schema.ExecutionState) (schema.ExecutionState, error) {
	prev, at, ok := exec.TryBeginAt(step, from...)
	if ok {
		f.emit(ctx, exec, prev, schema.StateRunning, nil)
		return prev, nil
	}
	if at != step && slices.Contains(from, prev) {
		return prev, schema.NewErrorf(schema.ErrCodeStaleResumption,
			"decision for step %q but execution is at %q", step, at).
			WithExecution(exec.ID()).WithStep(step).
			WithDetails(map[string]any{"current_step": at})
	}
	return prev, schema.NewErrorf(schema.ErrCodeConflict, "execution is %s", prev).
		WithExecution(exec.ID()).WithDetails(map[string]any{"state": string(prev)})
}

func (f *ExecutionFSM) emit(ctx context.Context, exec *registry.Execution, from, to schema.ExecutionState, payload map[string]any) {
	eventType := executionEventType(from, to)
	if eventType == "" {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["from"] = string(from)
	payload["to"] = string(to)
	f.rec.emit(ctx, exec, exec.CurrentStep(), eventType, payload)
}

// IsValidTransition reports whether the lifecycle allows from -> to.
func IsValidTransition(from, to schema.ExecutionState) bool {
	for _, a := range ValidTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func executionEventType(from, to schema.ExecutionState) string {
	switch to {
	case schema.StateRunning:
		if from == schema.StatePaused {
			return schema.EventExecutionResumed
		}
		return ""
	case schema.StatePaused:
		return schema.EventExecutionPaused
	case schema.StateIdle:
		return schema.EventExecutionIdle
	case schema.StateCompleted:
		return schema.EventExecutionCompleted
	case schema.StateFaulted:
		return schema.EventExecutionFaulted
	case schema.StateAbandoned:
		return schema.EventExecutionAbandoned
	default:
		return ""
	}
}

// ValidTransitions is the execution lifecycle. Paused only returns to
// running through a resume; idle through Continue.
var ValidTransitions = map[schema.ExecutionState][]schema.ExecutionState{
	schema.StateIdle:      {schema.StateRunning, schema.StateAbandoned},
	schema.StateRunning:   {schema.StatePaused, schema.StateIdle, schema.StateCompleted, schema.StateFaulted, schema.StateAbandoned},
	schema.StatePaused:    {schema.StateRunning, schema.StateAbandoned},
	schema.StateFaulted:   {schema.StateAbandoned},
	schema.StateCompleted: {},
	schema.StateAbandoned: {},
}
