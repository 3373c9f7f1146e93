// Package registry holds the in-memory table of live executions.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowpilot/internal/expressions"
	"github.com/rendis/flowpilot/pkg/schema"
)

// Registry is the only shared mutable table. Reads may run concurrently with
// a single writer per execution.
type Registry struct {
	mu    sync.RWMutex
	execs map[string]*Execution
	seq   atomic.Uint64
}

func New() *Registry {
	return &Registry{execs: make(map[string]*Execution)}
}

// Create registers a new execution positioned at def.InitialStep. The
// initial context is copied.
func (r *Registry) Create(def *schema.WorkflowDefinition, serviceType string, initial map[string]any) (*Execution, error) {
	if def == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotLoaded, "no definition for service type %q", serviceType)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate execution id: %w", err)
	}
	if serviceType == "" {
		serviceType = def.ServiceType
	}

	now := time.Now()
	ctx := expressions.CopyMap(initial)
	if ctx == nil {
		ctx = make(map[string]any)
	}
	exec := &Execution{
		id:          id.String(),
		seq:         r.seq.Add(1),
		serviceType: serviceType,
		def:         def,
		createdAt:   now,
		currentStep: def.InitialStep,
		state:       schema.StateIdle,
		context:     ctx,
		updatedAt:   now,
	}

	r.mu.Lock()
	r.execs[exec.id] = exec
	r.mu.Unlock()
	return exec, nil
}

// Get returns the execution with id, or nil.
func (r *Registry) Get(id string) *Execution {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.execs[id]
}

// Lookup exposes an execution's current step and a copy of its context.
func (r *Registry) Lookup(id string) (string, map[string]any, bool) {
	exec := r.Get(id)
	if exec == nil {
		return "", nil, false
	}
	return exec.CurrentStep(), exec.Context(), true
}

// LatestActive returns the most recently created tracked execution, or nil
// when the table is empty.
func (r *Registry) LatestActive() *Execution {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var latest *Execution
	for _, e := range r.execs {
		if latest == nil || e.seq > latest.seq {
			latest = e
		}
	}
	return latest
}

// Remove drops id from the table and reports whether it was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.execs[id]
	delete(r.execs, id)
	return ok
}

// List returns the tracked executions in creation order.
func (r *Registry) List() []*Execution {
	r.mu.RLock()
	out := make([]*Execution, 0, len(r.execs))
	for _, e := range r.execs {
		out = append(out, e)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// ListState returns the tracked executions currently in state s.
func (r *Registry) ListState(s schema.ExecutionState) []*Execution {
	var out []*Execution
	for _, e := range r.List() {
		if e.State() == s {
			out = append(out, e)
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.execs)
}
