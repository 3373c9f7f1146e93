package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/flowpilot/internal/decision"
	"github.com/rendis/flowpilot/internal/logging"
	"github.com/rendis/flowpilot/internal/registry"
	"github.com/rendis/flowpilot/internal/remote"
	"github.com/rendis/flowpilot/internal/retry"
	"github.com/rendis/flowpilot/internal/store"
	"github.com/rendis/flowpilot/internal/streaming"
	"github.com/rendis/flowpilot/pkg/schema"
)

// Executor drives executions through their steps.
type Executor interface {
	// Start creates an execution for an already loaded definition and walks
	// it in the background. It fails with NOT_LOADED when the definition is
	// not cached. It never waits for a walker: when the pool is full the
	// execution is returned idle for Continue or the poller.
	Start(ctx context.Context, serviceType string, initial map[string]any) (*schema.ExecutionSnapshot, error)

	// StartSync is Start with the first walk run inline.
	StartSync(ctx context.Context, serviceType string, initial map[string]any) (*WalkResult, error)

	// Resume applies a decision to a paused execution and walks on from the
	// paused step.
	Resume(ctx context.Context, executionID string, d schema.Decision) (*WalkResult, error)

	// Continue re-enters an idle execution.
	Continue(ctx context.Context, executionID string) (*WalkResult, error)

	// Abandon removes an execution without contacting the authority.
	Abandon(ctx context.Context, executionID string) error

	// Status returns a detached snapshot plus the pending decision, if any.
	Status(ctx context.Context, executionID string) (*ExecutionStatus, error)
}

// WalkResult describes where one walk left an execution.
type WalkResult struct {
	ExecutionID string                  `json:"executionId"`
	State       schema.ExecutionState   `json:"state"`
	CurrentStep string                  `json:"currentStep"`
	Hops        int                     `json:"hops"` // auto-continued hops in this walk
	Pending     *schema.DecisionRequest `json:"pending,omitempty"`
}

// Completed reports whether the walk reached a final step.
func (r *WalkResult) Completed() bool { return r.State == schema.StateCompleted }

// ExecutionStatus is returned by Status.
type ExecutionStatus struct {
	Execution schema.ExecutionSnapshot `json:"execution"`
	Pending   *schema.DecisionRequest  `json:"pending,omitempty"`
}

// Definitions is the read side of the catalog. *catalog.Catalog satisfies it.
type Definitions interface {
	Get(serviceType string) (*schema.WorkflowDefinition, bool)
}

// DefaultPoolSize is the default number of concurrent background walks.
const DefaultPoolSize = 10

// Config holds executor settings.
type Config struct {
	Session              *schema.Session
	MaxAutoContinueDepth int
	PoolSize             int
	// RemoteRetry applies to execute-step and decision calls. Steps may have
	// side effects, so the default is a single attempt.
	RemoteRetry    retry.Policy
	CircuitBreaker CircuitBreakerConfig
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
}

// Deps are the collaborators an executor needs. Journal and Hub are optional.
type Deps struct {
	Definitions Definitions
	Registry    *registry.Registry
	Authority   remote.Authority
	Decisions   *decision.Coordinator
	Journal     store.Journal
	Hub         streaming.EventHub
}

// FlowExecutor is the Executor implementation.
type FlowExecutor struct {
	defs      Definitions
	registry  *registry.Registry
	authority remote.Authority
	decisions *decision.Coordinator
	fsm       *ExecutionFSM
	rec       *recorder
	pool      *WorkerPool
	breakers  *Breakers
	tracer    trace.Tracer
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time

	// afterResumeValidated runs between a resumption's checks and its state
	// flip. Tests use it to interleave a competing resumption.
	afterResumeValidated func(executionID string)
}

// NewExecutor creates an Executor.
func NewExecutor(deps Deps, cfg Config) *FlowExecutor {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.MaxAutoContinueDepth <= 0 {
		cfg.MaxAutoContinueDepth = schema.MaxAutoContinueDepth
	}
	if cfg.RemoteRetry.MaxAttempts <= 0 {
		cfg.RemoteRetry = retry.Once
	}
	logger := logging.OrDefault(cfg.Logger)
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	rec := &recorder{journal: deps.Journal, hub: deps.Hub, logger: logger}
	return &FlowExecutor{
		defs:      deps.Definitions,
		registry:  deps.Registry,
		authority: deps.Authority,
		decisions: deps.Decisions,
		fsm:       newExecutionFSM(rec),
		rec:       rec,
		pool:      NewWorkerPool(cfg.PoolSize, logger),
		breakers:  NewBreakers(cfg.CircuitBreaker),
		tracer:    tp.Tracer("github.com/rendis/flowpilot/internal/engine"),
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// FSM exposes the lifecycle state machine for hook registration.
func (e *FlowExecutor) FSM() *ExecutionFSM { return e.fsm }

// Pool exposes the background walk pool.
func (e *FlowExecutor) Pool() *WorkerPool { return e.pool }

// Breakers exposes the per-service-type circuit breakers.
func (e *FlowExecutor) Breakers() *Breakers { return e.breakers }

// Shutdown waits for background walks and rejects new ones.
func (e *FlowExecutor) Shutdown() { e.pool.Shutdown() }

func (e *FlowExecutor) create(ctx context.Context, serviceType string, initial map[string]any) (*registry.Execution, error) {
	def, ok := e.defs.Get(serviceType)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotLoaded,
			"definition for %q is not loaded; load it before starting", serviceType)
	}
	exec, err := e.registry.Create(def, serviceType, initial)
	if err != nil {
		return nil, err
	}
	e.rec.emit(ctx, exec, exec.CurrentStep(), schema.EventExecutionStarted, map[string]any{
		"definition": def.Name, "version": def.Version,
	})
	e.logger.InfoContext(logging.WithIDs(ctx, exec.ID(), "", serviceType), "execution started",
		"initial_step", exec.CurrentStep())
	return exec, nil
}

func (e *FlowExecutor) Start(ctx context.Context, serviceType string, initial map[string]any) (*schema.ExecutionSnapshot, error) {
	exec, err := e.create(ctx, serviceType, initial)
	if err != nil {
		return nil, err
	}
	if _, err := e.fsm.Begin(ctx, exec, schema.StateIdle); err != nil {
		return nil, err
	}
	snap := exec.Snapshot()

	err = e.pool.TrySubmit(ctx, "start "+exec.ID(), func(ctx context.Context) error {
		_, err := e.walk(ctx, exec)
		return err
	})
	if err != nil {
		// Leave it idle so Continue or the poller can pick it up.
		_ = e.fsm.Transition(ctx, exec, schema.StateIdle, map[string]any{"reason": err.Error()})
		if !errors.Is(err, ErrPoolSaturated) {
			return nil, err
		}
		e.logger.WarnContext(logging.WithIDs(ctx, exec.ID(), snap.CurrentStep, serviceType),
			"no free walker, execution left idle")
		snap = exec.Snapshot()
	}
	return &snap, nil
}

func (e *FlowExecutor) StartSync(ctx context.Context, serviceType string, initial map[string]any) (*WalkResult, error) {
	exec, err := e.create(ctx, serviceType, initial)
	if err != nil {
		return nil, err
	}
	if _, err := e.fsm.Begin(ctx, exec, schema.StateIdle); err != nil {
		return nil, err
	}
	return e.walk(ctx, exec)
}

func (e *FlowExecutor) Continue(ctx context.Context, executionID string) (*WalkResult, error) {
	exec, err := e.lookup(executionID)
	if err != nil {
		return nil, err
	}
	if _, err := e.fsm.Begin(ctx, exec, schema.StateIdle); err != nil {
		return nil, err
	}
	return e.walk(ctx, exec)
}

func (e *FlowExecutor) Abandon(ctx context.Context, executionID string) error {
	exec, err := e.lookup(executionID)
	if err != nil {
		return err
	}
	if err := e.fsm.Transition(ctx, exec, schema.StateAbandoned, nil); err != nil {
		return err
	}
	e.registry.Remove(executionID)
	e.decisions.Clear(ctx, executionID)
	e.logger.InfoContext(logging.WithIDs(ctx, executionID, exec.CurrentStep(), exec.ServiceType()), "execution abandoned")
	return nil
}

func (e *FlowExecutor) Status(_ context.Context, executionID string) (*ExecutionStatus, error) {
	exec, err := e.lookup(executionID)
	if err != nil {
		return nil, err
	}
	st := &ExecutionStatus{Execution: exec.Snapshot()}
	if p, ok := e.decisions.Pending(executionID); ok {
		st.Pending = p
	}
	return st, nil
}

func (e *FlowExecutor) lookup(executionID string) (*registry.Execution, error) {
	exec := e.registry.Get(executionID)
	if exec == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found (completed or abandoned)", executionID).
			WithExecution(executionID)
	}
	return exec, nil
}

var _ Executor = (*FlowExecutor)(nil)
