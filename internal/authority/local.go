// Package authority is an in-process step authority. It evaluates a
// definition's step effects and transition guards itself, which makes it a
// stand-in for the remote service during development and in end-to-end
// tests.
package authority

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rendis/flowpilot/internal/expressions"
	"github.com/rendis/flowpilot/internal/logging"
	"github.com/rendis/flowpilot/internal/remote"
	"github.com/rendis/flowpilot/pkg/schema"
)

// Config configures a Local authority.
type Config struct {
	// Broadcaster, when set, receives a push notification for every decision
	// the authority asks for, in addition to the step result's events.
	Broadcaster *Broadcaster
	Logger      *slog.Logger
	Now         func() time.Time
}

// submitted is a decision accepted through SubmitDecision.
type submitted struct {
	value     string
	selection map[string]any
	at        time.Time
}

// run is the authority's record of one execution it has seen.
type run struct {
	serviceType string
	lastStep    string
	decisions   map[string]submitted // by step id
}

// Local implements remote.Authority over registered definitions.
type Local struct {
	cel    *expressions.CELEngine
	expr   *expressions.ExprEngine
	push   *Broadcaster
	logger *slog.Logger
	now    func() time.Time

	mu   sync.RWMutex
	defs map[string]*schema.WorkflowDefinition
	runs map[string]*run
}

// NewLocal creates a Local authority serving defs.
func NewLocal(cfg Config, defs ...*schema.WorkflowDefinition) (*Local, error) {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	l := &Local{
		cel:    cel,
		expr:   expressions.NewExprEngine(),
		push:   cfg.Broadcaster,
		logger: logging.OrDefault(cfg.Logger),
		now:    cfg.Now,
		defs:   make(map[string]*schema.WorkflowDefinition),
		runs:   make(map[string]*run),
	}
	for _, d := range defs {
		if err := l.Register(d); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Register adds or replaces a definition. Guards are compiled up front so
// a broken expression fails here rather than mid-flow.
func (l *Local) Register(def *schema.WorkflowDefinition) error {
	if def == nil || def.ServiceType == "" {
		return schema.NewError(schema.ErrCodeValidation, "definition needs a serviceType")
	}
	for _, t := range def.Transitions {
		if t.When == "" {
			continue
		}
		if err := l.cel.Check(t.When); err != nil {
			return schema.AsFlowError(err).WithStep(t.From)
		}
	}
	def.Index()
	l.mu.Lock()
	l.defs[def.ServiceType] = def
	l.mu.Unlock()
	return nil
}

// ServiceTypes lists the registered service types in order.
func (l *Local) ServiceTypes() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.defs))
	for k := range l.defs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (l *Local) FetchDefinition(_ context.Context, serviceType string) (*schema.WorkflowDefinition, error) {
	l.mu.RLock()
	def, ok := l.defs[serviceType]
	l.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no definition for service type %q", serviceType)
	}
	return def, nil
}

// ExecuteStep runs one step. A decision step that has no decision yet
// returns its effects together with a decision event and
// pausedForDecision; once decided, the first outgoing transition whose
// guard holds becomes nextStepId.
func (l *Local) ExecuteStep(ctx context.Context, req schema.StepRequest) (*schema.StepResult, error) {
	def, err := l.FetchDefinition(ctx, req.ServiceType)
	if err != nil {
		return nil, remote.Rejected("execute step", err.Error())
	}
	step := def.StepByID(req.StepID)
	if step == nil {
		return nil, remote.Rejected("execute step", "unknown step "+req.StepID)
	}
	log := logging.LogWith(logging.WithIDs(ctx, req.ExecutionID, req.StepID, req.ServiceType), l.logger)
	if req.Session != nil && req.Session.ID != "" {
		log = log.With("session_id", req.Session.ID)
	}

	r := l.track(req)
	decided, hasDecision := l.decisionFor(r, req)

	env := expressions.CopyMap(req.Context)
	if env == nil {
		env = map[string]any{}
	}
	delta, err := l.expr.EvaluateEffects(ctx, step.Effects, env)
	if err != nil {
		log.WarnContext(ctx, "step effects failed", "error", err)
		return nil, remote.Rejected("execute step", err.Error())
	}

	res := &schema.StepResult{UpdatedContext: delta}

	if step.IsDecision() && !hasDecision {
		res.PausedForDecision = true
		res.DecisionType = decisionTypeOf(step)
		expressions.MergeDelta(env, delta)
		note := l.decisionNotification(req, step, res.DecisionType, env)
		res.Events = []schema.RemoteEvent{{Type: note.Type, Data: note.Data}}
		if l.push != nil {
			l.push.Broadcast(ctx, note)
		}
		log.InfoContext(ctx, "decision requested", "type", res.DecisionType)
		return res, nil
	}

	if def.IsFinal(step.ID) {
		log.InfoContext(ctx, "final step executed")
		return res, nil
	}

	expressions.MergeDelta(env, delta)
	next, auto, err := l.route(ctx, def, step, env, decided)
	if err != nil {
		log.WarnContext(ctx, "transition guard failed", "error", err)
		return nil, remote.Rejected("execute step", err.Error())
	}
	res.NextStepID = next
	res.ShouldAutoContinue = auto || step.AutoContinue
	if step.IsDecision() && next != "" {
		l.consume(r, step.ID)
	}
	return res, nil
}

// SubmitDecision records a decision for the execution named by WorkflowID.
func (l *Local) SubmitDecision(_ context.Context, sub schema.DecisionSubmission) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.runs[sub.WorkflowID]
	if !ok {
		return remote.Rejected("submit decision", "unknown workflow "+sub.WorkflowID)
	}
	stepID := sub.StepID
	if stepID == "" {
		stepID = r.lastStep
	}
	r.decisions[stepID] = submitted{value: sub.Decision, selection: expressions.CopyMap(sub.SelectionData), at: l.now()}
	return nil
}

// Forget drops the authority's record of an execution.
func (l *Local) Forget(executionID string) {
	l.mu.Lock()
	delete(l.runs, executionID)
	l.mu.Unlock()
}

func (l *Local) track(req schema.StepRequest) *run {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.runs[req.ExecutionID]
	if !ok {
		r = &run{serviceType: req.ServiceType, decisions: make(map[string]submitted)}
		l.runs[req.ExecutionID] = r
	}
	r.lastStep = req.StepID
	return r
}

// decisionFor finds the decision for the requested step, preferring one
// submitted to the authority over the value merged into the context.
func (l *Local) decisionFor(r *run, req schema.StepRequest) (map[string]any, bool) {
	l.mu.RLock()
	d, ok := r.decisions[req.StepID]
	l.mu.RUnlock()
	if ok {
		return map[string]any{"value": d.value, "step": req.StepID, "selection": d.selection}, true
	}
	if v, ok := req.Context[req.StepID+"_decision"]; ok {
		return map[string]any{"value": v, "step": req.StepID}, true
	}
	return map[string]any{}, false
}

// consume drops a submitted decision once the step has routed on it.
func (l *Local) consume(r *run, stepID string) {
	l.mu.Lock()
	delete(r.decisions, stepID)
	l.mu.Unlock()
}

// route picks the first outgoing transition whose guard holds.
func (l *Local) route(ctx context.Context, def *schema.WorkflowDefinition, step *schema.Step, env, decided map[string]any) (string, bool, error) {
	vars := map[string]any{
		"context":  env,
		"step":     map[string]any{"id": step.ID, "kind": string(step.Kind)},
		"decision": decided,
	}
	for _, t := range def.TransitionsFrom(step.ID) {
		ok, err := l.cel.EvaluateBool(ctx, t.When, vars)
		if err != nil {
			return "", false, err
		}
		if ok {
			return t.To, t.AutoContinue, nil
		}
	}
	return "", false, nil
}

func (l *Local) decisionNotification(req schema.StepRequest, step *schema.Step, typ schema.DecisionType, env map[string]any) schema.PushNotification {
	options := make([]any, len(step.DecisionOptions))
	for i, o := range step.DecisionOptions {
		options[i] = map[string]any{
			"value": expressions.ResolveString(o.Value, env),
			"label": expressions.ResolveString(o.Label, env),
		}
	}
	data := map[string]any{
		"executionId": req.ExecutionID,
		"stepId":      step.ID,
		"options":     options,
	}
	eventType := schema.RemoteEventDecisionRequired
	if typ == schema.DecisionTypeSelection {
		eventType = schema.RemoteEventSelectionRequired
		data["serviceType"] = req.ServiceType
	} else {
		data["prompt"] = expressions.ResolveString(step.DecisionPrompt, env)
		if step.Timeout != "" {
			data["timeout"] = step.Timeout
		}
	}
	return schema.PushNotification{Type: eventType, Data: data}
}

// decisionTypeOf treats an input step that waits on the user as a content
// selection and every other decision step as a decision.
func decisionTypeOf(step *schema.Step) schema.DecisionType {
	if step.Kind == schema.StepKindInput {
		return schema.DecisionTypeSelection
	}
	return schema.DecisionTypeDecision
}

var _ remote.Authority = (*Local)(nil)
