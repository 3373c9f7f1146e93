// Package decision collapses decision and selection notifications arriving
// from step results and the push channel into one pending record per
// execution, and guards resumptions against stale submissions.
package decision

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/rendis/flowpilot/internal/expressions"
	"github.com/rendis/flowpilot/internal/logging"
	"github.com/rendis/flowpilot/internal/streaming"
	"github.com/rendis/flowpilot/pkg/schema"
)

// Signal sources recorded on a DecisionRequest.
const (
	SourceExecutor   = "executor"
	SourceStepResult = "step_result"
	SourcePush       = "push"
)

// DefaultTombstoneTTL is how long a resolved (execution, step) pair
// suppresses late push duplicates.
const DefaultTombstoneTTL = 10 * time.Minute

// ExecutionLookup resolves an execution id to its current step and a copy of
// its context. *registry.Registry satisfies it.
type ExecutionLookup interface {
	Lookup(executionID string) (currentStep string, ctx map[string]any, ok bool)
}

// Config configures a Coordinator.
type Config struct {
	TombstoneTTL time.Duration
	Hub          streaming.EventHub // optional
	Logger       *slog.Logger
	Now          func() time.Time
}

// Coordinator owns the pending decision table.
type Coordinator struct {
	lookup     ExecutionLookup
	hub        streaming.EventHub
	logger     *slog.Logger
	now        func() time.Time
	jq         *expressions.GoJQEngine
	tombstones *cache.Cache

	mu      sync.Mutex
	pending map[string]*schema.DecisionRequest // by execution id
}

// New creates a Coordinator.
func New(lookup ExecutionLookup, cfg Config) *Coordinator {
	ttl := cfg.TombstoneTTL
	if ttl <= 0 {
		ttl = DefaultTombstoneTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		lookup:     lookup,
		hub:        cfg.Hub,
		logger:     logging.OrDefault(cfg.Logger),
		now:        now,
		jq:         expressions.NewGoJQEngine(),
		tombstones: cache.New(ttl, 2*ttl),
		pending:    make(map[string]*schema.DecisionRequest),
	}
}

// Open registers the executor's own pause record. It always wins over a
// tombstone, since the executor only opens a decision when it really paused.
func (c *Coordinator) Open(ctx context.Context, req schema.DecisionRequest) *schema.DecisionRequest {
	c.tombstones.Delete(tombstoneKey(req.ExecutionID, req.StepID))
	if req.Type == "" {
		req.Type = schema.DecisionTypeDecision
	}
	return c.upsert(ctx, signal{
		executionID: req.ExecutionID,
		stepID:      req.StepID,
		typ:         req.Type,
		prompt:      req.Prompt,
		options:     req.Options,
		timeout:     req.Timeout,
		auxiliary:   expressions.CopyMap(req.Auxiliary),
		source:      SourceExecutor,
	})
}

// FromStepResult feeds the events[] of a step result. The execution is
// already known, so no correlation repair is needed; stepID is the step the
// result belongs to and is used when an event names none.
func (c *Coordinator) FromStepResult(ctx context.Context, executionID, stepID string, events []schema.RemoteEvent) []*schema.DecisionRequest {
	var out []*schema.DecisionRequest
	for _, ev := range events {
		typ, ok := schema.DecisionTypeForEvent(ev.Type)
		if !ok {
			continue
		}
		sig := c.normalize(ev.Data, typ, SourceStepResult)
		sig.executionID = executionID
		if sig.stepID == "" {
			sig.stepID = stepID
		}
		if req := c.upsert(ctx, sig); req != nil {
			out = append(out, req)
		}
	}
	return out
}

// Ingest handles one push notification. Notifications that do not describe a
// decision return (nil, nil); ones that name no known execution return
// CORRELATION_MISS.
func (c *Coordinator) Ingest(ctx context.Context, note schema.PushNotification) (*schema.DecisionRequest, error) {
	typ, ok := schema.DecisionTypeForEvent(note.Type)
	if !ok {
		return nil, nil
	}

	execID, stepFromID, ok := c.correlate(ctx, note.Data)
	if !ok {
		err := schema.NewErrorf(schema.ErrCodeCorrelationMiss, "no execution matches %s notification", note.Type).
			WithDetails(map[string]any{"candidates": c.candidates(ctx, note.Data)})
		c.logger.WarnContext(ctx, "push notification dropped", "type", note.Type, "error", err)
		c.publish(ctx, streaming.FlowEvent{Type: schema.EventCorrelationMiss, Payload: note.Data})
		return nil, err
	}

	sig := c.normalize(note.Data, typ, SourcePush)
	sig.executionID = execID
	if sig.stepID == "" {
		sig.stepID = stepFromID
	}
	if sig.stepID == "" {
		current, _, _ := c.lookup.Lookup(execID)
		sig.stepID = current
	}

	if _, dead := c.tombstones.Get(tombstoneKey(sig.executionID, sig.stepID)); dead {
		c.logger.DebugContext(ctx, "late duplicate for resolved decision ignored",
			logging.AttrExecutionID, sig.executionID, logging.AttrStepID, sig.stepID)
		return nil, nil
	}
	return c.upsert(ctx, sig), nil
}

// correlate walks correlationPaths and returns the first execution id the
// lookup knows. A decisionId of the form <executionId>_<stepId> is split.
func (c *Coordinator) correlate(ctx context.Context, data map[string]any) (execID, stepID string, ok bool) {
	for _, path := range correlationPaths {
		v, found := c.jq.First(ctx, path, data)
		if !found {
			continue
		}
		id := fmt.Sprint(v)
		if _, _, known := c.lookup.Lookup(id); known {
			return id, "", true
		}
		if path == ".decisionId" {
			if e, s, split := c.splitDecisionID(id); split {
				return e, s, true
			}
		}
	}
	return "", "", false
}

func (c *Coordinator) splitDecisionID(id string) (string, string, bool) {
	for i := strings.Index(id, "_"); i > 0; {
		prefix, rest := id[:i], id[i+1:]
		if _, _, known := c.lookup.Lookup(prefix); known && rest != "" {
			return prefix, rest, true
		}
		next := strings.Index(rest, "_")
		if next < 0 {
			break
		}
		i += next + 1
	}
	return "", "", false
}

func (c *Coordinator) candidates(ctx context.Context, data map[string]any) []string {
	var out []string
	for _, path := range correlationPaths {
		if v, ok := c.jq.First(ctx, path, data); ok {
			out = append(out, fmt.Sprintf("%s=%v", path, v))
		}
	}
	return out
}

func (c *Coordinator) normalize(data map[string]any, typ schema.DecisionType, source string) signal {
	return signal{
		stepID:    stringField(data, "stepId", "step_id"),
		typ:       typ,
		prompt:    stringField(data, "prompt", "message"),
		options:   parseOptions(data["options"]),
		timeout:   stringField(data, "timeout"),
		auxiliary: auxiliaryOf(data),
		source:    source,
	}
}

// upsert merges sig into the pending table. The same (execution, step)
// merges in place; a different step replaces the stale record. A push for
// another step never displaces the record of the step the execution is
// paused at; upsert drops it and returns nil.
func (c *Coordinator) upsert(ctx context.Context, sig signal) *schema.DecisionRequest {
	current, live, _ := c.lookup.Lookup(sig.executionID)
	if live == nil {
		live = map[string]any{}
	}
	repairAuxiliary(sig.auxiliary, live)
	prompt := expressions.ResolveString(sig.prompt, live)
	options := resolveOptions(sig.options, live)
	now := c.now()

	c.mu.Lock()
	existing, ok := c.pending[sig.executionID]
	if sig.source == SourcePush && ok && existing.StepID == current && sig.stepID != current {
		c.mu.Unlock()
		c.logger.WarnContext(logging.WithIDs(ctx, sig.executionID, sig.stepID, ""), "stale push ignored",
			"stale_step", sig.stepID, "current_step", current)
		return nil
	}
	eventType := schema.EventDecisionPending
	var req *schema.DecisionRequest
	if ok && existing.StepID == sig.stepID {
		req = existing
		mergeInto(req, sig, prompt, options)
		req.UpdatedAt = now
		eventType = schema.EventDecisionUpdated
	} else {
		req = &schema.DecisionRequest{
			ExecutionID: sig.executionID,
			StepID:      sig.stepID,
			Type:        sig.typ,
			Prompt:      prompt,
			Options:     options,
			Timeout:     sig.timeout,
			Auxiliary:   sig.auxiliary,
			Sources:     []string{sig.source},
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		c.pending[sig.executionID] = req
	}
	out := cloneRequest(req)
	c.mu.Unlock()

	ctx = logging.WithIDs(ctx, out.ExecutionID, out.StepID, "")
	if ok && eventType == schema.EventDecisionPending {
		c.logger.InfoContext(ctx, "pending decision replaced", "stale_step", existing.StepID)
	}
	c.logger.DebugContext(ctx, eventType, "source", sig.source, "type", string(out.Type))
	c.publish(ctx, streaming.FlowEvent{ExecutionID: out.ExecutionID, StepID: out.StepID, Type: eventType, Payload: out})
	return out
}

func mergeInto(req *schema.DecisionRequest, sig signal, prompt string, options []schema.DecisionOption) {
	if req.Prompt == "" || (expressions.HasPlaceholder(req.Prompt) && !expressions.HasPlaceholder(prompt) && prompt != "") {
		req.Prompt = prompt
	}
	if len(req.Options) == 0 {
		req.Options = options
	}
	if req.Timeout == "" {
		req.Timeout = sig.timeout
	}
	// A selection signal describes richer intent than a bare decision.
	if sig.typ == schema.DecisionTypeSelection {
		req.Type = sig.typ
	}
	if req.Auxiliary == nil {
		req.Auxiliary = make(map[string]any)
	}
	for k, v := range sig.auxiliary {
		if cur, ok := req.Auxiliary[k]; ok && !unresolved(cur) && unresolved(v) {
			continue
		}
		req.Auxiliary[k] = v
	}
	for _, s := range req.Sources {
		if s == sig.source {
			return
		}
	}
	req.Sources = append(req.Sources, sig.source)
}

// ValidateResume is the guard every resumption passes: a declared stepID
// must equal the execution's current step.
func (c *Coordinator) ValidateResume(executionID, stepID, currentStep string) error {
	if stepID == "" || stepID == currentStep {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeStaleResumption,
		"decision for step %q but execution is at %q", stepID, currentStep).
		WithExecution(executionID).WithStep(stepID).
		WithDetails(map[string]any{"current_step": currentStep})
}

// ValidateOption rejects a value the pending request for currentStep does
// not advertise. Requests without options, and records for any other step,
// accept anything.
func (c *Coordinator) ValidateOption(executionID, currentStep, value string) error {
	req, ok := c.Pending(executionID)
	if !ok || req.StepID != currentStep || req.HasOption(value) {
		return nil
	}
	valid := make([]string, len(req.Options))
	for i, o := range req.Options {
		valid[i] = o.Value
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "invalid choice %q for step %q", value, req.StepID).
		WithExecution(executionID).WithStep(req.StepID).
		WithDetails(map[string]any{"valid_options": valid})
}

// Pending returns a copy of the execution's outstanding request.
func (c *Coordinator) Pending(executionID string) (*schema.DecisionRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.pending[executionID]
	if !ok {
		return nil, false
	}
	return cloneRequest(req), true
}

// ListPending returns copies of all outstanding requests, oldest first.
func (c *Coordinator) ListPending() []*schema.DecisionRequest {
	c.mu.Lock()
	out := make([]*schema.DecisionRequest, 0, len(c.pending))
	for _, req := range c.pending {
		out = append(out, cloneRequest(req))
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Resolve removes the pending request for (executionID, stepID) and
// tombstones the pair. It reports whether a matching request existed.
func (c *Coordinator) Resolve(ctx context.Context, executionID, stepID string, value string) bool {
	c.tombstones.SetDefault(tombstoneKey(executionID, stepID), c.now())

	c.mu.Lock()
	req, ok := c.pending[executionID]
	if ok && req.StepID == stepID {
		delete(c.pending, executionID)
	} else {
		ok = false
	}
	c.mu.Unlock()

	c.publish(ctx, streaming.FlowEvent{
		ExecutionID: executionID, StepID: stepID, Type: schema.EventDecisionResolved,
		Payload: map[string]any{"decision": value},
	})
	return ok
}

// Clear drops whatever is pending for executionID, e.g. on abandon.
func (c *Coordinator) Clear(ctx context.Context, executionID string) {
	c.mu.Lock()
	req, ok := c.pending[executionID]
	delete(c.pending, executionID)
	c.mu.Unlock()
	if ok {
		c.tombstones.SetDefault(tombstoneKey(executionID, req.StepID), c.now())
	}
}

// Expired returns pending requests whose advertised timeout has passed.
// Timeouts are advisory: nothing is resolved here.
func (c *Coordinator) Expired(now time.Time) []*schema.DecisionRequest {
	var out []*schema.DecisionRequest
	for _, req := range c.ListPending() {
		if deadline, ok := req.Deadline(); ok && now.After(deadline) {
			out = append(out, req)
		}
	}
	return out
}

func (c *Coordinator) publish(ctx context.Context, ev streaming.FlowEvent) {
	if c.hub == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = c.now()
	}
	if err := c.hub.Publish(ctx, ev); err != nil {
		c.logger.WarnContext(ctx, "publish decision event", "type", ev.Type, "error", err)
	}
}

func tombstoneKey(executionID, stepID string) string {
	return executionID + "\x00" + stepID
}

func cloneRequest(r *schema.DecisionRequest) *schema.DecisionRequest {
	cp := *r
	cp.Options = append([]schema.DecisionOption(nil), r.Options...)
	cp.Sources = append([]string(nil), r.Sources...)
	cp.Auxiliary = expressions.CopyMap(r.Auxiliary)
	return &cp
}
