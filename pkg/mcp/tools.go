package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowpilot/internal/diagram"
	"github.com/rendis/flowpilot/internal/retry"
	"github.com/rendis/flowpilot/internal/store"
	"github.com/rendis/flowpilot/pkg/schema"
)

// handleLoad fetches and caches a definition.
func (s *FlowServer) handleLoad(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	serviceType, err := req.RequireString("service_type")
	if err != nil {
		return mcp.NewToolResultError("service_type is required"), nil
	}
	if s.catalog == nil {
		return mcp.NewToolResultError("no catalog configured"), nil
	}

	var def *schema.WorkflowDefinition
	if req.GetBool("wait", false) {
		def, err = s.catalog.WaitLoaded(ctx, serviceType, retry.DefaultPolicy)
	} else {
		def, err = s.catalog.Load(ctx, serviceType)
	}
	if err != nil {
		return flowError("load failed", err), nil
	}

	steps := make([]string, len(def.Steps))
	for i, st := range def.Steps {
		steps[i] = st.ID
	}
	return marshalResult(map[string]any{
		"service_type": serviceType,
		"name":         def.Name,
		"version":      def.Version,
		"initial_step": def.InitialStep,
		"final_steps":  def.FinalSteps,
		"steps":        steps,
	})
}

// handleStart creates an execution and walks it, inline unless async.
func (s *FlowServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	serviceType, err := req.RequireString("service_type")
	if err != nil {
		return mcp.NewToolResultError("service_type is required"), nil
	}
	initial := mcp.ParseStringMap(req, "context", nil)

	if req.GetBool("async", false) {
		snap, startErr := s.executor.Start(ctx, serviceType, initial)
		if startErr != nil {
			return flowError("start failed", startErr), nil
		}
		s.captureSession(ctx, snap.ExecutionID)
		return marshalResult(snap)
	}

	res, runErr := s.executor.StartSync(ctx, serviceType, initial)
	if res == nil {
		return flowError("start failed", runErr), nil
	}
	s.captureSession(ctx, res.ExecutionID)
	return walkResult(res, runErr)
}

// handleStatus returns the current state of an execution.
func (s *FlowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	status, statusErr := s.executor.Status(ctx, id)
	if statusErr != nil {
		return flowError("status query failed", statusErr), nil
	}
	return marshalResult(status)
}

// handleResume answers a pending decision.
func (s *FlowServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	value, err := req.RequireString("decision")
	if err != nil {
		return mcp.NewToolResultError("decision is required"), nil
	}

	d := schema.Decision{
		Value:         value,
		StepID:        req.GetString("step_id", ""),
		SelectionData: mcp.ParseStringMap(req, "selection_data", nil),
	}
	s.captureSession(ctx, id)

	res, resumeErr := s.executor.Resume(ctx, id, d)
	if res == nil {
		return flowError("resume failed", resumeErr), nil
	}
	return walkResult(res, resumeErr)
}

// handlePending lists pending decisions.
func (s *FlowServer) handlePending(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.decisions == nil {
		return mcp.NewToolResultError("no decision coordinator configured"), nil
	}
	if id := req.GetString("execution_id", ""); id != "" {
		p, ok := s.decisions.Pending(id)
		if !ok {
			return marshalResult([]*schema.DecisionRequest{})
		}
		return marshalResult([]*schema.DecisionRequest{p})
	}
	return marshalResult(s.decisions.ListPending())
}

// handleAbandon drops an execution.
func (s *FlowServer) handleAbandon(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	if abandonErr := s.executor.Abandon(ctx, id); abandonErr != nil {
		return flowError("abandon failed", abandonErr), nil
	}
	return marshalResult(map[string]any{"ok": true, "execution_id": id})
}

// handleLatest returns the most recently started active execution.
func (s *FlowServer) handleLatest(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.registry == nil {
		return mcp.NewToolResultError("no registry configured"), nil
	}
	exec := s.registry.LatestActive()
	if exec == nil {
		return mcp.NewToolResultError("no active execution"), nil
	}
	return marshalResult(exec.Snapshot())
}

// handleTrail replays the journal for an execution.
func (s *FlowServer) handleTrail(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	if s.journal == nil {
		return mcp.NewToolResultError("no journal configured"), nil
	}
	trail, trailErr := store.ReplayTrail(ctx, s.journal, id)
	if trailErr != nil {
		return flowError("trail replay failed", trailErr), nil
	}
	return marshalResult(trail)
}

// handleDiagram renders a definition, painting the execution's path over it
// when execution_id is given. Finished executions are drawn from the journal.
func (s *FlowServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.catalog == nil {
		return mcp.NewToolResultError("no catalog configured"), nil
	}
	format := req.GetString("format", diagram.FormatMermaid)
	serviceType := req.GetString("service_type", "")

	var overlay *diagram.Overlay
	if id := req.GetString("execution_id", ""); id != "" {
		var err error
		serviceType, overlay, err = s.locate(ctx, id)
		if err != nil {
			return flowError("diagram failed", err), nil
		}
	}
	if serviceType == "" {
		return mcp.NewToolResultError("service_type or execution_id is required"), nil
	}

	def, err := s.catalog.Load(ctx, serviceType)
	if err != nil {
		return flowError("diagram failed", err), nil
	}
	model, err := diagram.Build(def, overlay)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, err := diagram.Render(ctx, model, format)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if diagram.IsBinary(format) {
		return mcp.NewToolResultImage(model.Title, base64.StdEncoding.EncodeToString(out), "image/png"), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

// locate finds an execution in the registry, or in the journal once it has
// left the registry.
func (s *FlowServer) locate(ctx context.Context, executionID string) (string, *diagram.Overlay, error) {
	if status, err := s.executor.Status(ctx, executionID); err == nil {
		return status.Execution.ServiceType, diagram.OverlayFromSnapshot(&status.Execution), nil
	} else if s.journal == nil {
		return "", nil, err
	}
	trail, err := store.ReplayTrail(ctx, s.journal, executionID)
	if err != nil {
		return "", nil, err
	}
	return trail.ServiceType, diagram.OverlayFromTrail(trail), nil
}

// captureSession maps the execution to the caller's MCP session for notifications.
func (s *FlowServer) captureSession(ctx context.Context, executionID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(executionID, session.SessionID())
	}
}

// walkResult reports a walk. A walk can end with both a position and an
// error (a recursion limit or a failed step); both are returned.
func walkResult(res any, err error) (*mcp.CallToolResult, error) {
	if err == nil {
		return marshalResult(res)
	}
	return marshalResult(map[string]any{
		"result": res,
		"error":  errorBody(err),
	})
}

func flowError(op string, err error) *mcp.CallToolResult {
	data, mErr := json.Marshal(errorBody(err))
	if mErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %v", op, err))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %s", op, data))
}

func errorBody(err error) map[string]any {
	body := map[string]any{
		"code":    schema.CodeOf(err),
		"message": err.Error(),
	}
	if msg := schema.UserFacing(err); msg != "" {
		body["user_message"] = msg
	} else {
		body["ignorable"] = true
	}
	return body
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
