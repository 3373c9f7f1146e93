package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowpilot/internal/catalog"
	"github.com/rendis/flowpilot/internal/decision"
	"github.com/rendis/flowpilot/internal/engine"
	"github.com/rendis/flowpilot/internal/registry"
	"github.com/rendis/flowpilot/internal/store"
	"github.com/rendis/flowpilot/internal/streaming"
)

// FlowServerDeps holds the dependencies for creating a FlowServer.
type FlowServerDeps struct {
	Executor  engine.Executor
	Catalog   *catalog.Catalog
	Registry  *registry.Registry
	Decisions *decision.Coordinator
	Journal   store.Journal
	Hub       streaming.EventHub
	Logger    *slog.Logger
}

// FlowServer wraps an MCP server with flowpilot tool handlers.
type FlowServer struct {
	executor  engine.Executor
	catalog   *catalog.Catalog
	registry  *registry.Registry
	decisions *decision.Coordinator
	journal   store.Journal
	hub       streaming.EventHub
	logger    *slog.Logger
	sessions  *SessionRegistry
	mcpServer *server.MCPServer
}

// NewFlowServer creates a FlowServer with all tools registered.
func NewFlowServer(deps FlowServerDeps) *FlowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &FlowServer{
		executor:  deps.Executor,
		catalog:   deps.Catalog,
		registry:  deps.Registry,
		decisions: deps.Decisions,
		journal:   deps.Journal,
		hub:       deps.Hub,
		logger:    logger,
		sessions:  NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"flowpilot",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Flowpilot drives guided multi-step transactions. Use flow.load to fetch a definition, flow.start to begin, flow.pending to see decisions waiting on the user, flow.resume to answer one, and flow.status, flow.trail or flow.diagram to inspect progress."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *FlowServer) Serve(ctx context.Context) error {
	if s.hub != nil {
		go func() {
			if err := s.ForwardEvents(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("event forwarding stopped", "error", err)
			}
		}()
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *FlowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *FlowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: loadTool(), Handler: s.handleLoad},
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: pendingTool(), Handler: s.handlePending},
		{Tool: abandonTool(), Handler: s.handleAbandon},
		{Tool: latestTool(), Handler: s.handleLatest},
		{Tool: trailTool(), Handler: s.handleTrail},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func loadTool() mcp.Tool {
	return mcp.NewTool("flow.load",
		mcp.WithDescription("Load and cache the workflow definition for a service type"),
		mcp.WithString("service_type", mcp.Required(), mcp.Description("Service type key, e.g. movie_ticket")),
		mcp.WithBoolean("wait", mcp.Description("Retry until the definition is available (default: false)")),
	)
}

func startTool() mcp.Tool {
	return mcp.NewTool("flow.start",
		mcp.WithDescription("Start an execution of a loaded workflow"),
		mcp.WithString("service_type", mcp.Required(), mcp.Description("Service type of a loaded definition")),
		mcp.WithObject("context", mcp.Description("Initial execution context")),
		mcp.WithBoolean("async", mcp.Description("Return immediately and walk in the background (default: false)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("flow.status",
		mcp.WithDescription("Get an execution's state, context and pending decision"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("flow.resume",
		mcp.WithDescription("Answer the pending decision of a paused execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the paused execution")),
		mcp.WithString("decision", mcp.Required(), mcp.Description("Chosen option value")),
		mcp.WithString("step_id", mcp.Description("Step the decision answers; rejected when it is not the current step")),
		mcp.WithObject("selection_data", mcp.Description("Extra data for a selection")),
	)
}

func pendingTool() mcp.Tool {
	return mcp.NewTool("flow.pending",
		mcp.WithDescription("List decisions waiting on the user"),
		mcp.WithString("execution_id", mcp.Description("Only this execution's decision")),
	)
}

func abandonTool() mcp.Tool {
	return mcp.NewTool("flow.abandon",
		mcp.WithDescription("Abandon an execution without contacting the authority"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func latestTool() mcp.Tool {
	return mcp.NewTool("flow.latest",
		mcp.WithDescription("Get the most recently started active execution"),
	)
}

func trailTool() mcp.Tool {
	return mcp.NewTool("flow.trail",
		mcp.WithDescription("Replay an execution's step trail from the journal"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("flow.diagram",
		mcp.WithDescription("Draw a workflow definition, optionally with an execution's position"),
		mcp.WithString("service_type", mcp.Description("Service type to draw; ignored when execution_id is set")),
		mcp.WithString("execution_id", mcp.Description("Execution whose path is painted over its definition")),
		mcp.WithString("format", mcp.Enum("mermaid", "ascii", "svg", "png"), mcp.Description("Output format (default: mermaid)")),
	)
}
