package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/relaycrm/automaton/internal/engine"
	"github.com/relaycrm/automaton/internal/store"
	"github.com/relaycrm/automaton/internal/trigger"
)

// AutomatonServerDeps holds the dependencies for creating an AutomatonServer.
type AutomatonServerDeps struct {
	Store       store.Store
	Definitions *engine.Definitions
	Dispatcher  *trigger.Dispatcher
	Tracker     *engine.Tracker
	Logger      *slog.Logger
}

// AutomatonServer wraps an MCP server with workflow automation tool handlers.
type AutomatonServer struct {
	store       store.Store
	definitions *engine.Definitions
	dispatcher  *trigger.Dispatcher
	tracker     *engine.Tracker
	logger      *slog.Logger
	mcpServer   *server.MCPServer
}

// NewAutomatonServer creates a new AutomatonServer with all 5 tools registered.
func NewAutomatonServer(deps AutomatonServerDeps) *AutomatonServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &AutomatonServer{
		store:       deps.Store,
		definitions: deps.Definitions,
		dispatcher:  deps.Dispatcher,
		tracker:     deps.Tracker,
		logger:      logger,
	}

	mcpSrv := server.NewMCPServer(
		"automaton",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Automaton is a rule-driven CRM workflow automation engine. Use automaton.define to register workflows, automaton.trigger to emit business events or start manual workflows, automaton.status to inspect a run, automaton.cancel to cancel a run, and automaton.query to list workflows/runs/events."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *AutomatonServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *AutomatonServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the 5 registered MCP tools as ServerTool entries.
func (s *AutomatonServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: triggerTool(), Handler: s.handleTrigger},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("automaton.define",
		mcp.WithDescription("Register a workflow: a trigger, an optional payload filter, and a list of delayed steps"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object (name, trigger, filter, steps)")),
		mcp.WithBoolean("validate_only", mcp.Description("If true, validate the definition without persisting it")),
	)
}

func triggerTool() mcp.Tool {
	return mcp.NewTool("automaton.trigger",
		mcp.WithDescription("Emit a business event to all matching workflows, or start one manual workflow directly"),
		mcp.WithString("kind", mcp.Description("Trigger kind of the event (entity_created, stage_changed, tag_added, entity_updated)")),
		mcp.WithString("workflow_id", mcp.Description("Start this manual workflow directly instead of dispatching an event")),
		mcp.WithString("entity_id", mcp.Required(), mcp.Description("ID of the CRM entity the event concerns")),
		mcp.WithObject("payload", mcp.Description("Event payload matched against workflow filters")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("automaton.status",
		mcp.WithDescription("Get a run's status with its step runs and audit events"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to inspect")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("automaton.cancel",
		mcp.WithDescription("Cancel a run: remaining pending steps are skipped and never execute"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to cancel")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("automaton.query",
		mcp.WithDescription("Query workflows, runs, or events"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "runs", "events"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (trigger, active, workflow_id, entity_id, status, run_id, event_type, limit)")),
	)
}
