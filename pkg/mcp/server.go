package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ljquan/aitu-sub000/internal/engine"
	"github.com/ljquan/aitu-sub000/internal/store"
	"github.com/ljquan/aitu-sub000/internal/streaming"
	"github.com/ljquan/aitu-sub000/internal/tools"
)

// AituServerDeps holds the dependencies for creating an AituServer.
type AituServerDeps struct {
	Engine   engine.Engine
	Events   store.EventLog
	Hub      streaming.Hub
	Registry *tools.Registry
	Sessions *SessionRegistry
	Notifier *Notifier
	Surface  *SessionSurface
	Logger   *slog.Logger
}

// AituServer exposes the generation workflow engine to the canvas client
// over MCP. The canvas attaches as the rendering surface, submits
// workflows, observes progress, and feeds external task queue events in.
type AituServer struct {
	engine    engine.Engine
	events    store.EventLog
	hub       streaming.Hub
	registry  *tools.Registry
	sessions  *SessionRegistry
	notifier  *Notifier
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewAituServer creates an AituServer with all engine tools registered and
// wires the notifier and surface to the underlying MCP server.
func NewAituServer(deps AituServerDeps) *AituServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = NewSessionRegistry()
	}

	s := &AituServer{
		engine:   deps.Engine,
		events:   deps.Events,
		hub:      deps.Hub,
		registry: deps.Registry,
		sessions: sessions,
		notifier: deps.Notifier,
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"aitu-engine",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("aitu-engine executes generation workflows for the canvas client. Call aitu_attach once to register as the rendering surface, aitu_generate to submit a workflow, aitu_status/aitu_list to observe progress, aitu_retry to rerun a terminal workflow from a step index, aitu_cancel to abort, and aitu_task_event to feed in external task queue updates."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv

	if deps.Notifier != nil {
		deps.Notifier.Bind(mcpSrv)
	}
	if deps.Surface != nil {
		deps.Surface.Bind(mcpSrv)
	}
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes.
func (s *AituServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom
// transports.
func (s *AituServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *AituServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: attachTool(), Handler: s.handleAttach},
		{Tool: detachTool(), Handler: s.handleDetach},
		{Tool: generateTool(), Handler: s.handleGenerate},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: retryTool(), Handler: s.handleRetry},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: taskEventTool(), Handler: s.handleTaskEvent},
	}
}

// --- Tool definitions ---

func attachTool() mcp.Tool {
	return mcp.NewTool("aitu_attach",
		mcp.WithDescription("Register this session as the rendering surface for a foreground context. Parked surface-bound steps start executing on the next poll tick."),
		mcp.WithString("context_id", mcp.Required(), mcp.Description("Foreground context ID to attach as")),
	)
}

func detachTool() mcp.Tool {
	return mcp.NewTool("aitu_detach",
		mcp.WithDescription("Detach the rendering surface for a foreground context"),
		mcp.WithString("context_id", mcp.Required(), mcp.Description("Foreground context ID to detach")),
	)
}

func generateTool() mcp.Tool {
	return mcp.NewTool("aitu_generate",
		mcp.WithDescription("Submit a generation workflow: an ordered list of tool-invocation steps executed with fail-fast semantics"),
		mcp.WithString("name", mcp.Description("Human-readable workflow name")),
		mcp.WithArray("steps", mcp.Required(), mcp.Description("Ordered step list; each step is {id?, tool, args?, options?}")),
		mcp.WithObject("retry_context", mcp.Description("Snapshot of the original request, kept for retry without consulting live UI state")),
		mcp.WithString("context_id", mcp.Description("Initiating foreground context ID (defaults to the engine instance)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("aitu_status",
		mcp.WithDescription("Get a workflow snapshot plus its recent transition events"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to query")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("aitu_list",
		mcp.WithDescription("List workflows, optionally filtered by status"),
		mcp.WithString("status", mcp.Description("Filter: pending, running, completed, failed or cancelled"),
			mcp.Enum("pending", "running", "completed", "failed", "cancelled")),
	)
}

func retryTool() mcp.Tool {
	return mcp.NewTool("aitu_retry",
		mcp.WithDescription("Rerun a terminal workflow from a step index. Steps before the index keep their results; steps from it on restart from pending."),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the terminal workflow to retry")),
		mcp.WithNumber("start_index", mcp.Required(), mcp.Description("Zero-based step index to restart from")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("aitu_cancel",
		mcp.WithDescription("Abort a running workflow. In-flight tool calls are not interrupted; their results are discarded."),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to abort")),
	)
}

func taskEventTool() mcp.Tool {
	return mcp.NewTool("aitu_task_event",
		mcp.WithDescription("Feed one external task queue observation into the engine"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("External task ID")),
		mcp.WithString("status", mcp.Required(),
			mcp.Enum("pending", "processing", "retrying", "completed", "failed", "cancelled"),
			mcp.Description("Task status reported by the queue")),
		mcp.WithObject("result", mcp.Description("Task result payload (for completed)")),
		mcp.WithString("error", mcp.Description("Task error message (for failed)")),
	)
}
