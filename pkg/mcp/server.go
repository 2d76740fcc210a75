// Package mcp exposes the workflow engine to AI agents as MCP tools over
// stdio: start, status, approve, cancel, and list.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/tako0614/takos-agent/internal/audit"
	"github.com/tako0614/takos-agent/internal/engine"
)

// AgentServerDeps holds the dependencies for creating an AgentServer.
type AgentServerDeps struct {
	Engine *engine.Engine
	Audit  *audit.Recorder
	Logger *slog.Logger
}

// AgentServer wraps an MCP server with workflow tool handlers.
type AgentServer struct {
	engine    *engine.Engine
	audit     *audit.Recorder
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewAgentServer creates an AgentServer with all workflow tools registered.
func NewAgentServer(deps AgentServerDeps) *AgentServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &AgentServer{
		engine: deps.Engine,
		audit:  deps.Audit,
		logger: logger,
	}

	mcpSrv := server.NewMCPServer(
		"takos-agent",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("takos-agent orchestrates AI workflows on a social node. Use workflow_start to launch a registered workflow, workflow_status to inspect an instance and its events, workflow_approve to decide a pending human-approval step, workflow_cancel to stop an instance, and workflow_list to enumerate workflows or instances."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes.
func (s *AgentServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom
// transports.
func (s *AgentServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *AgentServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: approveTool(), Handler: s.handleApprove},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: listTool(), Handler: s.handleList},
	}
}
