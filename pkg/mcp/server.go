// Package mcp exposes the pipeline runner over the Model Context
// Protocol so LLM agents can launch runs, answer clarification prompts
// and inspect results through tool calls.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/quantgraph/quantgraph/internal/datastore"
	"github.com/quantgraph/quantgraph/internal/marketdata"
	"github.com/quantgraph/quantgraph/internal/runner"
	"github.com/quantgraph/quantgraph/internal/store"
	"github.com/quantgraph/quantgraph/internal/streaming"
)

// Deps holds the collaborators for a Server.
type Deps struct {
	Runner   *runner.Service
	Store    store.Store
	Data     *datastore.Store
	Provider marketdata.Provider
	Hub      streaming.Hub
	Logger   *slog.Logger
}

// Server wraps an MCP server with quantgraph tool handlers.
type Server struct {
	runner    *runner.Service
	store     store.Store
	data      *datastore.Store
	provider  marketdata.Provider
	hub       streaming.Hub
	logger    *slog.Logger
	sessions  *SessionRegistry
	mcpServer *server.MCPServer
}

// NewServer creates a Server with all tools registered.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		runner:   deps.Runner,
		store:    deps.Store,
		data:     deps.Data,
		provider: deps.Provider,
		hub:      deps.Hub,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"quantgraph",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Quantgraph runs LLM-assisted quant pipelines. Use quantgraph.run to launch a pipeline, quantgraph.resume to answer a clarification prompt, quantgraph.status to check a run, quantgraph.query to list runs/events/prompts/pipelines, quantgraph.data to inspect or refresh market data, and quantgraph.diagram to visualize a pipeline graph."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying server for tests or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// SSEServer wraps the server in an HTTP SSE transport.
func (s *Server) SSEServer() *server.SSEServer {
	return server.NewSSEServer(s.mcpServer)
}

// ServeSSE serves the SSE transport on addr and blocks until ctx is
// cancelled, then shuts the HTTP server down gracefully.
func (s *Server) ServeSSE(ctx context.Context, addr, baseURL string) error {
	sse := server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))

	mux := http.NewServeMux()
	mux.Handle("/sse", sse.SSEHandler())
	mux.Handle("/message", sse.MessageHandler())

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("MCP SSE listening", "addr", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("sse shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: dataTool(), Handler: s.handleData},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("quantgraph.run",
		mcp.WithDescription("Launch a pipeline run from a natural-language query"),
		mcp.WithString("pipeline", mcp.Required(), mcp.Description("Pipeline name (signal, backtest or main)")),
		mcp.WithString("query", mcp.Required(), mcp.Description("User query, e.g. 'ma cross strategy on 600519.SH'")),
		mcp.WithObject("params", mcp.Description("Optional run parameters (symbols, dates, backtest settings)")),
		mcp.WithBoolean("async", mcp.Description("Enqueue and return the run ID instead of waiting")),
		mcp.WithString("agent_id", mcp.Description("ID of the calling agent, used for notifications")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("quantgraph.resume",
		mcp.WithDescription("Answer a clarification prompt and resume a suspended run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the suspended run")),
		mcp.WithString("response", mcp.Required(), mcp.Description("Answer to the pending prompt")),
		mcp.WithString("agent_id", mcp.Description("ID of the answering agent")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("quantgraph.cancel",
		mcp.WithDescription("Cancel a pending, running or suspended run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to cancel")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("quantgraph.status",
		mcp.WithDescription("Get run status, pending prompt and recent events"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("quantgraph.query",
		mcp.WithDescription("Query runs, events, prompts, or registered pipelines"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("runs", "events", "prompts", "pipelines"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, pipeline, run_id, event_type, since, limit)")),
	)
}

func dataTool() mcp.Tool {
	return mcp.NewTool("quantgraph.data",
		mcp.WithDescription("Inspect or refresh the shared market data store"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("snapshot", "refresh"),
			mcp.Description("snapshot returns dataset summaries; refresh pulls fresh bars"),
		),
		mcp.WithObject("params", mcp.Description("Refresh parameters: symbols (required), start, end, indicators")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("quantgraph.diagram",
		mcp.WithDescription("Render a pipeline graph. Returns ASCII art, Mermaid flowchart syntax, or base64-encoded PNG"),
		mcp.WithString("pipeline", mcp.Required(), mcp.Description("Pipeline name to diagram")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image"),
			mcp.Description("Output format"),
		),
		mcp.WithString("run_id", mcp.Description("Overlay replayed step status from this run")),
	)
}
