// Package mcptools exposes the analytics engine as an MCP tool surface so
// coding agents can report and query their own usage over the Model Context
// Protocol.
package mcptools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/Bldg-7/agentmeter/internal/analytics"
	"github.com/Bldg-7/agentmeter/internal/meter"
)

const serverVersion = "1.0.0"

// Server wires the engine's operations into an MCP server.
type Server struct {
	engine     *meter.Engine
	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
	logger     *zap.Logger
}

func NewServer(engine *meter.Engine, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		engine: engine,
		logger: logger,
	}
	s.mcpServer = server.NewMCPServer(
		"agentmeter",
		serverVersion,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
	s.registerTools()
	return s
}

// Start serves the MCP endpoint over streamable HTTP until the context is
// cancelled.
func (s *Server) Start(ctx context.Context, port int) error {
	s.httpServer = server.NewStreamableHTTPServer(s.mcpServer)

	mux := http.NewServeMux()
	mux.Handle("/mcp", s.httpServer)
	mux.Handle("/mcp/", s.httpServer)

	addr := fmt.Sprintf("0.0.0.0:%d", port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("mcp server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("open_session",
		mcp.WithDescription("Open a new agent activity session and return its header"),
		mcp.WithString("label", mcp.Description("Human-readable label for the session")),
		mcp.WithString("model", mcp.Description("Model the session expects to use")),
		mcp.WithObject("metadata", mcp.Description("Arbitrary metadata attached to the session")),
	), s.handleOpenSession)

	s.mcpServer.AddTool(mcp.NewTool("record_event",
		mcp.WithDescription("Record one activity event against an open session"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Target session ID")),
		mcp.WithString("kind", mcp.Required(), mcp.Description("Event kind: SESSION_START, SESSION_END, TOOL_START, TOOL_END, LLM_REQUEST, LLM_RESPONSE, ERROR, BUDGET_WARNING")),
		mcp.WithString("tool_name", mcp.Description("Tool name for TOOL_START/TOOL_END events")),
		mcp.WithString("model", mcp.Description("Model name for LLM events")),
		mcp.WithNumber("prompt_chars", mcp.Description("Prompt character count for LLM_REQUEST events")),
		mcp.WithNumber("response_chars", mcp.Description("Response character count for LLM_RESPONSE events")),
		mcp.WithNumber("duration_ms", mcp.Description("Duration in milliseconds for TOOL_END events")),
		mcp.WithString("error_message", mcp.Description("Error text for ERROR or failed TOOL_END events")),
		mcp.WithString("client_key", mcp.Description("Idempotency key; retries with the same key are ignored")),
	), s.handleRecordEvent)

	s.mcpServer.AddTool(mcp.NewTool("close_session",
		mcp.WithDescription("Close a session and return its final summary"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID to close")),
	), s.handleCloseSession)

	s.mcpServer.AddTool(mcp.NewTool("get_summary",
		mcp.WithDescription("Get the cost, latency, and tool-usage summary for a session"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID to summarize")),
	), s.handleGetSummary)

	s.mcpServer.AddTool(mcp.NewTool("get_latency_stats",
		mcp.WithDescription("Get latency percentiles, optionally scoped to one tool or one session"),
		mcp.WithString("tool_name", mcp.Description("Restrict to a single tool")),
		mcp.WithString("session_id", mcp.Description("Restrict to a single session")),
	), s.handleLatencyStats)

	s.mcpServer.AddTool(mcp.NewTool("compare_sessions",
		mcp.WithDescription("Compare two sessions and flag cost or latency regressions"),
		mcp.WithString("baseline_id", mcp.Required(), mcp.Description("Baseline session ID")),
		mcp.WithString("compare_id", mcp.Required(), mcp.Description("Session ID to compare against the baseline")),
	), s.handleCompareSessions)

	s.mcpServer.AddTool(mcp.NewTool("set_budget",
		mcp.WithDescription("Update budget caps; omitted fields keep their current values"),
		mcp.WithNumber("session_cap_usd", mcp.Description("Per-session spend cap in USD (0 disables)")),
		mcp.WithNumber("daily_cap_usd", mcp.Description("Daily spend cap in USD (0 disables)")),
		mcp.WithNumber("alert_threshold_pct", mcp.Description("Warning threshold as a percentage of the cap (1-100)")),
	), s.handleSetBudget)

	s.mcpServer.AddTool(mcp.NewTool("export_summaries",
		mcp.WithDescription("Export session summaries as JSON, by ID list or most recent first"),
		mcp.WithString("session_ids", mcp.Description("Comma-separated session IDs; empty exports the most recent sessions")),
		mcp.WithNumber("limit", mcp.Description("Maximum sessions when no IDs are given (default: 50)")),
	), s.handleExportSummaries)
}

func (s *Server) handleOpenSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	label := request.GetString("label", "")
	model := request.GetString("model", "")

	var metadata map[string]any
	if args, ok := request.Params.Arguments.(map[string]interface{}); ok {
		if meta, ok := args["metadata"].(map[string]interface{}); ok {
			metadata = meta
		}
	}

	header, err := s.engine.OpenSession(label, model, metadata)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to open session: %v", err)), nil
	}
	return jsonResult(header)
}

func (s *Server) handleRecordEvent(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing 'session_id' parameter: %v", err)), nil
	}
	kind, err := request.RequireString("kind")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing 'kind' parameter: %v", err)), nil
	}

	in := meter.EventInput{
		Kind:         kind,
		ToolName:     request.GetString("tool_name", ""),
		Model:        request.GetString("model", ""),
		ErrorMessage: request.GetString("error_message", ""),
		ClientKey:    request.GetString("client_key", ""),
	}
	if args, ok := request.Params.Arguments.(map[string]interface{}); ok {
		in.PromptChars = intArg(args, "prompt_chars")
		in.ResponseChars = intArg(args, "response_chars")
		in.DurationMs = intArg(args, "duration_ms")
	}

	warning, err := s.engine.RecordEvent(sessionID, in)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to record event: %v", err)), nil
	}

	result := map[string]string{"status": "recorded"}
	if warning != "" {
		result["warning"] = warning
	}
	return jsonResult(result)
}

func (s *Server) handleCloseSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing 'session_id' parameter: %v", err)), nil
	}

	summary, err := s.engine.CloseSession(sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to close session: %v", err)), nil
	}
	return jsonResult(summary)
}

func (s *Server) handleGetSummary(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing 'session_id' parameter: %v", err)), nil
	}

	summary, err := s.engine.GetSummary(sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get summary: %v", err)), nil
	}
	return jsonResult(summary)
}

func (s *Server) handleLatencyStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	toolName := request.GetString("tool_name", "")
	sessionID := request.GetString("session_id", "")

	report, err := s.engine.LatencyStats(toolName, sessionID)
	if err != nil {
		if errors.Is(err, analytics.ErrNoData) {
			return mcp.NewToolResultText("No tool latency samples recorded yet for this scope."), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to compute latency stats: %v", err)), nil
	}
	return jsonResult(report)
}

func (s *Server) handleCompareSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	baselineID, err := request.RequireString("baseline_id")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing 'baseline_id' parameter: %v", err)), nil
	}
	compareID, err := request.RequireString("compare_id")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing 'compare_id' parameter: %v", err)), nil
	}

	result, err := s.engine.CompareSessions(baselineID, compareID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to compare sessions: %v", err)), nil
	}
	return jsonResult(result)
}

func (s *Server) handleSetBudget(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var patch analytics.BudgetPatch
	if args, ok := request.Params.Arguments.(map[string]interface{}); ok {
		patch.SessionCapUSD = floatArg(args, "session_cap_usd")
		patch.DailyCapUSD = floatArg(args, "daily_cap_usd")
		if v := intArg(args, "alert_threshold_pct"); v != nil {
			threshold := int(*v)
			patch.AlertThresholdPct = &threshold
		}
	}

	cfg, err := s.engine.SetBudget(patch)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to set budget: %v", err)), nil
	}
	return jsonResult(cfg)
}

func (s *Server) handleExportSummaries(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var ids []string
	if raw := strings.TrimSpace(request.GetString("session_ids", "")); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	limit := request.GetInt("limit", 50)

	summaries, err := s.engine.ExportSummaries(ids, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to export summaries: %v", err)), nil
	}
	return jsonResult(summaries)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// intArg reads an optional numeric argument, distinguishing "absent" from
// zero. JSON numbers arrive as float64.
func intArg(args map[string]interface{}, name string) *int64 {
	raw, ok := args[name]
	if !ok {
		return nil
	}
	f, ok := raw.(float64)
	if !ok {
		return nil
	}
	v := int64(f)
	return &v
}

func floatArg(args map[string]interface{}, name string) *float64 {
	raw, ok := args[name]
	if !ok {
		return nil
	}
	f, ok := raw.(float64)
	if !ok {
		return nil
	}
	return &f
}
