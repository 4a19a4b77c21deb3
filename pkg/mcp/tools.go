package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/quantgraph/quantgraph/internal/datastore"
	"github.com/quantgraph/quantgraph/internal/diagram"
	"github.com/quantgraph/quantgraph/internal/pipeline"
	"github.com/quantgraph/quantgraph/internal/runner"
	"github.com/quantgraph/quantgraph/internal/store"
	"github.com/quantgraph/quantgraph/internal/streaming"
	"github.com/quantgraph/quantgraph/pkg/schema"
)

// handleRun launches a pipeline run.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pipelineName, err := req.RequireString("pipeline")
	if err != nil {
		return mcp.NewToolResultError("pipeline is required"), nil
	}
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError("query is required"), nil
	}
	params := mcp.ParseStringMap(req, "params", nil)
	if agentID := req.GetString("agent_id", ""); agentID != "" {
		s.captureSession(ctx, agentID)
	}

	if req.GetBool("async", false) {
		runID, enqErr := s.runner.Enqueue(pipelineName, query, params)
		if enqErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("enqueue failed: %v", enqErr)), nil
		}
		return marshalResult(map[string]any{
			"run_id": runID,
			"status": schema.RunStatusPending,
		})
	}

	out, runErr := s.runner.Run(ctx, pipelineName, query, params)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", runErr)), nil
	}
	return s.outcomeResult(ctx, out)
}

// handleResume answers a pending prompt and continues the run.
func (s *Server) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	response, err := req.RequireString("response")
	if err != nil {
		return mcp.NewToolResultError("response is required"), nil
	}
	resolvedBy := req.GetString("agent_id", "mcp")
	if resolvedBy != "mcp" {
		s.captureSession(ctx, resolvedBy)
	}

	out, resumeErr := s.runner.Resume(ctx, runID, response, resolvedBy)
	if resumeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", resumeErr)), nil
	}
	return s.outcomeResult(ctx, out)
}

// handleCancel cancels a run and its pending prompts.
func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	if cancelErr := s.runner.Cancel(ctx, runID); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}
	return marshalResult(map[string]any{
		"run_id": runID,
		"status": schema.RunStatusCancelled,
	})
}

// handleStatus returns run status, pending prompt and recent events.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	status, statusErr := s.runner.Status(ctx, runID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	return marshalResult(status)
}

// handleQuery lists runs, events, prompts or pipelines.
func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "runs":
		return s.queryRuns(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "prompts":
		return s.queryPrompts(ctx, filter)
	case "pipelines":
		return marshalResult(map[string]any{"pipelines": s.runner.Pipelines()})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// handleData inspects or refreshes the shared market data store.
func (s *Server) handleData(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	switch action {
	case "snapshot":
		return marshalResult(map[string]any{"buckets": s.data.Summaries()})
	case "refresh":
		return s.refreshData(ctx, mcp.ParseStringMap(req, "params", nil))
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
}

func (s *Server) refreshData(ctx context.Context, params map[string]any) (*mcp.CallToolResult, error) {
	symbols := stringSlice(params, "symbols")
	if len(symbols) == 0 {
		return mcp.NewToolResultError("refresh requires params.symbols"), nil
	}
	start, _ := params["start"].(string)
	end, _ := params["end"].(string)

	daily, err := s.provider.Daily(ctx, symbols, start, end)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("fetch daily bars: %v", err)), nil
	}
	if err := s.data.Update(datastore.BucketOHLCV, daily); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("update datastore: %v", err)), nil
	}

	refreshed := map[string]any{"symbols": symbols, "fields": len(daily)}
	if indicators := stringSlice(params, "indicators"); len(indicators) > 0 {
		ind, indErr := s.provider.Indicators(ctx, symbols, start, end, indicators)
		if indErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("fetch indicators: %v", indErr)), nil
		}
		if err := s.data.Update(datastore.BucketIndicators, ind); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("update datastore: %v", err)), nil
		}
		refreshed["indicators"] = indicators
	}

	if s.hub != nil {
		_ = s.hub.Publish(ctx, streaming.StreamEvent{
			Type:    schema.EventDataRefreshed,
			Payload: refreshed,
		})
	}
	return marshalResult(refreshed)
}

// handleDiagram renders a pipeline graph in the requested format.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pipelineName, err := req.RequireString("pipeline")
	if err != nil {
		return mcp.NewToolResultError("pipeline is required"), nil
	}
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}

	wf, ok := s.runner.Resolve(pipelineName)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("unknown pipeline: %s", pipelineName)), nil
	}

	opts := []diagram.Option{diagram.WithSuspendable("clarify")}
	if pipelineName == pipeline.MainWorkflow {
		opts = append(opts, diagram.WithSubworkflows(
			pipeline.SignalWorkflow, pipeline.BacktestWorkflow))
	}
	if runID := req.GetString("run_id", ""); runID != "" {
		events, evErr := s.store.GetEvents(ctx, runID, 0)
		if evErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("load run events: %v", evErr)), nil
		}
		views, replayErr := store.ReplayStepViews(runID, events)
		if replayErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("replay run: %v", replayErr)), nil
		}
		opts = append(opts, diagram.WithStatus(views))
	}
	model := diagram.Build(wf, opts...)

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "image":
		png, imgErr := diagram.RenderImage(model)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
	default:
		return mcp.NewToolResultError("format must be ascii, mermaid, or image"), nil
	}
}

// --- Query helpers ---

func (s *Server) queryRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	rf := store.RunFilter{Limit: extractInt(filter, "limit", 50)}
	if status, ok := filter["status"].(string); ok && status != "" {
		rs := schema.RunStatus(status)
		rf.Status = &rs
	}
	if pipelineName, ok := filter["pipeline"].(string); ok {
		rf.Pipeline = pipelineName
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			rf.Since = &t
		}
	}

	runs, err := s.store.ListRuns(ctx, rf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

func (s *Server) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.EventFilter{Limit: extractInt(filter, "limit", 100)}
	if runID, ok := filter["run_id"].(string); ok {
		ef.RunID = runID
	}
	if step, ok := filter["step"].(string); ok {
		ef.Step = step
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			ef.Since = &t
		}
	}

	if eventType, ok := filter["event_type"].(string); ok && eventType != "" {
		events, err := s.store.GetEventsByType(ctx, eventType, ef)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"events": events})
	}

	if ef.RunID == "" {
		return mcp.NewToolResultError("event query requires either 'event_type' or 'run_id' in filter"), nil
	}
	events, err := s.store.GetEvents(ctx, ef.RunID, 0)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *Server) queryPrompts(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	pf := store.PromptFilter{Limit: extractInt(filter, "limit", 50)}
	if runID, ok := filter["run_id"].(string); ok {
		pf.RunID = runID
	}
	if status, ok := filter["status"].(string); ok {
		pf.Status = status
	}

	prompts, err := s.store.ListPrompts(ctx, pf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"prompts": prompts})
}

// --- Internal helpers ---

// outcomeResult augments the runner outcome with the persisted final
// state so agents get results in one call.
func (s *Server) outcomeResult(ctx context.Context, out *runner.Outcome) (*mcp.CallToolResult, error) {
	body := map[string]any{
		"run_id": out.RunID,
		"status": out.Status,
	}
	if out.Question != "" {
		body["question"] = out.Question
		body["prompt_id"] = out.PromptID
	}
	if out.Status == schema.RunStatusCompleted {
		if run, err := s.store.GetRun(ctx, out.RunID); err == nil && len(run.FinalState) > 0 {
			body["final_state"] = json.RawMessage(run.FinalState)
		}
	}
	return marshalResult(body)
}

// captureSession maps the agent ID to its current MCP session for
// notifications.
func (s *Server) captureSession(ctx context.Context, agentID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(agentID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// stringSlice extracts a []string from a params map, tolerating the
// []any shape JSON decoding produces.
func stringSlice(params map[string]any, key string) []string {
	if params == nil {
		return nil
	}
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
