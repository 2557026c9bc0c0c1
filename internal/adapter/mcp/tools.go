package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/planloom/planloom/internal/domain/session"
)

const (
	defaultToolListLimit = 50
	maxToolListLimit     = 200
)

// planView is the get_plan payload: the plan plus the cursor position,
// without the rest of the session state.
type planView struct {
	SessionID string         `json:"session_id"`
	Status    session.Status `json:"status"`
	StepIndex int            `json:"step_index"`
	Plan      []session.Step `json:"plan"`
}

// registerTools registers all MCP tools on the server.
func (s *Server) registerTools() {
	s.mcpServer.AddTools(
		s.listSessionsTool(),
		s.getSessionTool(),
		s.getPlanTool(),
		s.getSessionEventsTool(),
	)
}

func (s *Server) listSessionsTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("list_sessions",
		mcplib.WithDescription("List coordination sessions, newest first"),
		mcplib.WithNumber("limit",
			mcplib.Description("Maximum number of sessions to return (default 50, max 200)"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleListSessions,
	}
}

func (s *Server) getSessionTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_session",
		mcplib.WithDescription("Get the full state of a session by ID"),
		mcplib.WithString("session_id",
			mcplib.Required(),
			mcplib.Description("The session ID to look up"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleGetSession,
	}
}

func (s *Server) getPlanTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_plan",
		mcplib.WithDescription("Get a session's plan and current step position"),
		mcplib.WithString("session_id",
			mcplib.Required(),
			mcplib.Description("The session ID whose plan to fetch"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleGetPlan,
	}
}

func (s *Server) getSessionEventsTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_session_events",
		mcplib.WithDescription("Page through a session's event log in append order"),
		mcplib.WithString("session_id",
			mcplib.Required(),
			mcplib.Description("The session ID whose events to fetch"),
		),
		mcplib.WithString("cursor",
			mcplib.Description("Opaque cursor from a previous page; omit for the first page"),
		),
		mcplib.WithNumber("limit",
			mcplib.Description("Maximum number of events to return (default 50, max 200)"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleGetSessionEvents,
	}
}

func (s *Server) handleListSessions(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Sessions == nil {
		return mcplib.NewToolResultError("session reader not configured"), nil
	}
	limit := toolLimit(req.GetArguments())
	summaries, err := s.deps.Sessions.List(ctx, limit, 0)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to list sessions", err), nil
	}
	if summaries == nil {
		summaries = []session.Summary{}
	}
	data, err := json.Marshal(summaries)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal sessions", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleGetSession(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Sessions == nil {
		return mcplib.NewToolResultError("session reader not configured"), nil
	}
	args := req.GetArguments()
	sessionID, ok := args["session_id"].(string)
	if !ok || sessionID == "" {
		return mcplib.NewToolResultError("session_id is required"), nil
	}
	st, err := s.deps.Sessions.Get(ctx, sessionID)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(
			fmt.Sprintf("failed to get session %s", sessionID), err,
		), nil
	}
	data, err := json.Marshal(st)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal session", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleGetPlan(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Sessions == nil {
		return mcplib.NewToolResultError("session reader not configured"), nil
	}
	args := req.GetArguments()
	sessionID, ok := args["session_id"].(string)
	if !ok || sessionID == "" {
		return mcplib.NewToolResultError("session_id is required"), nil
	}
	st, err := s.deps.Sessions.Get(ctx, sessionID)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(
			fmt.Sprintf("failed to get session %s", sessionID), err,
		), nil
	}
	view := planView{
		SessionID: st.SessionID,
		Status:    st.Status,
		StepIndex: st.StepIndex,
		Plan:      st.Plan,
	}
	if view.Plan == nil {
		view.Plan = []session.Step{}
	}
	data, err := json.Marshal(view)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal plan", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleGetSessionEvents(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Events == nil {
		return mcplib.NewToolResultError("event reader not configured"), nil
	}
	args := req.GetArguments()
	sessionID, ok := args["session_id"].(string)
	if !ok || sessionID == "" {
		return mcplib.NewToolResultError("session_id is required"), nil
	}
	cursor, _ := args["cursor"].(string)
	page, err := s.deps.Events.Events(ctx, sessionID, cursor, toolLimit(args))
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(
			fmt.Sprintf("failed to load events for session %s", sessionID), err,
		), nil
	}
	data, err := json.Marshal(page)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal events", err), nil
	}
	return toolResultJSON(string(data)), nil
}

// toolLimit reads the optional numeric "limit" argument, clamped to the
// same bounds the REST API enforces.
func toolLimit(args map[string]any) int {
	limit := defaultToolListLimit
	if v, ok := args["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}
	if limit > maxToolListLimit {
		limit = maxToolListLimit
	}
	return limit
}

// toolResultJSON wraps an already-serialized JSON payload as a text result,
// the one content type every MCP client understands.
func toolResultJSON(data string) *mcplib.CallToolResult {
	return mcplib.NewToolResultText(data)
}
