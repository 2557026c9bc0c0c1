package mcp

import (
	"context"
	"encoding/json"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/planloom/planloom/internal/domain/session"
)

// reviewScanLimit bounds how many recent sessions the pending-reviews
// resource inspects.
const reviewScanLimit = 200

// registerResources registers all MCP resources on the server.
func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"planloom://sessions",
			"Session List",
			mcplib.WithResourceDescription("Summaries of all coordination sessions, newest first"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleSessionsResource,
	)

	s.mcpServer.AddResource(
		mcplib.NewResource(
			"planloom://reviews/pending",
			"Pending Reviews",
			mcplib.WithResourceDescription("Sessions suspended and waiting for review feedback"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handlePendingReviewsResource,
	)
}

func (s *Server) handleSessionsResource(ctx context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	if s.deps.Sessions == nil {
		return []mcplib.ResourceContents{
			mcplib.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     `{"error":"session reader not configured"}`,
			},
		}, nil
	}
	summaries, err := s.deps.Sessions.List(ctx, maxToolListLimit, 0)
	if err != nil {
		return nil, err
	}
	if summaries == nil {
		summaries = []session.Summary{}
	}
	data, err := json.Marshal(summaries)
	if err != nil {
		return nil, err
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handlePendingReviewsResource(ctx context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	if s.deps.Sessions == nil {
		return []mcplib.ResourceContents{
			mcplib.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     `{"error":"session reader not configured"}`,
			},
		}, nil
	}
	summaries, err := s.deps.Sessions.List(ctx, reviewScanLimit, 0)
	if err != nil {
		return nil, err
	}
	pending := make([]session.Summary, 0, len(summaries))
	for _, sm := range summaries {
		if sm.Status == session.StatusSuspended && sm.NeedsReview && !sm.Done {
			pending = append(pending, sm)
		}
	}
	data, err := json.Marshal(pending)
	if err != nil {
		return nil, err
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
