// Package mcp exposes the session surface over the Model Context Protocol
// so MCP-capable agents can inspect sessions, plans, and event logs.
package mcp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/planloom/planloom/internal/domain/session"
	"github.com/planloom/planloom/internal/port/eventstore"
)

// SessionReader is the read surface the MCP tools need. The session service
// satisfies it.
type SessionReader interface {
	Get(ctx context.Context, id string) (*session.State, error)
	List(ctx context.Context, limit, offset int) ([]session.Summary, error)
}

// EventReader pages through a session's event log.
type EventReader interface {
	Events(ctx context.Context, id, cursor string, limit int) (*eventstore.Page, error)
}

// ServerConfig holds the MCP server settings.
type ServerConfig struct {
	Addr    string
	Name    string
	Version string
	// APIKey enables bearer auth on the HTTP transport when non-empty.
	APIKey string
}

// ServerDeps holds the dependencies the tools and resources read from.
// Nil fields disable the tools that need them instead of panicking.
type ServerDeps struct {
	Sessions SessionReader
	Events   EventReader
}

// Server wraps an mcp-go server plus the HTTP transport it is served on.
type Server struct {
	cfg        ServerConfig
	deps       ServerDeps
	mcpServer  *mcpserver.MCPServer
	httpServer *http.Server
}

// NewServer builds the MCP server and registers all tools and resources.
func NewServer(cfg ServerConfig, deps ServerDeps) *Server {
	s := &Server{
		cfg:  cfg,
		deps: deps,
		mcpServer: mcpserver.NewMCPServer(
			cfg.Name,
			cfg.Version,
			mcpserver.WithToolCapabilities(true),
			mcpserver.WithResourceCapabilities(false, true),
			mcpserver.WithRecovery(),
		),
	}
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying mcp-go server, mainly so callers can
// mount it on a transport of their own.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// Start serves the MCP protocol over HTTP/SSE under /mcp. It returns once
// the listener goroutine is launched; use Stop to shut it down.
func (s *Server) Start() error {
	if s.cfg.Addr == "" {
		return errors.New("mcp server: no listen address configured")
	}
	sse := mcpserver.NewSSEServer(s.mcpServer,
		mcpserver.WithBaseURL("http://"+s.cfg.Addr),
		mcpserver.WithStaticBasePath("/mcp"),
	)
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           AuthMiddleware(s.cfg.APIKey, sse),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("mcp server stopped unexpectedly", "error", err)
		}
	}()
	slog.Info("mcp server listening", "addr", s.cfg.Addr, "base_path", "/mcp")
	return nil
}

// Stop gracefully shuts down the HTTP transport. Safe to call when the
// server was never started.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
