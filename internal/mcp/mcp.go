// Package mcp exposes Atelier to MCP clients.
//
// Operators can list artists, inspect runs and record approval decisions
// through the same repositories and approval service the HTTP API uses.
package mcp

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/atelier/internal/approval"
	"github.com/ashita-ai/atelier/internal/model"
)

// Store is the read side of the repositories.
type Store interface {
	ListEntities(ctx context.Context, status *model.EntityStatus, limit, offset int) ([]model.Entity, error)
	GetEntity(ctx context.Context, id uuid.UUID) (model.Entity, error)
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	ListRecentRuns(ctx context.Context, limit int) ([]model.Run, error)
	ListRunsByEntity(ctx context.Context, entityID uuid.UUID, limit, offset int) ([]model.Run, int, error)
}

// Decider records a reviewer's verdict. Implemented by *approval.Service.
type Decider interface {
	Record(ctx context.Context, h approval.Handle, d model.Decision) error
}

// Server wraps the MCP server with Atelier's repositories.
type Server struct {
	mcpServer *mcpserver.MCPServer
	store     Store
	decider   Decider
	logger    *slog.Logger
}

// New creates and configures an MCP server with all resources, tools and prompts.
// decider may be nil, in which case atelier_decide reports that approvals are off.
func New(store Store, decider Decider, version string, logger *slog.Logger) *Server {
	s := &Server{
		store:   store,
		decider: decider,
		logger:  logger.With("component", "mcp"),
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"atelier",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithInstructions("Atelier runs autonomous artists. Use atelier_artists to see the roster, "+
			"atelier_run to inspect a generation cycle, and atelier_decide to approve or reject a release."),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
