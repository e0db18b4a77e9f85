package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/atelier/internal/approval"
	"github.com/ashita-ai/atelier/internal/model"
	"github.com/ashita-ai/atelier/internal/storage"
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("atelier_artists",
			mcplib.WithDescription(`List the managed artists.

WHEN TO USE: To see who is on the roster, who is close to retirement, and
which artists are still candidates waiting for their first approval.

Each artist carries run and approval counts plus a short context note.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("status",
				mcplib.Description("Only artists with this status"),
				mcplib.Enum(string(model.EntityStatusCandidate), string(model.EntityStatusActive), string(model.EntityStatusRetired)),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of artists to return"),
				mcplib.Min(1),
				mcplib.Max(200),
				mcplib.DefaultNumber(50),
			),
		),
		s.handleArtists,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("atelier_run",
			mcplib.WithDescription(`Inspect one generation run: its state, parameter snapshot, artifacts,
self-critique and the providers that served it.

A run in awaiting_approval carries the approval_handle that atelier_decide needs.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id",
				mcplib.Description("The run ID (UUID)"),
				mcplib.Required(),
			),
		),
		s.handleRun,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("atelier_decide",
			mcplib.WithDescription(`Approve or reject a release that is waiting for review.

The first decision recorded for a handle wins. Repeating the same decision
is harmless; a contradicting one is refused.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("handle",
				mcplib.Description("The approval handle from atelier_run"),
				mcplib.Required(),
			),
			mcplib.WithString("decision",
				mcplib.Description("approved or rejected"),
				mcplib.Required(),
				mcplib.Enum(string(model.DecisionApproved), string(model.DecisionRejected)),
			),
		),
		s.handleDecide,
	)
}

func (s *Server) handleArtists(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	var status *model.EntityStatus
	if raw := request.GetString("status", ""); raw != "" {
		st := model.EntityStatus(raw)
		if !st.Valid() {
			return errorResult(fmt.Sprintf("unknown status %q", raw)), nil
		}
		status = &st
	}
	limit := min(max(request.GetInt("limit", 50), 1), 200)

	entities, err := s.store.ListEntities(ctx, status, limit, 0)
	if err != nil {
		return errorResult(fmt.Sprintf("list artists failed: %v", err)), nil
	}
	compact := make([]map[string]any, len(entities))
	for i, e := range entities {
		compact[i] = compactEntity(e)
	}
	return jsonResult(map[string]any{"artists": compact, "count": len(compact)})
}

func (s *Server) handleRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	raw := request.GetString("run_id", "")
	if raw == "" {
		return errorResult("run_id is required"), nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return errorResult(fmt.Sprintf("invalid run_id: %s", raw)), nil
	}

	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorResult(fmt.Sprintf("run %s not found", id)), nil
		}
		return errorResult(fmt.Sprintf("get run failed: %v", err)), nil
	}
	out := map[string]any{"run": run}
	if e, err := s.store.GetEntity(ctx, run.EntityID); err == nil {
		out["artist"] = compactEntity(e)
	} else {
		s.logger.Warn("run artist lookup failed", "run_id", id, "error", err)
	}
	return jsonResult(out)
}

func (s *Server) handleDecide(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.decider == nil {
		return errorResult("approvals are not configured"), nil
	}
	handle := request.GetString("handle", "")
	if handle == "" {
		return errorResult("handle is required"), nil
	}
	d, err := model.ParseDecision(request.GetString("decision", ""))
	if err != nil || !d.Final() {
		return errorResult("decision must be approved or rejected"), nil
	}

	if err := s.decider.Record(ctx, approval.Handle(handle), d); err != nil {
		switch {
		case errors.Is(err, approval.ErrUnknownHandle):
			return errorResult(fmt.Sprintf("unknown approval handle %q", handle)), nil
		case errors.Is(err, approval.ErrAlreadyDecided):
			return errorResult("a different decision was already recorded for this handle"), nil
		}
		return errorResult(fmt.Sprintf("record decision failed: %v", err)), nil
	}
	s.logger.Info("decision recorded via mcp", "handle", handle, "decision", d)
	return jsonResult(map[string]any{"handle": handle, "decision": d, "status": "recorded"})
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}
