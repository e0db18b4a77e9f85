package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	recentRunsURI      = "atelier://runs/recent"
	entityRunsPrefix   = "atelier://entity/"
	entityRunsSuffix   = "/runs"
	recentRunsLimit    = 20
	entityHistoryLimit = 20
)

func (s *Server) registerResources() {
	// atelier://runs/recent: latest runs across all artists.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			recentRunsURI,
			"Recent Runs",
			mcplib.WithResourceDescription("Most recent generation runs across all artists"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRecentRuns,
	)

	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			entityRunsPrefix+"{id}"+entityRunsSuffix,
			"Artist Runs",
			mcplib.WithTemplateDescription("Run history for one artist"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleEntityRuns,
	)
}

func (s *Server) handleRecentRuns(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	runs, err := s.store.ListRecentRuns(ctx, recentRunsLimit)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent runs: %w", err)
	}
	compact := make([]map[string]any, len(runs))
	for i, r := range runs {
		compact[i] = compactRun(r)
	}
	return jsonContents(recentRunsURI, compact)
}

func (s *Server) handleEntityRuns(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	raw, ok := strings.CutPrefix(uri, entityRunsPrefix)
	if ok {
		raw, ok = strings.CutSuffix(raw, entityRunsSuffix)
	}
	id, err := uuid.Parse(raw)
	if !ok || err != nil {
		return nil, fmt.Errorf("mcp: invalid artist runs URI: %s", uri)
	}

	e, err := s.store.GetEntity(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: artist runs: %w", err)
	}
	runs, total, err := s.store.ListRunsByEntity(ctx, id, entityHistoryLimit, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: artist runs: %w", err)
	}
	compact := make([]map[string]any, len(runs))
	for i, r := range runs {
		compact[i] = compactRun(r)
	}
	return jsonContents(uri, map[string]any{
		"artist": compactEntity(e),
		"runs":   compact,
		"total":  total,
	})
}

func jsonContents(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
