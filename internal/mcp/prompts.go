package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// review-release walks a reviewer through one pending run.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("review-release",
			mcplib.WithPromptDescription("Review a release waiting for approval and record a decision"),
			mcplib.WithArgument("run_id",
				mcplib.ArgumentDescription("The run to review"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleReviewReleasePrompt,
	)

	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("roster-briefing",
			mcplib.WithPromptDescription("Summarize the roster: who is thriving, who is at risk of retirement"),
		),
		s.handleRosterBriefingPrompt,
	)
}

func (s *Server) handleReviewReleasePrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	runID := request.Params.Arguments["run_id"]
	if runID == "" {
		return nil, fmt.Errorf("run_id argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Review run %s", runID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Review release candidate %[1]s:

1. CALL atelier_run with run_id="%[1]s".

2. CHECK the run:
   - state must be awaiting_approval; anything else is already settled.
   - Read the artifacts, lyrics and the artist's own critique.
   - Compare against the artist's profile and recent history
     (resource atelier://entity/{entity_id}/runs).

3. DECIDE, then CALL atelier_decide with the run's approval_handle and
   decision="approved" or decision="rejected". State your reasoning in one
   or two sentences before calling.`, runID),
				},
			},
		},
	}, nil
}

func (s *Server) handleRosterBriefingPrompt(_ context.Context, _ mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "Roster briefing",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `Brief me on the roster:

1. CALL atelier_artists with status="active", then status="candidate".
2. READ atelier://runs/recent for the latest cycles.
3. REPORT, in this order:
   - Releases waiting for review (state awaiting_approval).
   - Artists with two or more consecutive rejections.
   - Candidates that have not yet been approved.
   - Anything that failed in the recent runs, with the failure reason.
Keep it short.`,
				},
			},
		},
	}, nil
}
