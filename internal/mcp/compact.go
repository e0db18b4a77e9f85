package mcp

import (
	"fmt"

	"github.com/ashita-ai/atelier/internal/model"
)

const maxCompactText = 200

// compactEntity returns a minimal representation of an artist for MCP responses.
// Drops the full profile and adaptive parameters except for the genre.
func compactEntity(e model.Entity) map[string]any {
	m := map[string]any{
		"id":                     e.ID,
		"name":                   e.Name,
		"status":                 e.Status,
		"total_runs":             e.TotalRuns,
		"total_approvals":        e.TotalApprovals,
		"consecutive_rejections": e.ConsecutiveRejections,
		"autopilot":              e.AutopilotEnabled,
	}
	if genre, ok := e.Profile["genre"]; ok {
		m["genre"] = genre
	}
	if e.LastRunAt != nil {
		m["last_run_at"] = e.LastRunAt
	}
	if note := entityNote(e); note != "" {
		m["context_note"] = note
	}
	return m
}

// entityNote produces a human-readable signal for an artist.
// First matching rule wins; "" when none fires.
func entityNote(e model.Entity) string {
	switch {
	case e.Status == model.EntityStatusRetired:
		return fmt.Sprintf("Retired after %d runs with %d approvals.", e.TotalRuns, e.TotalApprovals)
	case e.TotalRuns == 0:
		return "No runs yet."
	case e.ConsecutiveRejections >= 2:
		return fmt.Sprintf("Last %d runs were not approved.", e.ConsecutiveRejections)
	case e.TotalApprovals > 0:
		return fmt.Sprintf("Approved %d of %d runs.", e.TotalApprovals, e.TotalRuns)
	}
	return ""
}

// compactRun returns a minimal representation of a run. Artifact metadata is
// dropped and the reflection is truncated.
func compactRun(r model.Run) map[string]any {
	m := map[string]any{
		"run_id":     r.ID,
		"entity_id":  r.EntityID,
		"state":      r.State,
		"created_at": r.CreatedAt,
	}
	if r.DecidedAt != nil {
		m["decided_at"] = r.DecidedAt
	}
	if r.ParameterSnapshot.Variant != nil {
		m["variant"] = *r.ParameterSnapshot.Variant
	}
	if len(r.ArtifactRefs) > 0 {
		kinds := make([]string, len(r.ArtifactRefs))
		for i, a := range r.ArtifactRefs {
			kinds[i] = a.Kind
		}
		m["artifacts"] = kinds
	}
	if r.ApprovalHandle != nil && r.State == model.RunStateAwaitingApproval {
		m["approval_handle"] = *r.ApprovalHandle
	}
	if r.ReflectionText != nil && *r.ReflectionText != "" {
		m["reflection"] = truncate(*r.ReflectionText, maxCompactText)
	}
	if r.FailureReason != nil {
		m["failure_reason"] = truncate(*r.FailureReason, maxCompactText)
	}
	return m
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
