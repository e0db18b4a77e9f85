package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   *int         `json:"total,omitempty"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// EntityStatusView is one row of the operator status view: an entity and its latest run.
type EntityStatusView struct {
	EntityID              uuid.UUID    `json:"entity_id"`
	Name                  string       `json:"name"`
	Status                EntityStatus `json:"status"`
	ConsecutiveRejections int          `json:"consecutive_rejections"`
	TotalRuns             int          `json:"total_runs"`
	TotalApprovals        int          `json:"total_approvals"`
	LastRunAt             *time.Time   `json:"last_run_at,omitempty"`
	LatestRunID           *uuid.UUID   `json:"latest_run_id,omitempty"`
	LatestRunState        *RunState    `json:"latest_run_state,omitempty"`
}

// StatusView builds the view row for e given its most recent run, if any.
func StatusView(e Entity, latest *Run) EntityStatusView {
	v := EntityStatusView{
		EntityID:              e.ID,
		Name:                  e.Name,
		Status:                e.Status,
		ConsecutiveRejections: e.ConsecutiveRejections,
		TotalRuns:             e.TotalRuns,
		TotalApprovals:        e.TotalApprovals,
		LastRunAt:             e.LastRunAt,
	}
	if latest != nil {
		id, st := latest.ID, latest.State
		v.LatestRunID = &id
		v.LatestRunState = &st
	}
	return v
}

// RecordDecisionRequest is the body accepted by the approval callback endpoint.
type RecordDecisionRequest struct {
	Decision string `json:"decision"`
	Token    string `json:"token"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Storage       string `json:"storage"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}
