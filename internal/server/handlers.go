package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/atelier/internal/approval"
	"github.com/ashita-ai/atelier/internal/auth"
	"github.com/ashita-ai/atelier/internal/model"
	"github.com/ashita-ai/atelier/internal/storage"
)

// Store is the read side of the repositories the operator API serves.
type Store interface {
	GetEntity(ctx context.Context, id uuid.UUID) (model.Entity, error)
	ListEntities(ctx context.Context, status *model.EntityStatus, limit, offset int) ([]model.Entity, error)
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	ListRunsByEntity(ctx context.Context, entityID uuid.UUID, limit, offset int) ([]model.Run, int, error)
	StatusView(ctx context.Context) ([]model.EntityStatusView, error)
}

// Pinger is implemented by stores that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DecisionRecorder records a reviewer's verdict. Implemented by *approval.Service.
type DecisionRecorder interface {
	Record(ctx context.Context, h approval.Handle, d model.Decision) error
}

// TokenVerifier validates decision-link tokens. Implemented by *auth.TokenSigner.
type TokenVerifier interface {
	Verify(token string) (*auth.DecisionClaims, error)
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               Store
	approvals           DecisionRecorder
	verifier            TokenVerifier
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Approvals and Verifier are optional; without them the callback answers 503.
type HandlersDeps struct {
	Store               Store
	Approvals           DecisionRecorder
	Verifier            TokenVerifier
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		store:               d.Store,
		approvals:           d.Approvals,
		verifier:            d.Verifier,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:        "healthy",
		Version:       h.version,
		Storage:       "connected",
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
	}
	status := http.StatusOK
	if p, ok := h.store.(Pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			h.logger.Warn("health: storage ping failed", "error", err)
			resp.Status = "unhealthy"
			resp.Storage = "disconnected"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, r, status, resp)
}

// HandleListEntities handles GET /v1/entities.
func (h *Handlers) HandleListEntities(w http.ResponseWriter, r *http.Request) {
	var status *model.EntityStatus
	if v := r.URL.Query().Get("status"); v != "" {
		s := model.EntityStatus(v)
		if !s.Valid() {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, fmt.Sprintf("invalid status: %s", v))
			return
		}
		status = &s
	}
	limit, offset := queryLimit(r, 50), queryOffset(r)

	entities, err := h.store.ListEntities(r.Context(), status, limit, offset)
	if err != nil {
		h.internalError(w, r, "list entities", err)
		return
	}
	writeList(w, r, entities, nil, len(entities), limit, offset)
}

// HandleGetEntity handles GET /v1/entities/{id}.
func (h *Handlers) HandleGetEntity(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	e, err := h.store.GetEntity(r.Context(), id)
	if err != nil {
		h.storeError(w, r, "get entity", err)
		return
	}
	writeJSON(w, r, http.StatusOK, e)
}

// HandleListEntityRuns handles GET /v1/entities/{id}/runs.
func (h *Handlers) HandleListEntityRuns(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if _, err := h.store.GetEntity(r.Context(), id); err != nil {
		h.storeError(w, r, "get entity", err)
		return
	}
	limit, offset := queryLimit(r, 20), queryOffset(r)
	runs, total, err := h.store.ListRunsByEntity(r.Context(), id, limit, offset)
	if err != nil {
		h.internalError(w, r, "list runs", err)
		return
	}
	writeList(w, r, runs, &total, len(runs), limit, offset)
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathID(r, "run_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	run, err := h.store.GetRun(r.Context(), id)
	if err != nil {
		h.storeError(w, r, "get run", err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleStatus handles GET /v1/status: every entity with its latest run.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := h.store.StatusView(r.Context())
	if err != nil {
		h.internalError(w, r, "status view", err)
		return
	}
	writeJSON(w, r, http.StatusOK, view)
}

// decisionResult is returned by the approval callback.
type decisionResult struct {
	Handle   string         `json:"handle"`
	Decision model.Decision `json:"decision"`
}

// HandleApprovalCallback handles GET and POST /v1/approvals/{handle}.
//
// The decision comes from the signed token, so a link click (GET) is enough.
// A POST may carry the token in the body instead of the query string. When
// the body also names a decision it must agree with the token.
func (h *Handlers) HandleApprovalCallback(w http.ResponseWriter, r *http.Request) {
	if h.approvals == nil || h.verifier == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "approvals are not configured")
		return
	}
	handle := r.PathValue("handle")
	if handle == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "handle is required")
		return
	}

	token := r.URL.Query().Get("token")
	var requested model.Decision
	if r.Method == http.MethodPost && r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes())
		var req model.RecordDecisionRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
			return
		}
		if req.Token != "" {
			token = req.Token
		}
		if req.Decision != "" {
			d, err := model.ParseDecision(req.Decision)
			if err != nil || !d.Final() {
				writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "decision must be approved or rejected")
				return
			}
			requested = d
		}
	}
	if token == "" {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "missing token")
		return
	}

	claims, err := h.verifier.Verify(token)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid or expired token")
		return
	}
	if claims.Handle != handle {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "token does not match handle")
		return
	}
	if requested != "" && requested != claims.Decision {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "decision does not match token")
		return
	}

	if err := h.approvals.Record(r.Context(), approval.Handle(handle), claims.Decision); err != nil {
		switch {
		case errors.Is(err, approval.ErrUnknownHandle):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unknown approval handle")
		case errors.Is(err, approval.ErrAlreadyDecided):
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "a different decision was already recorded")
		default:
			h.internalError(w, r, "record decision", err)
		}
		return
	}
	writeJSON(w, r, http.StatusOK, decisionResult{Handle: handle, Decision: claims.Decision})
}

func (h *Handlers) maxBodyBytes() int64 {
	if h.maxRequestBodyBytes > 0 {
		return h.maxRequestBodyBytes
	}
	return 1 << 20
}

// storeError maps repository sentinels onto HTTP errors.
func (h *Handlers) storeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
		return
	}
	h.internalError(w, r, op, err)
}

func (h *Handlers) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.logger.Error(op+" failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
}

// --- Shared helpers ---

func parsePathID(r *http.Request, key string) (uuid.UUID, error) {
	raw := r.PathValue(key)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%s is required", key)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %s", key, raw)
	}
	return id, nil
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 500

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// maxQueryOffset prevents absurdly large offset values.
const maxQueryOffset = 100_000

// queryOffset returns a bounded, non-negative offset from query params.
func queryOffset(r *http.Request) int {
	return min(max(queryInt(r, "offset", 0), 0), maxQueryOffset)
}

// queryLimit returns a limit clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	return min(max(queryInt(r, "limit", defaultVal), 1), maxQueryLimit)
}
