// Package server implements the operator HTTP API and the approval callback.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/atelier/internal/ratelimit"
)

// Server is the Atelier HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Approvals, Verifier, Limiter, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	Store  Store
	Logger *slog.Logger

	// Optional dependencies (nil = disabled).
	Approvals DecisionRecorder
	Verifier  TokenVerifier
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	// AdminKeyHash is an Argon2id hash from auth.HashKey. When set, operator
	// routes require the matching bearer key.
	AdminKeyHash string

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		Approvals:           cfg.Approvals,
		Verifier:            cfg.Verifier,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	callbackRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)
	operator := requireAdminKey(cfg.AdminKeyHash, cfg.Logger)

	mux := http.NewServeMux()

	// Operator read API.
	mux.Handle("GET /v1/entities", operator(http.HandlerFunc(h.HandleListEntities)))
	mux.Handle("GET /v1/entities/{id}", operator(http.HandlerFunc(h.HandleGetEntity)))
	mux.Handle("GET /v1/entities/{id}/runs", operator(http.HandlerFunc(h.HandleListEntityRuns)))
	mux.Handle("GET /v1/runs/{run_id}", operator(http.HandlerFunc(h.HandleGetRun)))
	mux.Handle("GET /v1/status", operator(http.HandlerFunc(h.HandleStatus)))

	// Approval callback (token-authenticated, rate limited by IP).
	mux.Handle("GET /v1/approvals/{handle}", callbackRL(http.HandlerFunc(h.HandleApprovalCallback)))
	mux.Handle("POST /v1/approvals/{handle}", callbackRL(http.HandlerFunc(h.HandleApprovalCallback)))

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", operator(mcpserver.NewStreamableHTTPServer(cfg.MCPServer)))
	}

	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(newHTTPMetrics(cfg.Logger), handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
