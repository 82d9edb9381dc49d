package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/cortexlab/internal/auth"
	"github.com/ashita-ai/cortexlab/internal/engine"
	"github.com/ashita-ai/cortexlab/internal/ratelimit"
)

// Server is the CortexLab HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Verifier, Limiter, Broker, MCPServer, OpenAPISpec.
// A nil Verifier disables authentication.
type ServerConfig struct {
	// Required dependencies.
	Engine *engine.Engine
	Store  engine.Store
	Logger *slog.Logger

	// Optional dependencies (nil = disabled).
	Verifier  *auth.Verifier
	Limiter   ratelimit.Limiter
	Broker    *Broker
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	KeepaliveInterval   time.Duration

	// Optional embedded assets.
	OpenAPISpec []byte
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Engine:              cfg.Engine,
		Store:               cfg.Store,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		KeepaliveInterval:   cfg.KeepaliveInterval,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	// Starting runs and resolving checkpoints both trigger model calls.
	costlyRL := ratelimit.Middleware(limiter, ratelimit.SubjectOrIPKey, cfg.Logger)

	mux := http.NewServeMux()

	// Runs.
	mux.Handle("POST /v1/runs", costlyRL(requireWriter(http.HandlerFunc(h.HandleStartRun))))
	mux.HandleFunc("GET /v1/runs/{run_id}", h.HandleGetRun)
	mux.Handle("POST /v1/runs/{run_id}/checkpoint", costlyRL(requireWriter(http.HandlerFunc(h.HandleResolveCheckpoint))))
	mux.Handle("POST /v1/runs/{run_id}/cancel", requireWriter(http.HandlerFunc(h.HandleCancelRun)))
	mux.HandleFunc("GET /v1/runs/{run_id}/events", h.HandleRunEvents)

	// Long-lived connection, not rate limited.
	mux.HandleFunc("GET /v1/runs/{run_id}/stream", h.HandleStream)

	// Projects.
	mux.HandleFunc("GET /v1/projects/{project_id}/runs", h.HandleListRuns)
	mux.HandleFunc("GET /v1/projects/{project_id}/sources", h.HandleListSources)
	mux.HandleFunc("GET /v1/projects/{project_id}/artifacts", h.HandleListArtifacts)
	mux.Handle("POST /v1/projects/{project_id}/artifacts", requireWriter(http.HandlerFunc(h.HandleProposeArtifact)))
	mux.HandleFunc("GET /v1/projects/{project_id}/artifacts/history", h.HandleArtifactHistory)

	// Artifacts.
	mux.HandleFunc("GET /v1/artifacts/{artifact_id}", h.HandleGetArtifact)

	// MCP StreamableHTTP transport (auth required). Tools check write access
	// and project scope themselves.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// OpenAPI spec (no auth, no rate limit).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.Verifier, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
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
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
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
