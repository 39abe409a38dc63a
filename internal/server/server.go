package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/hatchery/internal/auth"
	"github.com/ashita-ai/hatchery/internal/breaker"
	"github.com/ashita-ai/hatchery/internal/ctxutil"
	"github.com/ashita-ai/hatchery/internal/model"
	"github.com/ashita-ai/hatchery/internal/ratelimit"
	"github.com/ashita-ai/hatchery/internal/service/trials"
)

// Server is the Hatchery HTTP server.
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
// Optional fields (nil-safe): Keyring, Breakers, Store, Idempotency, Limiter,
// MCPServer, OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	Trials *trials.Coordinator
	JWTMgr *auth.JWTManager
	Logger *slog.Logger

	// Optional dependencies (nil = disabled).
	Keyring   *auth.Keyring
	Breakers  *breaker.Registry
	Store     Pinger
	StoreName string
	// Idempotency enables Idempotency-Key replay on POST /trials.
	Idempotency IdempotencyStore
	Limiter     ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	SSEKeepalive        time.Duration

	OpenAPISpec []byte // Embedded OpenAPI YAML.
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Trials:              cfg.Trials,
		JWTMgr:              cfg.JWTMgr,
		Keyring:             cfg.Keyring,
		Breakers:            cfg.Breakers,
		Store:               cfg.Store,
		StoreName:           cfg.StoreName,
		Idempotency:         cfg.Idempotency,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
		SSEKeepalive:        cfg.SSEKeepalive,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	authRL := ratelimit.Middleware(cfg.Limiter, prefixed("auth", ratelimit.IPKeyFunc), reqIDFunc, cfg.Logger)
	createRL := ratelimit.Middleware(cfg.Limiter, prefixed("trials", subjectKeyFunc), reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Token endpoints (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))
	mux.Handle("POST /auth/refresh", authRL(http.HandlerFunc(h.HandleAuthRefresh)))

	writeScope := requireScope(model.ScopeTrialsWrite)
	readScope := requireScope(model.ScopeTrialsRead)

	// Trial creation is the only endpoint that spends downstream budget, so it
	// is the only one rate limited per subject.
	mux.Handle("POST /trials", writeScope(createRL(http.HandlerFunc(h.HandleCreateTrial))))
	mux.Handle("POST /trials/{id}/cancel", writeScope(http.HandlerFunc(h.HandleCancelTrial)))

	mux.Handle("GET /trials", readScope(http.HandlerFunc(h.HandleListTrials)))
	mux.Handle("GET /trials/{id}", readScope(http.HandlerFunc(h.HandleGetTrial)))
	mux.Handle("GET /trials/{id}/metrics", readScope(http.HandlerFunc(h.HandleTrialMetrics)))
	mux.Handle("GET /trials/{id}/workflow", readScope(http.HandlerFunc(h.HandleTrialWorkflow)))

	// Event stream (no rate limit, long-lived connection).
	mux.Handle("GET /trials/{id}/events", readScope(http.HandlerFunc(h.HandleTrialEvents)))

	// MCP StreamableHTTP transport (auth required, read scope; tools check
	// write scope themselves).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", readScope(mcpHTTP))
	}

	// OpenAPI spec (no auth, no rate limit).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
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

// subjectKeyFunc keys rate limits by token subject. Admins are exempt.
func subjectKeyFunc(r *http.Request) string {
	id, ok := ctxutil.IdentityFromContext(r.Context())
	if !ok || id.IsAdmin() {
		return ""
	}
	return id.Subject
}

// prefixed namespaces a key function so one limiter can serve several rules.
func prefixed(prefix string, fn ratelimit.KeyFunc) ratelimit.KeyFunc {
	return func(r *http.Request) string {
		key := fn(r)
		if key == "" {
			return ""
		}
		return prefix + ":" + key
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
