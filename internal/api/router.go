// Package api provides the HTTP surface of the server: MCP over HTTP and
// WebSocket, a REST rendition of the tools, health and metrics.
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"mcp-resource-server/internal/api/handlers"
	"mcp-resource-server/internal/api/middleware"
	"mcp-resource-server/internal/api/response"
	"mcp-resource-server/internal/dispatch"
	"mcp-resource-server/internal/logging"
	"mcp-resource-server/internal/metrics"
	"mcp-resource-server/internal/security"
)

const (
	defaultMaxRequestBytes = 32 << 20
	defaultRequestTimeout  = 30 * time.Second
)

// Options are the collaborators of a Router. Metrics and Logger may be nil.
type Options struct {
	Name    string
	Version string

	Dispatcher *dispatch.Dispatcher
	MCP        handlers.RequestHandler
	Extractor  *security.Extractor
	Metrics    *metrics.Metrics
	Logger     logging.Logger
	Checks     map[string]handlers.CheckFunc

	MaxRequestBytes int64
	RequestTimeout  time.Duration
}

// Router represents the main API router
type Router struct {
	opts Options
	mux  *chi.Mux
}

// NewRouter creates a new API router with middleware and routes
func NewRouter(opts Options) *Router {
	if opts.Logger == nil {
		opts.Logger = logging.NewNoOpLogger()
	}
	if opts.Extractor == nil {
		opts.Extractor = security.NewExtractor(security.ExtractorConfig{})
	}
	if opts.MaxRequestBytes <= 0 {
		opts.MaxRequestBytes = defaultMaxRequestBytes
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}

	r := &Router{opts: opts, mux: chi.NewRouter()}
	r.setupMiddleware()
	r.setupRoutes()
	return r
}

// Handler returns the HTTP handler
func (r *Router) Handler() http.Handler {
	return r.mux
}

// setupMiddleware configures the middleware stack
func (r *Router) setupMiddleware() {
	r.mux.Use(chimiddleware.Recoverer)
	r.mux.Use(middleware.NewLoggingMiddleware(r.opts.Logger).Handler())
	r.mux.Use(r.timeoutMiddleware())
	r.mux.Use(chimiddleware.RequestSize(r.opts.MaxRequestBytes))
	r.mux.Use(chimiddleware.Heartbeat("/ping"))
	r.mux.Use(middleware.Identity(r.opts.Extractor, r.opts.Logger))
}

// timeoutMiddleware creates a timeout middleware that excludes WebSocket endpoints
func (r *Router) timeoutMiddleware() func(http.Handler) http.Handler {
	timeout := chimiddleware.Timeout(r.opts.RequestTimeout)
	return func(next http.Handler) http.Handler {
		withTimeout := timeout(next)
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.HasPrefix(req.URL.Path, "/ws") {
				next.ServeHTTP(w, req)
				return
			}
			withTimeout.ServeHTTP(w, req)
		})
	}
}

// setupRoutes configures API routes
func (r *Router) setupRoutes() {
	health := handlers.NewHealthHandler(r.opts.Name, r.opts.Version, r.opts.Checks)
	r.mux.Get("/health", health.Handle)

	if r.opts.Metrics != nil {
		r.mux.Method(http.MethodGet, "/metrics", r.opts.Metrics.Handler())
	}

	r.mux.Method(http.MethodPost, "/mcp", handlers.NewMCPHandler(r.opts.MCP, r.opts.Logger))

	ws := handlers.NewWebSocketHandler(r.opts.MCP, r.opts.Metrics, r.opts.Logger, r.opts.MaxRequestBytes)
	r.mux.Get("/ws", ws.HandleUpgrade)

	tools := handlers.NewToolsHandler(r.opts.Dispatcher)
	r.mux.Route("/v1", func(rtr chi.Router) {
		rtr.Get("/tools", tools.List)
		rtr.Post("/tools/{name}", tools.Call)
	})

	r.mux.Get("/", r.handleRoot)
	r.mux.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		response.WriteNotFound(w, "Endpoint not found")
	})
	r.mux.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		response.WriteMethodNotAllowed(w, "Method not allowed")
	})
}

// handleRoot handles requests to the root endpoint
func (r *Router) handleRoot(w http.ResponseWriter, _ *http.Request) {
	response.WriteSuccess(w, map[string]interface{}{
		"server":  r.opts.Name,
		"version": r.opts.Version,
		"endpoints": map[string]string{
			"mcp":       "/mcp",
			"websocket": "/ws",
			"tools":     "/v1/tools",
			"health":    "/health",
			"metrics":   "/metrics",
		},
	})
}
