// Package server is the HTTP surface of the gateway: the chi router, the
// SSE stream endpoints and the single error-to-status mapping.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ozgurkan/chatgate/pkg/auth"
	"github.com/ozgurkan/chatgate/pkg/chat"
	"github.com/ozgurkan/chatgate/pkg/config"
	"github.com/ozgurkan/chatgate/pkg/llms"
	"github.com/ozgurkan/chatgate/pkg/mcp"
	"github.com/ozgurkan/chatgate/pkg/observability"
	"github.com/ozgurkan/chatgate/pkg/store"
)

// Server carries the request-scoped view of the application: every handler
// reaches its dependencies through this value, never through globals.
type Server struct {
	cfg          config.ServerConfig
	store        *store.Store
	orchestrator *chat.Orchestrator
	models       *llms.Registry
	authmw       *auth.Middleware

	// tools is nil when no tool servers are configured.
	tools *mcp.Client

	metrics     *observability.Metrics
	sessionPing func(context.Context) error

	httpServer *http.Server
}

// Option configures optional server dependencies.
type Option func(*Server)

// WithTools enables the /api/mcp surface and tool streaming.
func WithTools(tools *mcp.Client) Option {
	return func(s *Server) { s.tools = tools }
}

// WithMetrics enables /metrics and request instrumentation.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithSessionPing adds a session-store probe to the health report.
func WithSessionPing(ping func(context.Context) error) Option {
	return func(s *Server) { s.sessionPing = ping }
}

func New(cfg config.ServerConfig, st *store.Store, orchestrator *chat.Orchestrator, models *llms.Registry, authmw *auth.Middleware, opts ...Option) *Server {
	s := &Server{
		cfg:          cfg,
		store:        st,
		orchestrator: orchestrator,
		models:       models,
		authmw:       authmw,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the full route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger)
	r.Use(corsMiddleware)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
	}

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	// Stream endpoints authenticate by token, not header.
	r.Get("/stream/{token}", s.handleStream)
	r.Get("/stream/mcp/{token}", s.handleStream)

	r.Route("/api", func(api chi.Router) {
		api.Use(s.authmw.Handler)

		api.Route("/chat", func(cr chi.Router) {
			cr.Post("/conversations", s.handleCreateConversation)
			cr.Get("/conversations", s.handleListConversations)
			cr.Route("/conversations/{id}", func(cc chi.Router) {
				cc.Get("/", s.handleGetConversation)
				cc.Patch("/", s.handlePatchConversation)
				cc.Delete("/", s.handleDeleteConversation)
				cc.Get("/messages", s.handleListMessages)
				cc.Post("/messages", s.handleCreateMessage)
				cc.Post("/prepare-stream", s.handlePrepareStream)
				cc.Post("/prepare-mcp-stream", s.handlePrepareMCPStream)
			})
			cr.Post("/direct", s.handleDirect)
		})

		api.Route("/mcp", func(mr chi.Router) {
			mr.Get("/tools", s.handleMCPTools)
			mr.Post("/execute", s.handleMCPExecute)
			mr.Get("/approvals/pending", s.handlePendingApprovals)
			mr.Post("/approvals/{id}/approve", s.handleApproveApproval)
			mr.Post("/approvals/{id}/execute", s.handleExecuteApproval)
		})
	})

	return r
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "ok"
	components := map[string]interface{}{}

	if err := s.store.Ping(ctx); err != nil {
		components["store"] = "unreachable"
		status = "degraded"
	} else {
		components["store"] = "ok"
	}

	if s.sessionPing != nil {
		if err := s.sessionPing(ctx); err != nil {
			components["sessions"] = "unreachable"
			status = "degraded"
		} else {
			components["sessions"] = "ok"
		}
	}

	components["providers"] = s.models.Health(ctx)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     status,
		"components": components,
	})
}
