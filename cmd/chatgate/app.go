package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/ozgurkan/chatgate/pkg/auth"
	"github.com/ozgurkan/chatgate/pkg/chat"
	"github.com/ozgurkan/chatgate/pkg/config"
	"github.com/ozgurkan/chatgate/pkg/llms"
	"github.com/ozgurkan/chatgate/pkg/mcp"
	"github.com/ozgurkan/chatgate/pkg/observability"
	"github.com/ozgurkan/chatgate/pkg/server"
	"github.com/ozgurkan/chatgate/pkg/session"
	"github.com/ozgurkan/chatgate/pkg/store"
)

// Application is the composition root: it owns every long-lived component
// and hands them to the HTTP layer explicitly. No package globals.
type Application struct {
	cfg      *config.Config
	store    *store.Store
	sessions session.Store
	models   *llms.Registry
	tools    *mcp.Client
	orch     *chat.Orchestrator
	server   *server.Server

	sessionClose func() error
}

func buildApplication(ctx context.Context, cfg *config.Config) (*Application, error) {
	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	models := llms.NewRegistry(llms.DefaultStaleness)
	for name, providerCfg := range cfg.LLMProviders {
		provider, err := llms.New(name, providerCfg)
		if err != nil {
			st.Close()
			return nil, err
		}
		if err := models.Register(provider); err != nil {
			st.Close()
			return nil, err
		}
	}
	if err := models.Refresh(ctx); err != nil {
		slog.Warn("initial model discovery incomplete", "error", err)
	}

	app := &Application{cfg: cfg, store: st, models: models}

	if redisStore, err := session.NewRedisStore(ctx, cfg.RedisURL, cfg.StreamSessionTTL()); err != nil {
		slog.Warn("redis unavailable, stream sessions held in memory", "error", err)
		app.sessions = session.NewMemoryStore(cfg.StreamSessionTTL())
	} else {
		app.sessions = redisStore
		app.sessionClose = redisStore.Close
	}

	if len(cfg.MCP.Servers) > 0 {
		app.tools = mcp.NewClient(cfg.MCP, mcp.NewTransport(0), mcp.NewToolRegistry(),
			mcp.NewApprovalService(st, cfg.MCP.ApprovalTimeout()))
		if err := app.tools.DiscoverAll(ctx); err != nil {
			slog.Warn("tool discovery incomplete", "error", err)
		}
	}

	app.orch = chat.NewOrchestrator(st, app.sessions, models, app.tools, chat.Options{
		ContextMessageLimit: cfg.ContextMessageLimit,
		DefaultSystemPrompt: cfg.DefaultSystemPrompt,
		ThinkingMode:        cfg.EnableThinkingMode,
	})

	var validator *auth.TokenValidator
	if cfg.Auth.Enabled {
		validator, err = auth.NewTokenValidator(cfg.Auth.JWKSURL(), cfg.Auth.Issuer(),
			cfg.Auth.IdentityAudience, cfg.Auth.RefreshInterval())
		if err != nil {
			app.Close()
			return nil, err
		}
	}
	authmw := auth.NewMiddleware(validator, auth.NewUserResolver(st), cfg.Auth.Enabled)

	opts := []server.Option{server.WithMetrics(observability.New())}
	if app.tools != nil {
		opts = append(opts, server.WithTools(app.tools))
	}
	if redisStore, ok := app.sessions.(*session.RedisStore); ok {
		opts = append(opts, server.WithSessionPing(redisStore.Ping))
	}
	app.server = server.New(cfg.Server, st, app.orch, models, authmw, opts...)

	return app, nil
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (a *Application) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- a.server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(a.cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}

	// Let in-flight persistence jobs land before the store closes.
	a.orch.Close()
	return nil
}

func (a *Application) Close() {
	if a.sessionClose != nil {
		if err := a.sessionClose(); err != nil {
			slog.Warn("session store close failed", "error", err)
		}
	}
	if err := a.store.Close(); err != nil {
		slog.Warn("store close failed", "error", err)
	}
}
