// ABOUTME: HTTP server wiring the identity and authorization middleware
// ABOUTME: to the registry, ledger, OAuth, and execution handlers.

package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/engine"
	"github.com/2389/toolgate/internal/ledger"
	"github.com/2389/toolgate/internal/oauth"
	"github.com/2389/toolgate/internal/registry"
	"github.com/2389/toolgate/internal/store"
	"github.com/2389/toolgate/internal/toolsets"
)

// Server is the HTTP front of toolgate.
type Server struct {
	addr     string
	store    store.Store
	registry *registry.Service
	engine   *engine.Engine
	ledger   *ledger.Service
	oauth    *oauth.Manager
	toolsets *toolsets.Registry
	verifier auth.TokenVerifier
	logger   *slog.Logger

	httpServer *http.Server
}

// New assembles the server. Start must be called to begin serving.
func New(addr string, st store.Store, reg *registry.Service, eng *engine.Engine, led *ledger.Service, om *oauth.Manager, ts *toolsets.Registry, verifier auth.TokenVerifier) *Server {
	s := &Server{
		addr:     addr,
		store:    st,
		registry: reg,
		engine:   eng,
		ledger:   led,
		oauth:    om,
		toolsets: ts,
		verifier: verifier,
		logger:   slog.Default().With("component", "server"),
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the fully wired route tree, also used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	identity := auth.IdentityMiddleware(s.verifier)
	session := auth.RequireSession()
	toolsetGate := auth.NewGate(s.store, auth.ToolsetValidator{}).Middleware()
	mcpGate := auth.NewGate(s.store, auth.McpValidator{}).Middleware()

	mux.HandleFunc("GET /health", s.handleHealth)

	// Admin server allow list. Session users manage it.
	mux.Handle("POST /api/servers", session(http.HandlerFunc(s.handleCreateServer)))
	mux.Handle("GET /api/servers", session(http.HandlerFunc(s.handleListServers)))
	mux.Handle("GET /api/servers/{id}", session(http.HandlerFunc(s.handleGetServer)))
	mux.Handle("PUT /api/servers/{id}", session(http.HandlerFunc(s.handleUpdateServer)))
	mux.Handle("POST /api/servers/{id}/enabled", session(http.HandlerFunc(s.handleSetServerEnabled)))
	mux.Handle("POST /api/servers/{id}/discover", session(http.HandlerFunc(s.handleDiscoverTools)))

	// Built-in toolset catalogue.
	mux.Handle("GET /api/toolset-types", session(http.HandlerFunc(s.handleListToolsetTypes)))

	// Per-user instances.
	mux.Handle("POST /api/instances", session(http.HandlerFunc(s.handleCreateInstance)))
	mux.Handle("GET /api/instances", session(http.HandlerFunc(s.handleListInstances)))
	mux.Handle("GET /api/instances/{id}", session(http.HandlerFunc(s.handleGetInstance)))
	mux.Handle("PUT /api/instances/{id}", session(http.HandlerFunc(s.handleUpdateInstance)))
	mux.Handle("DELETE /api/instances/{id}", session(http.HandlerFunc(s.handleDeleteInstance)))
	mux.Handle("POST /api/instances/{id}/refresh", session(http.HandlerFunc(s.handleRefreshToolCache)))
	mux.Handle("PUT /api/instances/{id}/auth", session(http.HandlerFunc(s.handleSetAuth)))

	// OAuth login flow for an instance's auth config.
	mux.Handle("POST /api/instances/{id}/oauth/login", session(http.HandlerFunc(s.handleOAuthLogin)))
	mux.HandleFunc("GET /oauth/callback", s.handleOAuthCallback)
	mux.Handle("GET /api/oauth/discover", session(http.HandlerFunc(s.handleOAuthDiscover)))

	// Access request ledger.
	mux.Handle("POST /api/access-requests", identity(http.HandlerFunc(s.handleCreateAccessRequest)))
	mux.Handle("GET /api/access-requests/{id}", session(http.HandlerFunc(s.handleGetAccessRequest)))
	mux.Handle("POST /api/access-requests/{id}/approve", session(http.HandlerFunc(s.handleApproveAccessRequest)))
	mux.Handle("POST /api/access-requests/{id}/deny", session(http.HandlerFunc(s.handleDenyAccessRequest)))
	mux.Handle("POST /api/access-requests/{id}/fail", identity(http.HandlerFunc(s.handleFailAccessRequest)))

	// Execution. The gates authorize external-app callers against their
	// access request; session callers pass straight through.
	mux.Handle("POST /api/toolsets/{id}/execute", toolsetGate(http.HandlerFunc(s.handleExecute)))
	mux.Handle("POST /api/mcps/{id}/execute", mcpGate(http.HandlerFunc(s.handleExecute)))

	return identity(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Start serves until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}
