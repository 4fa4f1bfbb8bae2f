// Package server wires the core's handlers into a routed HTTP admission
// surface: tasks, queue control, site configs, settings, health and the
// /ws/tasks push channel.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/quaero/internal/app"
)

// Server owns the HTTP listener and route table.
type Server struct {
	app    *app.App
	router *http.ServeMux
	server *http.Server
}

// New builds a Server wired to application's already-constructed handlers.
func New(application *app.App) *Server {
	s := &Server{app: application}
	s.router = s.setupRoutes()

	addr := fmt.Sprintf("%s:%d", application.Config.Server.Host, application.Config.Server.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.withConditionalMiddleware(s.router),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Start runs the HTTP server until Shutdown is called or it fails.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.app.Config.Server.Host, s.app.Config.Server.Port)
	s.app.Logger.Info().Str("address", addr).Msg("HTTP admission surface starting")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.app.Logger.Info().Msg("shutting down HTTP admission surface")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

// Handler returns the wrapped HTTP handler, for use in tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}
