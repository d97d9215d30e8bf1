// Package core provides the API chassis for the entitlebridge service.
// It creates a chi router and enforces cross-cutting concerns -- panic
// recovery, request correlation, security headers, and structured logging --
// before requests reach the webhook handler.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"entitlebridge/internal/config"
)

// shutdownGracePeriod bounds how long in-flight webhook deliveries may run
// after a termination signal before the listener is torn down.
const shutdownGracePeriod = 15 * time.Second

// RouteRegistrar attaches a group of domain routes to the router. The
// indirection avoids import cycles between core and handler packages; the
// application entry point populates Server.RouteRegistrars before calling
// MountRoutes.
type RouteRegistrar func(r chi.Router)

// Server encapsulates all dependencies for the entitlebridge API, allowing for
// easy injection during testing and distinct configuration for different
// environments.
type Server struct {
	Config          *config.Config
	Logger          *slog.Logger
	HealthProbes    []HealthProbe
	RouteRegistrars []RouteRegistrar

	// Internal router
	router *chi.Mux
}

// NewServer initializes dependencies, sets up the router, and prepares the
// server for route mounting. It performs a "fail-fast" check on critical
// configuration.
//
// The caller is responsible for mounting routes (via MountRoutes) after
// construction. This separation allows tests to customize route registration.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	s := &Server{
		Config: cfg,
		Logger: logger,
		router: chi.NewRouter(),
	}

	return s, nil
}

// Handler returns the http.Handler interface for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration.
// This is used internally by route-mounting methods and tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// ListenAndServe starts the HTTP listener and blocks until SIGINT/SIGTERM or
// a listener failure. On a termination signal it drains in-flight requests
// for up to shutdownGracePeriod before returning.
func (s *Server) ListenAndServe() error {
	httpServer := &http.Server{
		Addr:              ":" + s.Config.Server.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.Logger.Info("server listening",
			slog.String("port", s.Config.Server.Port),
			slog.String("environment", s.Config.Environment),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("listener failed: %w", err)
	case sig := <-sigCh:
		s.Logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	s.Logger.Info("server shutdown complete")
	return nil
}
