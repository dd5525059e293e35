// Package api is the host-facing HTTP adapter over the lifecycle
// manager. It mirrors the manager's boundary operations one-to-one and
// stays deliberately thin: transport concerns live here, never in the
// manager.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/soundshell/pluginmgr/internal/manager"
	"github.com/soundshell/pluginmgr/internal/registry"
)

// LifecycleManager defines the manager operations the adapter exposes.
type LifecycleManager interface {
	ListAvailable(ctx context.Context) ([]registry.Record, error)
	ListInstalled(ctx context.Context) ([]registry.Record, error)
	Install(ctx context.Context, id string) error
	Start(ctx context.Context, id string) (int, error)
	Stop(ctx context.Context, id string) error
	Uninstall(ctx context.Context, id string) error
	RefreshRegistry(ctx context.Context) (manager.RefreshResult, error)
}

// Config holds API server configuration.
type Config struct {
	Listen string
}

// Server is the HTTP API server.
type Server struct {
	config  Config
	manager LifecycleManager
	logger  *slog.Logger
	server  *http.Server
	health  healthcheck.Handler
}

// New creates a new API server instance.
func New(config Config, mgr LifecycleManager, logger *slog.Logger) *Server {
	h := healthcheck.NewHandler()
	h.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(500))
	return &Server{
		config:  config,
		manager: mgr,
		logger:  logger,
		health:  h,
	}
}

// Start starts the HTTP server and blocks until ctx is cancelled or the
// server fails.
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health.LiveEndpoint)
	r.Get("/readyz", s.health.ReadyEndpoint)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/plugins", s.handleListAvailable)
	r.Get("/plugins/installed", s.handleListInstalled)
	r.Post("/plugins/{id}/install", s.handleInstall)
	r.Post("/plugins/{id}/start", s.handleStart)
	r.Post("/plugins/{id}/stop", s.handleStop)
	r.Delete("/plugins/{id}", s.handleUninstall)
	r.Post("/registry/refresh", s.handleRefresh)

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
