// Package api exposes the session manager over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/dhruvsoni1802/browser-bidi/internal/log"
	"github.com/dhruvsoni1802/browser-bidi/internal/metrics"
	"github.com/dhruvsoni1802/browser-bidi/internal/pool"
	"github.com/dhruvsoni1802/browser-bidi/internal/session"
)

// Server represents the HTTP API server
type Server struct {
	router *chi.Mux
	server *http.Server
	logger *log.Logger
}

// NewServer creates a new HTTP server
func NewServer(port string, manager *session.Manager, loadBalancer *pool.LoadBalancer, collector *metrics.Collector, logger *log.Logger) *Server {
	router := chi.NewRouter()

	// Middleware
	router.Use(middleware.RequestID)
	router.Use(RecoveryMiddleware(logger))
	router.Use(LoggingMiddleware(logger))
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	handlers := NewHandlers(manager, loadBalancer)

	router.Route("/sessions", func(r chi.Router) {
		r.Post("/", handlers.CreateSession)
		r.Get("/", handlers.ListSessions)
		r.Post("/resume", handlers.ResumeSession)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", handlers.GetSession)
			r.Delete("/", handlers.DestroySession)
			r.Post("/navigate", handlers.Navigate)
			r.Post("/execute", handlers.ExecuteJS)
			r.Put("/rename", handlers.RenameSession)
			r.Put("/blocklist", handlers.SetBlocklist)

			r.Route("/pages/{pageId}", func(r chi.Router) {
				r.Get("/content", handlers.GetPageContent)
				r.Delete("/", handlers.ClosePage)
			})
		})
	})

	router.Route("/agents/{agentId}", func(r chi.Router) {
		r.Get("/sessions", handlers.ListAgentSessions)
	})

	router.Get("/pool", handlers.PoolMetrics)
	router.Get("/healthz", handlers.Health)
	router.Method(http.MethodGet, "/metrics", collector.Handler())

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		router: router,
		server: server,
		logger: logger,
	}
}

// Handler returns the router, for serving without Start.
func (s *Server) Handler() http.Handler { return s.router }

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Infof("api:server", "starting HTTP server on %s", s.server.Addr)

	err := s.server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Infof("api:server", "shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	s.logger.Infof("api:server", "HTTP server stopped")
	return nil
}
