package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sifapp/sifd/internal/config"
	"github.com/sifapp/sifd/internal/message"
	"github.com/sifapp/sifd/internal/metrics"
	"github.com/sifapp/sifd/internal/progress"
)

// Pipeline is the delivery surface exposed over HTTP
type Pipeline interface {
	SendNow(ctx context.Context, msg *message.Message) (*message.Message, error)
	ScheduleSend(ctx context.Context, msg *message.Message, at time.Time) (*message.Message, error)
	Cancel(ctx context.Context, id string) (*message.Message, error)
	Retry(ctx context.Context, id string) (*message.Message, error)
}

// Store is the read-only persistence surface the API needs
type Store interface {
	Get(ctx context.Context, id string) (*message.Message, error)
	List(ctx context.Context, filter message.ListFilter) ([]*message.Message, error)
	Stats(ctx context.Context) (*message.Stats, error)
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	pipeline   Pipeline
	store      Store
	progress   *progress.Hub
	config     *config.APIConfig
	metrics    *metrics.Metrics
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(pipeline Pipeline, store Store, hub *progress.Hub, cfg *config.APIConfig, m *metrics.Metrics, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		pipeline:  pipeline,
		store:     store,
		progress:  hub,
		config:    cfg,
		metrics:   m,
		logger:    logger,
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	// API v1 routes (auth required)
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/messages", s.handleSend)
		r.Post("/messages/schedule", s.handleSchedule)
		r.Get("/messages", s.handleList)
		r.Get("/messages/{id}", s.handleGet)
		r.Get("/messages/{id}/progress", s.handleProgress)
		r.Post("/messages/{id}/cancel", s.handleCancel)
		r.Post("/messages/{id}/retry", s.handleRetry)
		r.Get("/pipeline/stats", s.handleStats)
	})
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
