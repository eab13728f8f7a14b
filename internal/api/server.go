// Package api serves the status endpoint used in watch mode: task states,
// the latest run, a server-sent event stream and manual run triggers.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/scheduler"
	"github.com/mattjoyce/conduit/internal/task"
)

//go:generate mockgen -destination=mocks/mock_runner.go -package=mocks github.com/mattjoyce/conduit/internal/api Runner

// Runner executes targets and reports task states.
type Runner interface {
	Run(ctx context.Context, target string) (*scheduler.Result, error)
	States() map[string]task.State
	Last() *scheduler.Result
}

// Triggerer queues a run without waiting for it. The watch loop implements
// it so manual triggers coalesce with file-change triggers.
type Triggerer interface {
	Trigger(ctx context.Context, target string)
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// Token, when set, is required on POST routes.
	Token             string
	MaxConcurrentSync int
	MaxSyncTimeout    time.Duration
}

// Deps are the collaborators the server reads from.
type Deps struct {
	Registry *task.Registry
	Runner   Runner
	// Triggerer is optional; without it queued runs go straight to Runner.
	Triggerer Triggerer
	Events    *events.Hub
	// Metrics is mounted at /metrics when non-nil.
	Metrics http.Handler
	// Describe returns a task summary for listings. Optional.
	Describe func(name string) string
}

// Server represents the HTTP status server.
type Server struct {
	config        Config
	deps          Deps
	logger        *slog.Logger
	server        *http.Server
	startedAt     time.Time
	syncSemaphore chan struct{}

	baseCtx context.Context
	bg      sync.WaitGroup
}

// New creates a new API server instance.
func New(config Config, deps Deps, logger *slog.Logger) *Server {
	if config.MaxConcurrentSync <= 0 {
		config.MaxConcurrentSync = 4
	}
	if deps.Events == nil {
		deps.Events = events.NewHub(256)
	}
	return &Server{
		config:        config,
		deps:          deps,
		logger:        logger.With("component", "api"),
		startedAt:     time.Now(),
		syncSemaphore: make(chan struct{}, config.MaxConcurrentSync),
		baseCtx:       context.Background(),
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx = ctx
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
		s.bg.Wait()
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

	r.Get("/healthz", s.handleHealthz)
	r.Get("/tasks", s.handleTasks)
	r.Get("/runs/latest", s.handleLatestRun)
	r.Get("/events", s.handleEvents)
	r.Get("/openapi.json", s.handleOpenAPI)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/run/{task}", s.handleRun)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
