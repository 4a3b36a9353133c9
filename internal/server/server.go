package server

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

	"rollbox/internal/history"
	"rollbox/internal/project"
	"rollbox/internal/provenance"
	"rollbox/internal/rollback"
)

const (
	// HTTP server timeouts
	HTTPReadTimeout  = 10 * time.Second
	HTTPWriteTimeout = 10 * time.Second
	HTTPIdleTimeout  = 60 * time.Second

	// Request timeout for middleware
	RequestTimeout = 60 * time.Second

	// Rate limiting - requests per minute per IP
	GlobalRateLimit   = 60
	MutatingRateLimit = 6
)

// Server represents the admin HTTP server
type Server struct {
	Registry *project.Registry
	History  *history.Store
	Runner   rollback.CommandRunner
	Notifier rollback.Notifier
	Locks    *rollback.LockManager
	Jobs     *JobStore
	Logger   *slog.Logger

	// Resolver looks up GitHub Actions runs for recorded deployments.
	// Nil disables run lookups.
	Resolver *provenance.Resolver

	// Keep is the default retention used by the cleanup endpoint.
	Keep     int
	TestMode bool

	mu         sync.Mutex // Protects httpServer
	httpServer *http.Server
	jobsWg     sync.WaitGroup // Tracks in-flight rollbacks
}

// NewServer creates a new server instance
func NewServer(registry *project.Registry, store *history.Store, runner rollback.CommandRunner, notifier rollback.Notifier, logger *slog.Logger, testMode bool) *Server {
	return &Server{
		Registry: registry,
		History:  store,
		Runner:   runner,
		Notifier: notifier,
		Locks:    rollback.NewLockManager(),
		Jobs:     NewJobStore(),
		Logger:   logger,
		Keep:     history.DefaultKeep,
		TestMode: testMode,
	}
}

// Router creates and configures the HTTP router
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(RequestTimeout))
	r.Use(requestLogger(s.Logger))

	// Rate limiting middleware (only if not in test mode)
	if !s.TestMode {
		r.Use(NewRateLimitMiddleware(GlobalRateLimit, s.Logger))
	}

	r.Get("/health", s.HandleHealth)

	r.Route("/projects/{projectName}", func(r chi.Router) {
		r.Use(s.withProject)

		r.Get("/current", s.HandleCurrent)
		r.Get("/deployments", s.HandleDeployments)
		r.Get("/targets", s.HandleTargets)

		// Job results carry step output and backup paths.
		r.With(s.requireSignature).Get("/jobs/{jobID}", s.HandleJob)

		r.Group(func(r chi.Router) {
			if !s.TestMode {
				r.Use(NewRateLimitMiddleware(MutatingRateLimit, s.Logger))
			}
			r.Use(s.requireSignature)

			r.Post("/deployments", s.HandleRecord)
			r.Post("/rollback", s.HandleRollback)
			r.Post("/cleanup", s.HandleCleanup)
		})
	})

	return r
}

// service builds the rollback service for proj. All services share the
// server's lock manager.
func (s *Server) service(proj *project.Project) *rollback.Service {
	return rollback.NewService(proj, s.History, s.Runner, s.Notifier, s.Locks, s.Logger)
}

// Start starts the HTTP server and blocks until it stops. It returns nil
// after a graceful Shutdown.
func (s *Server) Start(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	s.Logger.Info("Starting server", "addr", addr)

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  HTTPReadTimeout,
		WriteTimeout: HTTPWriteTimeout,
		IdleTimeout:  HTTPIdleTimeout,
	}
	s.mu.Lock()
	s.httpServer = httpServer
	s.mu.Unlock()

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// WaitForJobs waits for all in-flight rollbacks to complete.
func (s *Server) WaitForJobs() {
	s.jobsWg.Wait()
}

// Shutdown stops accepting requests and waits for running rollbacks, which
// are never interrupted.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	httpServer := s.httpServer
	s.mu.Unlock()

	var err error
	if httpServer != nil {
		err = httpServer.Shutdown(ctx)
	}
	s.jobsWg.Wait()
	return err
}
