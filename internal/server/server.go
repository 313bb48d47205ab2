// Package server is the read-only HTTP status API over the run registry and
// the submission ledger.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/3leaps/qsweep/internal/server/handlers"
	"github.com/3leaps/qsweep/internal/server/middleware"
)

// Options wires the data sources and timeouts. Zero values are usable.
type Options struct {
	Runs        handlers.RunSource
	Submissions handlers.SubmissionSource
	Version     handlers.VersionInfo
	Logger      *zap.Logger

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Server serves the status API.
type Server struct {
	host   string
	port   int
	router chi.Router
	health *handlers.HealthManager
	opts   Options
}

// New builds the router. Routes under /runs are registered only when
// opts.Runs is set.
func New(host string, port int, opts ...Options) *Server {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}

	s := &Server{
		host:   host,
		port:   port,
		router: chi.NewRouter(),
		health: handlers.NewHealthManager(o.Version.Version),
		opts:   o,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RecoveryWithLogger(s.opts.Logger))
	r.Use(middleware.Logging(s.opts.Logger))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "no route for "+r.URL.Path, nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", r.Method+" not allowed on "+r.URL.Path, nil)
	})

	r.Get("/health", s.health.HealthHandler)
	r.Get("/health/live", s.health.LivenessHandler)
	r.Get("/health/ready", s.health.HealthHandler)
	r.Get("/version", handlers.VersionHandler(s.opts.Version))

	if s.opts.Runs != nil {
		runs := &handlers.Runs{Source: s.opts.Runs, Submissions: s.opts.Submissions}
		s.health.RegisterChecker("registry", handlers.CheckerFunc(func(ctx context.Context) error {
			_, err := s.opts.Runs.List()
			return err
		}))
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", runs.List)
			r.Get("/{runID}", runs.Get)
			r.Get("/{runID}/submissions", runs.ListSubmissions)
		})
	}
}

// Health exposes the manager so callers can register more checkers.
func (s *Server) Health() *handlers.HealthManager { return s.health }

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Port() int { return s.port }

func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// ListenAndServe serves until ctx is cancelled, then shuts down within
// shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadTimeout:       s.opts.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.opts.WriteTimeout,
		IdleTimeout:       s.opts.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.opts.Logger.Info("Status server listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	s.opts.Logger.Info("Shutting down status server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown status server: %w", err)
	}
	return nil
}
