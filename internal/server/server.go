// Package server exposes the governance service over HTTP
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nainya/scriptgov/internal/logger"
	"github.com/nainya/scriptgov/internal/metrics"
	"github.com/nainya/scriptgov/pkg/governance"
	"github.com/nainya/scriptgov/pkg/sandbox"
)

const defaultMaxBodyBytes = 1 << 20

// Options wires the server's collaborators. Executor may be nil, in which
// case test runs answer 503.
type Options struct {
	Governance   *governance.Service
	Executor     sandbox.Executor
	Metrics      *metrics.Metrics
	Gatherer     prometheus.Gatherer
	Logger       *logger.Logger
	JWTSecret    []byte
	Ready        func(context.Context) error
	MaxBodyBytes int64
}

// Server implements the script governance API
type Server struct {
	gov      *governance.Service
	exec     sandbox.Executor
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	log      *logger.Logger
	secret   []byte
	ready    func(context.Context) error
	maxBody  int64
}

// New creates a server; Governance, Metrics and Logger are required
func New(opts Options) (*Server, error) {
	if opts.Governance == nil || opts.Metrics == nil || opts.Logger == nil {
		return nil, errors.New("server: governance, metrics and logger are required")
	}
	s := &Server{
		gov:      opts.Governance,
		exec:     opts.Executor,
		metrics:  opts.Metrics,
		gatherer: opts.Gatherer,
		log:      opts.Logger,
		secret:   opts.JWTSecret,
		ready:    opts.Ready,
		maxBody:  opts.MaxBodyBytes,
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	if s.maxBody <= 0 {
		s.maxBody = defaultMaxBodyBytes
	}
	return s, nil
}

// Handler builds the router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	s.mountObservability(r)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get("/policy", s.handlePolicy)

		r.Route("/scripts", func(r chi.Router) {
			r.Get("/", s.handleListScripts)
			r.Post("/", s.handleCreate)
			r.Post("/validate", s.handleValidate)

			r.Route("/{guid}", func(r chi.Router) {
				r.Get("/", s.handleGetScript)
				r.Put("/", s.handleEdit)
				r.Delete("/", s.handleDelete)
				r.Get("/delete/confirm", s.handleConfirmDelete)
				r.Get("/versions/{version}", s.handleGetVersion)
				r.Get("/diff", s.handleDiff)
				r.Post("/restore/confirm", s.handleConfirmRestore)
				r.Post("/restore", s.handleRestore)
				r.Post("/exec", s.handleExec)
			})
		})
	})
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "serve")
	case <-ctx.Done():
	}

	s.log.LogServerShutdown()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
