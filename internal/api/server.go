// Package api exposes the coordinator over HTTP: triggering runs, webhooks,
// status and history queries, cancellation, retries, live event streams and
// Prometheus metrics.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gxo-labs/runway/internal/logger"
	runway "github.com/gxo-labs/runway/pkg/runway/v1"
	"github.com/gxo-labs/runway/pkg/runway/v1/events"
	rwlog "github.com/gxo-labs/runway/pkg/runway/v1/log"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultAddr              = ":8080"
	defaultReadHeaderTimeout = 10 * time.Second
	defaultShutdownTimeout   = 15 * time.Second
	defaultHeartbeat         = 15 * time.Second
	maxBodyBytes             = 4 << 20
)

// EventSource is implemented by buses that can feed live event streams.
type EventSource interface {
	Subscribe(filter func(events.Event) bool) (<-chan events.Event, func())
}

// Config holds listener settings.
type Config struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	// Heartbeat spaces keep-alive comments on idle event streams.
	Heartbeat time.Duration
}

// Server serves the HTTP API.
type Server struct {
	coordinator runway.CoordinatorV1
	events      EventSource
	gatherer    prometheus.Gatherer
	log         rwlog.Logger
	errLog      hclog.Logger
	cfg         Config
	router      chi.Router
}

// Option customizes a Server.
type Option func(*Server)

// WithEventSource enables GET /v1/executions/{id}/events.
func WithEventSource(src EventSource) Option {
	return func(s *Server) { s.events = src }
}

// WithGatherer overrides where /metrics reads from. By default it is the
// coordinator's registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// NewServer builds the router for coordinator.
func NewServer(cfg Config, coordinator runway.CoordinatorV1, log rwlog.Logger, opts ...Option) *Server {
	if cfg.Addr == "" {
		cfg.Addr = defaultAddr
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	log = log.With("component", "api")
	s := &Server{
		coordinator: coordinator,
		log:         log,
		errLog:      logger.HCLogger(log, "http"),
		cfg:         cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.gatherer == nil {
		if p := coordinator.MetricsRegistryProvider(); p != nil {
			s.gatherer = p.Registry()
		} else {
			s.gatherer = prometheus.NewRegistry()
		}
	}
	s.router = s.buildRouter()
	return s
}

// ServeHTTP delegates to the chi router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		IdleTimeout:       2 * time.Minute,
		ErrorLog:          s.errLog.StandardLogger(&hclog.StandardLoggerOptions{InferLevels: true}),
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("HTTP API listening on %s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.log.Infof("Shutting down HTTP API")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warnf("HTTP API shutdown incomplete: %v", err)
		_ = srv.Close()
		return err
	}
	return nil
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{
		ErrorLog: s.errLog.StandardLogger(&hclog.StandardLoggerOptions{ForceLevel: hclog.Error}),
	}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(requirePrincipal)

		r.Post("/workflows/{workflowID}/executions", s.handleStart)
		r.Get("/workflows/{workflowID}/executions", s.handleHistory)
		r.Post("/webhooks/{workflowID}", s.handleWebhook)

		r.Route("/executions/{executionID}", func(r chi.Router) {
			r.Get("/", s.handleStatus)
			r.Post("/cancel", s.handleCancel)
			r.Post("/retry", s.handleRetry)
			r.Get("/events", s.handleEvents)
		})
	})
	return r
}

// requestLogger logs one structured line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debugf("%s %s -> %d (%s, request_id=%s)",
			r.Method, r.URL.Path, ww.Status(), time.Since(start).Round(time.Microsecond), middleware.GetReqID(r.Context()))
	})
}
