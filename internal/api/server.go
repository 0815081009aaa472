// Package api is the HTTP control plane: thin handlers over wallet auth
// and the session manager, with per-IP rate budgets and a uniform JSON
// envelope.
package api

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"gridtrader/internal/auth"
	"gridtrader/internal/core"
	"gridtrader/internal/health"
	"gridtrader/internal/recovery"
	"gridtrader/internal/session"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config tunes the control plane
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	RateLimits     RateLimits
}

// Server wires the handlers to the components they front
type Server struct {
	cfg      Config
	manager  *session.Manager
	verifier *auth.Verifier
	monitor  *health.Monitor
	sup      *recovery.Supervisor
	logger   core.ILogger

	ready  atomic.Bool
	router chi.Router
	srv    *http.Server
}

// NewServer builds the router. Monitor and supervisor may be nil.
func NewServer(cfg Config, manager *session.Manager, verifier *auth.Verifier, monitor *health.Monitor, sup *recovery.Supervisor, logger core.ILogger) *Server {
	s := &Server{
		cfg:      cfg,
		manager:  manager,
		verifier: verifier,
		monitor:  monitor,
		sup:      sup,
		logger:   logger.WithField("component", "http_api"),
	}
	s.cfg.RateLimits = cfg.RateLimits.withDefaults()
	s.buildRouter()
	return s
}

func (s *Server) buildRouter() {
	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(limitBy(newIPLimiter(s.cfg.RateLimits.Global)))

	authLimit := limitBy(newIPLimiter(s.cfg.RateLimits.Auth))
	tradingLimit := limitBy(newIPLimiter(s.cfg.RateLimits.Trading))
	controlLimit := limitBy(newIPLimiter(s.cfg.RateLimits.GridControl))
	statusLimit := limitBy(newIPLimiter(s.cfg.RateLimits.StatusCheck))

	r.Route("/api", func(r chi.Router) {
		r.With(authLimit).Get("/auth/challenge", s.handleChallenge)

		r.With(tradingLimit).Post("/grid/start", s.handleGridStart)
		r.With(tradingLimit).Post("/grid/stop", s.handleGridStop)
		r.With(controlLimit).Post("/grid/cleanup/{session_id}", s.handleGridCleanup)

		r.With(statusLimit).Get("/grid/status/{session_id}", s.handleGridStatus)
		r.With(statusLimit).Get("/grid/sessions", s.handleGridSessions)
		r.With(statusLimit).Get("/user/strategies/{user_id}", s.handleUserStrategies)
	})

	r.Get("/health", s.handleHealth)
	r.Get("/health/ready", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/system/metrics", s.handleSystemMetrics)
	r.Get("/system/stats", s.handleSystemStats)

	s.router = r
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler { return s.router }

// SetReady flips the readiness probe once startup wiring completes
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

// Start serves until the listener fails or Shutdown is called
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("Control plane listening", "addr", s.cfg.ListenAddr)
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
