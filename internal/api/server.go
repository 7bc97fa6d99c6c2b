package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/flowpbx/agentdesk/internal/api/middleware"
	"github.com/flowpbx/agentdesk/internal/calllog"
	"github.com/flowpbx/agentdesk/internal/coordinator"
)

// Agent is the call coordinator as seen by the control API.
type Agent interface {
	Snapshot() coordinator.Snapshot
	Subscribe() (<-chan coordinator.Snapshot, func())
	CallLog() []calllog.Entry

	Accept(ctx context.Context) error
	Reject(ctx context.Context) error
	Hangup(ctx context.Context) error
	SetMuted(ctx context.Context, muted bool) error
	SetOnHold(ctx context.Context, hold bool) error
	Dial(ctx context.Context, destination string) error
	DismissNotice(ctx context.Context) error
}

// Config holds the control API settings.
type Config struct {
	// AgentID is the subject console tokens must carry.
	AgentID string
	// Secret signs console tokens. Empty disables authentication, which
	// is only sensible when the API listens on loopback.
	Secret      []byte
	CORSOrigins []string
	RateLimit   middleware.RateLimitConfig
	// Metrics is mounted at /metrics when non-nil.
	Metrics http.Handler
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router   *chi.Mux
	agent    Agent
	cfg      Config
	limiter  *middleware.IPRateLimiter
	origins  *middleware.OriginPolicy
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(agent Agent, cfg Config, logger *slog.Logger) *Server {
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit = middleware.DefaultRateLimitConfig()
	}
	s := &Server{
		router:  chi.NewRouter(),
		agent:   agent,
		cfg:     cfg,
		limiter: middleware.NewIPRateLimiter(cfg.RateLimit),
		origins: middleware.NewOriginPolicy(cfg.CORSOrigins),
		logger:  logger.With("subsystem", "api"),
	}
	s.upgrader = newStreamUpgrader(s.origins)

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))
	r.Use(s.origins.CORS)

	if s.cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.cfg.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			if len(s.cfg.Secret) > 0 {
				r.Use(middleware.RequireConsoleToken(s.cfg.Secret, s.cfg.AgentID))
			}

			r.Get("/state", s.handleState)
			r.Get("/state/stream", s.handleStateStream)
			r.Get("/calls", s.handleCalls)

			r.Route("/call", func(r chi.Router) {
				r.Use(middleware.RateLimit(s.limiter))
				r.Post("/accept", s.handleAccept)
				r.Post("/reject", s.handleReject)
				r.Post("/hangup", s.handleHangup)
				r.Post("/mute", s.handleMute)
				r.Post("/hold", s.handleHold)
				r.Post("/dial", s.handleDial)
			})
			r.Post("/notice/dismiss", s.handleDismissNotice)
		})
	})
}

// handleHealth reports liveness plus the agent's readiness, without auth.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.agent.Snapshot()
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"readiness": string(snap.Readiness),
	})
}
