// Package httpapi exposes the violation ledger over HTTP.
//
// Every exam-facing response is a protocol.Envelope with HTTP status 200;
// the success flag inside carries the outcome. Non-2xx statuses are
// reserved for transport-level failures (bodies that are not JSON at all,
// missing or bad credentials, rate limiting), which reporting clients
// treat exactly like an unreachable server.
//
// Two credential planes exist: per-attempt session tokens minted by the
// ledger guard the report and submission calls, a static admin token
// guards the session management surface.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"proctord/internal/health"
	"proctord/internal/ledger"
	"proctord/internal/logging"
	"proctord/internal/metrics"
	"proctord/internal/protocol"
	"proctord/internal/security"
)

// Canonical wire messages for failure envelopes. Precondition failures
// each get a distinct message; internal failures share one generic line
// and keep the detail in the server log.
const (
	msgInternalError   = "internal error"
	msgNoActiveSession = "no active exam session"
	msgBadPayload      = "request body is not valid JSON"
	msgBodyTooLarge    = "request body too large"
	msgMissingToken    = "missing or invalid session token"
	msgRateLimited     = "rate limit exceeded"
	msgSessionNotFound = "session not found"
	msgAdminDisabled   = "admin interface disabled"
	msgBadAdminToken   = "missing or invalid admin token"
)

// Config carries the HTTP server settings.
type Config struct {
	ListenAddr      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64

	// AdminToken guards the session management surface. Empty disables it.
	AdminToken string

	// Per-session report rate limiting.
	RatePerSec float64
	RateBurst  int
	RateIdle   time.Duration

	// Version and Driver are reported on the status surface.
	Version string
	Driver  string
}

// Deps carries the server's collaborators. Ledger and Tokens are
// required; nil Health, Registry, Metrics or Audit simply disable those
// surfaces.
type Deps struct {
	Ledger   *ledger.Ledger
	Tokens   *security.TokenAuthority
	Health   *health.Checker
	Registry *metrics.Registry
	Metrics  *metrics.ProctordMetrics
	Audit    *logging.AuditLogger
	Logger   *slog.Logger
}

// Server serves the violation ledger API.
type Server struct {
	cfg     Config
	ledger  *ledger.Ledger
	tokens  *security.TokenAuthority
	limiter *security.KeyRateLimiter
	checker *health.Checker

	registry *metrics.Registry
	metrics  *metrics.ProctordMetrics
	audit    *logging.AuditLogger
	logger   *slog.Logger

	httpServer *http.Server
	listener   net.Listener
	startedAt  time.Time
}

// New assembles the server. It does not start listening.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Ledger == nil {
		return nil, errors.New("httpapi: ledger is required")
	}
	if deps.Tokens == nil {
		return nil, errors.New("httpapi: token authority is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	rate := cfg.RatePerSec
	if rate <= 0 {
		rate = 5
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 10
	}
	idle := cfg.RateIdle
	if idle <= 0 {
		idle = 10 * time.Minute
	}

	return &Server{
		cfg:       cfg,
		ledger:    deps.Ledger,
		tokens:    deps.Tokens,
		limiter:   security.NewKeyRateLimiter(rate, burst, idle),
		checker:   deps.Health,
		registry:  deps.Registry,
		metrics:   deps.Metrics,
		audit:     deps.Audit,
		logger:    logger.With("component", "httpapi"),
		startedAt: time.Now(),
	}, nil
}

// Handler returns the fully wired route tree. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST "+protocol.PathViolations, s.withSession(http.HandlerFunc(s.handleReport)))
	mux.Handle("POST "+protocol.PathSubmissions, s.withSession(http.HandlerFunc(s.handleSubmit)))

	mux.Handle("POST "+protocol.PathSessions, s.withAdmin(http.HandlerFunc(s.handleCreateSession)))
	mux.Handle("GET "+protocol.PathSessions, s.withAdmin(http.HandlerFunc(s.handleListSessions)))
	mux.Handle("GET "+protocol.PathSessions+"/{id}/violations", s.withAdmin(http.HandlerFunc(s.handleSessionViolations)))
	mux.Handle("POST "+protocol.PathSessions+"/{id}/end", s.withAdmin(http.HandlerFunc(s.handleEndSession)))
	mux.Handle("GET "+protocol.PathStatus, s.withAdmin(http.HandlerFunc(s.handleStatus)))

	if s.checker != nil {
		mux.Handle("GET /healthz", s.checker.LivenessHandler())
		mux.Handle("GET /readyz", s.checker.ReadinessHandler())
		mux.Handle("GET /health", s.checker.HealthHandler())
	}
	if s.registry != nil {
		mux.Handle("GET /metrics", s.registry.HTTPHandler())
	}

	return s.withCommon(mux)
}

// Start begins serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = ln

	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.logger.Info("http server listening",
		"addr", ln.Addr().String(),
		"admin_enabled", s.cfg.AdminToken != "",
	)

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listen address, useful when the configured port
// was 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.ListenAddr
	}
	return s.listener.Addr().String()
}

// Shutdown drains in-flight requests and releases the limiter.
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.Close()

	if s.httpServer == nil {
		return nil
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return s.httpServer.Shutdown(ctx)
}
