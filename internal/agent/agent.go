// Package agent assembles the client side of the escalation protocol:
// a platform Environment drives the Detector, signals flow through the
// Reporter to the ledger server, and the answers come back down as
// enforcement on the exam Surface.
//
// The agent owns the single EscalationState all three components share
// and the lifecycle of the monitoring goroutines. One Agent serves one
// exam session.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"proctord/internal/config"
	"proctord/internal/detector"
	"proctord/internal/enforce"
	"proctord/internal/metrics"
	"proctord/internal/reporter"
)

var (
	ErrAlreadyRunning = errors.New("agent: already running")
	ErrMissingSurface = errors.New("agent: surface is required")
)

// Deps carries what the agent cannot construct itself. Surface is
// required. A nil Environment defers to the config-selected platform
// monitor.
type Deps struct {
	Surface     enforce.Surface
	Environment detector.Environment
	Logger      *slog.Logger
	Metrics     *metrics.ProctordMetrics
}

// Agent wires detector, reporter, and enforcement around one exam
// session.
type Agent struct {
	mu      sync.Mutex
	cfg     config.AgentConfig
	logger  *slog.Logger
	running bool

	state    *reporter.EscalationState
	debug    *reporter.DebugLog
	rep      *reporter.Reporter
	enforcer *enforce.Actions
	det      *detector.Detector
}

// New builds the component graph from one agent config.
func New(cfg config.AgentConfig, deps Deps) (*Agent, error) {
	if deps.Surface == nil {
		return nil, ErrMissingSurface
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client, err := reporter.NewClient(reporter.ClientConfig{
		BaseURL: cfg.ServerURL,
		Token:   cfg.Token,
		Timeout: time.Duration(cfg.ReportTimeoutSec) * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("build report client: %w", err)
	}

	state := reporter.NewEscalationState()
	debug := reporter.NewDebugLog(reporter.DefaultDebugLogSize)

	enforcer, err := enforce.New(enforce.Config{
		TotalQuestions: cfg.TotalQuestions,
		AutoSubmit:     cfg.AutoSubmit,
		SubmitTimeout:  time.Duration(cfg.ReportTimeoutSec) * time.Second,
	}, enforce.Deps{
		Surface: deps.Surface,
		Client:  client,
		State:   state,
		Debug:   debug,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build enforcement: %w", err)
	}

	rep, err := reporter.New(reporter.Deps{
		Client:   client,
		Enforcer: enforcer,
		State:    state,
		Debug:    debug,
		Logger:   logger,
		Metrics:  deps.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("build reporter: %w", err)
	}

	env := deps.Environment
	if env == nil {
		env = detector.SelectEnvironment(cfg.Environment, logger)
	}

	det, err := detector.New(detector.Config{
		FullscreenPollInterval: time.Duration(cfg.FullscreenPollMs) * time.Millisecond,
		VisibilityPollInterval: time.Duration(cfg.VisibilityPollMs) * time.Millisecond,
		FocusRecheckDelay:      time.Duration(cfg.FocusRecheckMs) * time.Millisecond,
	}, detector.Deps{
		Sink:        rep,
		Gate:        state,
		Environment: env,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build detector: %w", err)
	}

	return &Agent{
		cfg:      cfg,
		logger:   logger.With("component", "agent"),
		state:    state,
		debug:    debug,
		rep:      rep,
		enforcer: enforcer,
		det:      det,
	}, nil
}

// Start begins monitoring. The agent winds down when ctx is cancelled
// or Stop is called.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return ErrAlreadyRunning
	}
	if err := a.det.Start(ctx); err != nil {
		return fmt.Errorf("start detector: %w", err)
	}
	a.running = true

	a.logger.Info("agent started", "server_url", a.cfg.ServerURL)
	return nil
}

// Stop halts monitoring. Safe to call when not running.
func (a *Agent) Stop() error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	err := a.det.Stop()

	violations, warned, terminated := a.state.Snapshot()
	a.logger.Info("agent stopped",
		"violations", violations,
		"warned", warned,
		"terminated", terminated,
	)
	return err
}

// State exposes the shared escalation state, read-only use intended.
func (a *Agent) State() *reporter.EscalationState {
	return a.state
}

// Debug exposes the in-memory report trail.
func (a *Agent) Debug() *reporter.DebugLog {
	return a.debug
}

// Enforcer exposes the enforcement actions so a host can force a
// submission or inspect the terminal state.
func (a *Agent) Enforcer() *enforce.Actions {
	return a.enforcer
}
