// Package enforce executes the visible consequences of escalation
// decisions: the warning banner, the exam lockdown, and the forced
// zero-score submission.
//
// Everything here is best-effort and idempotent. A failure on any single
// surface element is swallowed and the rest of the sequence continues; an
// exam locked halfway is still locked. Re-entrant calls after the first
// warning or termination are no-ops.
package enforce

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"proctord/internal/protocol"
	"proctord/internal/reporter"
)

// TerminalMessage is the fixed text the exam surface is replaced with on
// termination. It points the candidate at the results view; the decision
// message itself goes into logs and the warning path.
const TerminalMessage = "This exam has been terminated due to multiple violations. Your submission has been recorded; see the results page."

// Control is one interactive element of the exam surface. Disabling may
// fail per element without affecting the others.
type Control interface {
	ID() string
	Disable() error
}

// Surface is the exam UI the enforcement acts on. Implementations live
// with the exam application; each method is best-effort and must not
// panic.
type Surface interface {
	// ShowWarning renders the persistent, non-dismissable banner.
	ShowWarning(message string) error
	// StopTimer halts the running exam timer, if any.
	StopTimer() error
	// Controls enumerates the interactive elements to disable.
	Controls() []Control
	// Replace swaps the exam content for the terminal message.
	Replace(message string) error
}

// SubmitClient posts the forced submission through the session credential.
// *reporter.Client satisfies it.
type SubmitClient interface {
	Submit(ctx context.Context, req *protocol.SubmitRequest) (*protocol.SubmitResult, error)
}

// Config carries the submission parameters the agent knows at start.
type Config struct {
	// TotalQuestions is echoed into the forced submission payload.
	TotalQuestions int
	// AutoSubmit makes Terminate follow up with SubmitAsCheated.
	AutoSubmit bool
	// SubmitTimeout bounds the forced submission call. Zero means the
	// client's own timeout only.
	SubmitTimeout time.Duration
}

// Deps carries the collaborators. Surface is required; a nil Client
// disables the submission path.
type Deps struct {
	Surface Surface
	Client  SubmitClient
	State   *reporter.EscalationState
	Debug   *reporter.DebugLog
	Logger  *slog.Logger
}

var _ reporter.Enforcer = (*Actions)(nil)

// Actions applies enforcement decisions to the surface. Safe for
// concurrent use.
type Actions struct {
	mu         sync.Mutex
	warned     bool
	terminated bool
	submitted  bool

	cfg     Config
	surface Surface
	client  SubmitClient
	state   *reporter.EscalationState
	debug   *reporter.DebugLog
	logger  *slog.Logger

	startedAt time.Time
	now       func() time.Time
}

// New assembles the enforcement actions. The exam clock for the forced
// submission's elapsed seconds starts here.
func New(cfg Config, deps Deps) (*Actions, error) {
	if deps.Surface == nil {
		return nil, errors.New("enforce: surface is required")
	}

	state := deps.State
	if state == nil {
		state = reporter.NewEscalationState()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Actions{
		cfg:       cfg,
		surface:   deps.Surface,
		client:    deps.Client,
		state:     state,
		debug:     deps.Debug,
		logger:    logger.With("component", "enforce"),
		startedAt: time.Now(),
		now:       time.Now,
	}, nil
}

// ShowWarning renders the warning banner once. Already warned or already
// terminated means no-op.
func (a *Actions) ShowWarning(message string) {
	if a.state.Terminated() {
		return
	}

	a.mu.Lock()
	if a.warned || a.terminated {
		a.mu.Unlock()
		return
	}
	a.warned = true
	a.mu.Unlock()

	if err := a.surface.ShowWarning(message); err != nil {
		a.logger.Error("show warning", "error", err)
		return
	}
	a.logger.Info("warning shown", "message", message)
}

// Terminate locks the exam. The first call wins; the sequence is stop
// timer, disable every control, replace the surface, write the final
// trail entry. Each step is best-effort: a failing element is logged and
// skipped, never fatal to the rest.
func (a *Actions) Terminate(message string) {
	a.mu.Lock()
	if a.terminated {
		a.mu.Unlock()
		return
	}
	a.terminated = true
	a.mu.Unlock()

	// Keep the shared flag authoritative even when termination was forced
	// directly rather than dispatched through the reporter.
	a.state.MarkTerminated()

	a.logger.Info("terminating exam", "message", message)

	if err := a.surface.StopTimer(); err != nil {
		a.logger.Warn("stop timer", "error", err)
	}

	for _, control := range a.surface.Controls() {
		if err := control.Disable(); err != nil {
			a.logger.Warn("disable control", "control", control.ID(), "error", err)
		}
	}

	if err := a.surface.Replace(TerminalMessage); err != nil {
		a.logger.Warn("replace surface", "error", err)
	}

	if a.debug != nil {
		a.debug.Append("terminated", message)
	}

	if a.cfg.AutoSubmit && a.client != nil {
		a.submitOnce(context.Background())
	}
}

// SubmitAsCheated posts the forced zero-score submission: empty results,
// score 0, status cheated, elapsed exam seconds. Normally invoked through
// Terminate but independently callable; only the first submission goes
// out.
func (a *Actions) SubmitAsCheated(ctx context.Context) error {
	if a.client == nil {
		return errors.New("enforce: no submit client configured")
	}
	return a.submitOnce(ctx)
}

func (a *Actions) submitOnce(ctx context.Context) error {
	a.mu.Lock()
	if a.submitted {
		a.mu.Unlock()
		return nil
	}
	a.submitted = true
	a.mu.Unlock()

	if a.cfg.SubmitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.SubmitTimeout)
		defer cancel()
	}

	req := &protocol.SubmitRequest{
		SubmitResult:   []protocol.AnswerResult{},
		Score:          0,
		TotalQuestions: a.cfg.TotalQuestions,
		TimeTaken:      int64(a.now().Sub(a.startedAt).Seconds()),
		Status:         protocol.StatusCheated,
	}

	res, err := a.client.Submit(ctx, req)
	if err != nil {
		a.logger.Error("forced submission failed", "error", err)
		return err
	}

	a.logger.Info("forced submission recorded",
		"submission_id", res.SubmissionID,
		"status", res.Status,
	)
	return nil
}

// Terminated reports whether this enforcement instance has locked the
// exam.
func (a *Actions) Terminated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.terminated
}

// Warned reports whether the banner has been rendered.
func (a *Actions) Warned() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.warned
}
