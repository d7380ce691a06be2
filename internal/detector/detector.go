// Package detector turns raw exam-surface observations into the
// violation signals the escalation protocol understands.
//
// A Detector owns no policy: it normalizes environment events into
// (kind, description) pairs and hands them to a Sink, usually the
// escalation reporter. It never talks to the network and never touches
// the exam surface. Discrete events are backed by two redundant polls
// (fullscreen and visibility) so a missed platform event still surfaces
// within one poll interval; the same underlying transition may
// therefore be reported twice, and deduplication is deliberately left
// to the server-side ledger.
package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"proctord/internal/protocol"
)

const (
	// DefaultFullscreenPollInterval is how often the fullscreen probe
	// runs when the config does not say otherwise.
	DefaultFullscreenPollInterval = 500 * time.Millisecond
	// DefaultVisibilityPollInterval is how often the visibility probe
	// runs when the config does not say otherwise.
	DefaultVisibilityPollInterval = 200 * time.Millisecond
	// DefaultFocusRecheckDelay is how long after a focus-regained event
	// the surface is re-probed for a still-hidden state.
	DefaultFocusRecheckDelay = 100 * time.Millisecond
)

var (
	ErrAlreadyRunning = errors.New("detector: already running")
	ErrMissingSink    = errors.New("detector: sink is required")
	ErrMissingGate    = errors.New("detector: escalation gate is required")
)

// Sink consumes normalized violation signals. The escalation reporter
// implements it.
type Sink interface {
	Report(ctx context.Context, kind protocol.EventKind, description string)
}

// Gate exposes the termination flag the detector consults before every
// emission. The reporter's escalation state implements it.
type Gate interface {
	Terminated() bool
}

// Config tunes the detector's poll cadence. Zero values select the
// defaults.
type Config struct {
	FullscreenPollInterval time.Duration
	VisibilityPollInterval time.Duration
	FocusRecheckDelay      time.Duration
}

func (c *Config) applyDefaults() {
	if c.FullscreenPollInterval <= 0 {
		c.FullscreenPollInterval = DefaultFullscreenPollInterval
	}
	if c.VisibilityPollInterval <= 0 {
		c.VisibilityPollInterval = DefaultVisibilityPollInterval
	}
	if c.FocusRecheckDelay <= 0 {
		c.FocusRecheckDelay = DefaultFocusRecheckDelay
	}
}

// Deps carries the detector's collaborators. Sink and Gate are
// required; a nil Environment selects the platform monitor.
type Deps struct {
	Sink        Sink
	Gate        Gate
	Environment Environment
	Logger      *slog.Logger
}

// Detector watches one Environment and reports violations to one Sink.
type Detector struct {
	mu     sync.Mutex
	cfg    Config
	env    Environment
	sink   Sink
	gate   Gate
	logger *slog.Logger

	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	recheck *time.Timer
}

// New creates a Detector. It does not start monitoring.
func New(cfg Config, deps Deps) (*Detector, error) {
	if deps.Sink == nil {
		return nil, ErrMissingSink
	}
	if deps.Gate == nil {
		return nil, ErrMissingGate
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "detector")

	env := deps.Environment
	if env == nil {
		env = newEnvironment(logger)
	}

	cfg.applyDefaults()

	return &Detector{
		cfg:    cfg,
		env:    env,
		sink:   deps.Sink,
		gate:   deps.Gate,
		logger: logger,
	}, nil
}

// Start begins watching the environment and launches the poll loops.
func (d *Detector) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return ErrAlreadyRunning
	}

	if ok, reason := d.env.Available(); !ok {
		d.logger.Warn("environment degraded", "reason", reason)
	} else {
		d.logger.Info("environment ready", "detail", reason)
	}

	d.ctx, d.cancel = context.WithCancel(ctx)

	if err := d.env.Start(d.ctx); err != nil {
		d.cancel()
		return fmt.Errorf("start environment: %w", err)
	}

	d.running = true
	d.wg.Add(3)
	go d.eventLoop(d.ctx)
	go d.pollFullscreen(d.ctx)
	go d.pollVisibility(d.ctx)

	d.logger.Info("detector started",
		"fullscreen_poll", d.cfg.FullscreenPollInterval,
		"visibility_poll", d.cfg.VisibilityPollInterval,
	)
	return nil
}

// Stop halts the loops and the underlying environment. Safe to call
// when not running.
func (d *Detector) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.cancel()
	if d.recheck != nil {
		d.recheck.Stop()
		d.recheck = nil
	}
	d.mu.Unlock()

	err := d.env.Stop()
	d.wg.Wait()

	d.logger.Info("detector stopped")
	return err
}

// eventLoop drains the environment's discrete transitions.
func (d *Detector) eventLoop(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.env.Events():
			if !ok {
				return
			}
			d.handleEvent(ctx, ev)
		}
	}
}

// handleEvent maps one raw transition to its signal kind. Transitions
// back to a compliant state (visible, focused, fullscreen) update
// nothing and emit nothing, except that regaining focus arms the
// delayed visibility re-check.
func (d *Detector) handleEvent(ctx context.Context, ev Event) {
	if d.gate.Terminated() {
		return
	}

	switch ev.Type {
	case VisibilityChanged:
		if ev.Hidden {
			d.emit(ctx, protocol.EventVisibilityChange, "exam surface hidden")
		}
	case FocusChanged:
		if ev.Focused {
			d.scheduleFocusRecheck(ctx)
		} else {
			d.emit(ctx, protocol.EventBlur, "exam window lost focus")
		}
	case FullscreenChanged:
		if !ev.Fullscreen {
			d.emit(ctx, protocol.EventFullscreenExit, "left fullscreen")
		}
	case CursorLeft:
		desc := ev.Detail
		if desc == "" {
			desc = "cursor left the exam surface"
		}
		d.emit(ctx, protocol.EventCursorLeave, desc)
	case ShortcutSuppressed:
		desc := "suppressed restricted shortcut"
		if ev.Detail != "" {
			desc = "suppressed restricted shortcut " + ev.Detail
		}
		d.emit(ctx, protocol.EventDevtoolsShortcut, desc)
	}
}

// scheduleFocusRecheck arms the delayed probe that catches a surface
// which regained focus while still hidden, the classic sign of a
// second screen or an overlay. A newer focus event replaces a pending
// recheck.
func (d *Detector) scheduleFocusRecheck(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return
	}
	if d.recheck != nil {
		d.recheck.Stop()
	}
	d.recheck = time.AfterFunc(d.cfg.FocusRecheckDelay, func() {
		d.focusRecheck(ctx)
	})
}

func (d *Detector) focusRecheck(ctx context.Context) {
	if ctx.Err() != nil || d.gate.Terminated() {
		return
	}
	hidden, err := d.env.Hidden()
	if err != nil {
		d.logger.Debug("visibility probe failed", "error", err)
		return
	}
	if hidden {
		d.emit(ctx, protocol.EventFocusReveal, "surface hidden after focus returned")
	}
}

// pollFullscreen is the redundant fullscreen watch. It compares each
// probe to the previous poll observation and reports the
// fullscreen-to-windowed edge. The previous observation starts as
// fullscreen, so an exam that begins outside fullscreen is reported on
// the first tick.
func (d *Detector) pollFullscreen(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.FullscreenPollInterval)
	defer ticker.Stop()

	last := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d.gate.Terminated() {
				continue
			}
			fullscreen, err := d.env.Fullscreen()
			if err != nil {
				d.logger.Debug("fullscreen probe failed", "error", err)
				continue
			}
			exited := last && !fullscreen
			last = fullscreen
			if exited {
				d.emit(ctx, protocol.EventFullscreenExit, "fullscreen poll observed exit")
			}
		}
	}
}

// pollVisibility is the redundant visibility watch. Only the
// visible-to-hidden edge is reported.
func (d *Detector) pollVisibility(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.VisibilityPollInterval)
	defer ticker.Stop()

	last := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d.gate.Terminated() {
				continue
			}
			hidden, err := d.env.Hidden()
			if err != nil {
				d.logger.Debug("visibility probe failed", "error", err)
				continue
			}
			became := hidden && !last
			last = hidden
			if became {
				d.emit(ctx, protocol.EventVisibilityPoll, "visibility poll observed hidden surface")
			}
		}
	}
}

// emit forwards one normalized signal to the sink. Callers have
// already consulted the gate; the second look here keeps a tick that
// was mid-flight when termination landed from emitting.
func (d *Detector) emit(ctx context.Context, kind protocol.EventKind, description string) {
	if d.gate.Terminated() {
		return
	}
	d.logger.Debug("signal detected", "event_type", string(kind), "description", description)
	d.sink.Report(ctx, kind, description)
}
