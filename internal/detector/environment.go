package detector

import (
	"context"
	"log/slog"
	"runtime"
	"time"
)

// EventType classifies a raw environment transition before the detector
// normalizes it into a reportable signal.
type EventType int

const (
	// VisibilityChanged reports the exam surface becoming hidden or
	// visible again.
	VisibilityChanged EventType = iota
	// FocusChanged reports the exam window gaining or losing input focus.
	FocusChanged
	// FullscreenChanged reports the exam surface entering or leaving
	// fullscreen presentation.
	FullscreenChanged
	// CursorLeft reports the cursor leaving the exam surface.
	CursorLeft
	// ShortcutSuppressed reports a restricted shortcut that was consumed
	// before it could reach the platform.
	ShortcutSuppressed
)

// Event is one raw observation delivered by an Environment. Only the
// field matching the Type is meaningful.
type Event struct {
	Type       EventType
	Hidden     bool   // VisibilityChanged
	Focused    bool   // FocusChanged
	Fullscreen bool   // FullscreenChanged
	Detail     string // ShortcutSuppressed chord, optional elsewhere
	Timestamp  time.Time
}

// Environment is implemented by platform-specific monitors of the exam
// surface. Implementations deliver discrete transitions on Events and
// answer point-in-time probes for the detector's polls. An environment
// that cannot observe a dimension keeps its probe quiet (Hidden false,
// Fullscreen true) rather than guessing.
type Environment interface {
	// Start begins monitoring. The environment stops when ctx is
	// cancelled or Stop is called.
	Start(ctx context.Context) error

	// Stop halts monitoring and releases platform resources.
	Stop() error

	// Events returns the channel of raw transitions. The channel is
	// closed when the environment stops.
	Events() <-chan Event

	// Hidden probes whether the exam surface is currently hidden.
	Hidden() (bool, error)

	// Fullscreen probes whether the exam surface is currently
	// fullscreen.
	Fullscreen() (bool, error)

	// Available reports whether this environment can observe the
	// current platform, with a human-readable explanation.
	Available() (bool, string)
}

// SelectEnvironment maps a configured environment name to a monitor:
// "null" selects the inert monitor, anything else the platform
// default.
func SelectEnvironment(name string, logger *slog.Logger) Environment {
	if name == "null" {
		return NewNullEnvironment()
	}
	return newEnvironment(logger)
}

// nullEnvironment delivers nothing and keeps both probes quiet, so an
// agent still runs but no platform signal ever reaches the detector.
type nullEnvironment struct {
	events chan Event
}

// NewNullEnvironment returns the inert monitor.
func NewNullEnvironment() Environment {
	return &nullEnvironment{events: make(chan Event)}
}

func (n *nullEnvironment) Start(ctx context.Context) error { return nil }

func (n *nullEnvironment) Stop() error { return nil }

func (n *nullEnvironment) Events() <-chan Event { return n.events }

func (n *nullEnvironment) Hidden() (bool, error) { return false, nil }

func (n *nullEnvironment) Fullscreen() (bool, error) { return true, nil }

func (n *nullEnvironment) Available() (bool, string) {
	return false, "null environment monitor (" + runtime.GOOS + ")"
}
