package detector

import (
	"context"
	"sync"
	"time"
)

// FakeEnvironment is a scriptable Environment for tests and local
// development. Raw transitions are pushed through the Push methods and
// the probes answer from settable state.
type FakeEnvironment struct {
	mu            sync.Mutex
	events        chan Event
	started       bool
	hidden        bool
	fullscreen    bool
	hiddenErr     error
	fullscreenErr error
}

// NewFakeEnvironment returns a fake that starts visible and fullscreen,
// the compliant initial state.
func NewFakeEnvironment() *FakeEnvironment {
	return &FakeEnvironment{
		events:     make(chan Event, 100),
		fullscreen: true,
	}
}

func (f *FakeEnvironment) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return ErrAlreadyRunning
	}
	f.started = true
	return nil
}

func (f *FakeEnvironment) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = false
	return nil
}

func (f *FakeEnvironment) Events() <-chan Event { return f.events }

func (f *FakeEnvironment) Hidden() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hiddenErr != nil {
		return false, f.hiddenErr
	}
	return f.hidden, nil
}

func (f *FakeEnvironment) Fullscreen() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fullscreenErr != nil {
		return false, f.fullscreenErr
	}
	return f.fullscreen, nil
}

func (f *FakeEnvironment) Available() (bool, string) {
	return true, "scripted environment"
}

// SetHidden changes what the visibility probe answers.
func (f *FakeEnvironment) SetHidden(hidden bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hidden = hidden
}

// SetFullscreen changes what the fullscreen probe answers.
func (f *FakeEnvironment) SetFullscreen(fullscreen bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fullscreen = fullscreen
}

// SetProbeErrors makes the probes fail until cleared with nil.
func (f *FakeEnvironment) SetProbeErrors(hiddenErr, fullscreenErr error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hiddenErr = hiddenErr
	f.fullscreenErr = fullscreenErr
}

// PushVisibility delivers a visibility transition and aligns the probe
// with it.
func (f *FakeEnvironment) PushVisibility(hidden bool) {
	f.SetHidden(hidden)
	f.push(Event{Type: VisibilityChanged, Hidden: hidden})
}

// PushFocus delivers a focus transition.
func (f *FakeEnvironment) PushFocus(focused bool) {
	f.push(Event{Type: FocusChanged, Focused: focused})
}

// PushFullscreen delivers a fullscreen transition and aligns the probe
// with it.
func (f *FakeEnvironment) PushFullscreen(fullscreen bool) {
	f.SetFullscreen(fullscreen)
	f.push(Event{Type: FullscreenChanged, Fullscreen: fullscreen})
}

// PushCursorLeft delivers a cursor-leave transition.
func (f *FakeEnvironment) PushCursorLeft(detail string) {
	f.push(Event{Type: CursorLeft, Detail: detail})
}

// PushShortcut delivers a suppressed-shortcut transition.
func (f *FakeEnvironment) PushShortcut(chord string) {
	f.push(Event{Type: ShortcutSuppressed, Detail: chord})
}

func (f *FakeEnvironment) push(ev Event) {
	ev.Timestamp = time.Now()
	f.events <- ev
}
