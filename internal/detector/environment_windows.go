//go:build windows

package detector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"
	"unsafe"
)

var (
	user32                  = syscall.NewLazyDLL("user32.dll")
	procGetForegroundWindow = user32.NewProc("GetForegroundWindow")
	procGetWindowRect       = user32.NewProc("GetWindowRect")
	procGetSystemMetrics    = user32.NewProc("GetSystemMetrics")
	procIsIconic            = user32.NewProc("IsIconic")
)

const (
	smCxScreen = 0
	smCyScreen = 1

	foregroundPollInterval = 250 * time.Millisecond
)

type winRect struct {
	Left, Top, Right, Bottom int32
}

// windowsEnvironment treats the window that is foreground when
// monitoring starts as the exam surface and polls the foreground
// window against it. A minimized exam window counts as hidden, and a
// window rect smaller than the primary display counts as windowed.
type windowsEnvironment struct {
	mu         sync.Mutex
	logger     *slog.Logger
	events     chan Event
	running    bool
	examWindow uintptr
	focused    bool
}

// newEnvironment selects the platform monitor.
func newEnvironment(logger *slog.Logger) Environment {
	return &windowsEnvironment{
		logger: logger,
		events: make(chan Event, 100),
	}
}

// Start captures the current foreground window as the exam surface and
// begins polling.
func (e *windowsEnvironment) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return ErrAlreadyRunning
	}

	hwnd, _, _ := procGetForegroundWindow.Call()
	if hwnd == 0 {
		return fmt.Errorf("no foreground window to adopt as the exam surface")
	}
	e.examWindow = hwnd
	e.focused = true
	e.running = true

	go e.pollLoop(ctx)

	return nil
}

// Stop halts polling and closes the event channel.
func (e *windowsEnvironment) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return nil
	}
	e.running = false
	close(e.events)

	return nil
}

// Events returns the channel of raw transitions.
func (e *windowsEnvironment) Events() <-chan Event {
	return e.events
}

// Hidden reports whether the exam window is minimized.
func (e *windowsEnvironment) Hidden() (bool, error) {
	e.mu.Lock()
	hwnd := e.examWindow
	e.mu.Unlock()

	if hwnd == 0 {
		return false, fmt.Errorf("environment not started")
	}
	iconic, _, _ := procIsIconic.Call(hwnd)
	return iconic != 0, nil
}

// Fullscreen reports whether the exam window covers the primary
// display.
func (e *windowsEnvironment) Fullscreen() (bool, error) {
	e.mu.Lock()
	hwnd := e.examWindow
	e.mu.Unlock()

	if hwnd == 0 {
		return false, fmt.Errorf("environment not started")
	}

	var rect winRect
	ret, _, _ := procGetWindowRect.Call(hwnd, uintptr(unsafe.Pointer(&rect)))
	if ret == 0 {
		return false, fmt.Errorf("GetWindowRect failed")
	}
	width, _, _ := procGetSystemMetrics.Call(smCxScreen)
	height, _, _ := procGetSystemMetrics.Call(smCyScreen)

	covers := rect.Left <= 0 && rect.Top <= 0 &&
		int64(rect.Right) >= int64(width) && int64(rect.Bottom) >= int64(height)
	return covers, nil
}

// Available reports whether the foreground window APIs respond.
func (e *windowsEnvironment) Available() (bool, string) {
	if err := procGetForegroundWindow.Find(); err != nil {
		return false, fmt.Sprintf("user32 unavailable: %v", err)
	}
	return true, "foreground window polling"
}

// pollLoop watches the foreground window for focus transitions away
// from the exam surface.
func (e *windowsEnvironment) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(foregroundPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.checkForeground()
		}
	}
}

func (e *windowsEnvironment) checkForeground() {
	hwnd, _, _ := procGetForegroundWindow.Call()

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	focused := hwnd == e.examWindow
	changed := focused != e.focused
	e.focused = focused
	if !changed {
		e.mu.Unlock()
		return
	}
	select {
	case e.events <- Event{Type: FocusChanged, Focused: focused, Timestamp: time.Now()}:
	default:
		// Channel full
	}
	e.mu.Unlock()
}
