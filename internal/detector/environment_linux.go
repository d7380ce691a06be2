//go:build linux

package detector

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"
)

// Screensaver D-Bus endpoints. The freedesktop name covers KDE and most
// desktops; GNOME exposes its own.
const (
	fdoScreenSaverName   = "org.freedesktop.ScreenSaver"
	fdoScreenSaverPath   = dbus.ObjectPath("/org/freedesktop/ScreenSaver")
	gnomeScreenSaverName = "org.gnome.ScreenSaver"

	activeChangedMember = "ActiveChanged"
)

// linuxEnvironment observes the exam surface through the desktop
// session bus: a locked or blanked screen counts as a hidden surface.
// Window-level fullscreen state is not visible from the session bus, so
// the fullscreen probe reports fullscreen and stays quiet.
type linuxEnvironment struct {
	mu      sync.Mutex
	logger  *slog.Logger
	conn    *dbus.Conn
	signals chan *dbus.Signal
	events  chan Event
	running bool
	hidden  bool
}

// newEnvironment selects the platform monitor.
func newEnvironment(logger *slog.Logger) Environment {
	return &linuxEnvironment{
		logger: logger,
		events: make(chan Event, 100),
	}
}

// Start connects a private session bus connection and subscribes to
// screensaver state changes.
func (e *linuxEnvironment) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return ErrAlreadyRunning
	}

	conn, err := dbus.SessionBusPrivate()
	if err != nil {
		return fmt.Errorf("connect session bus: %w", err)
	}
	if err := conn.Auth(nil); err != nil {
		conn.Close()
		return fmt.Errorf("authenticate session bus: %w", err)
	}
	if err := conn.Hello(); err != nil {
		conn.Close()
		return fmt.Errorf("register on session bus: %w", err)
	}

	for _, iface := range []string{fdoScreenSaverName, gnomeScreenSaverName} {
		if err := conn.AddMatchSignal(
			dbus.WithMatchInterface(iface),
			dbus.WithMatchMember(activeChangedMember),
		); err != nil {
			conn.Close()
			return fmt.Errorf("subscribe %s signals: %w", iface, err)
		}
	}

	e.signals = make(chan *dbus.Signal, 32)
	conn.Signal(e.signals)
	e.conn = conn
	e.running = true

	go e.signalLoop(ctx)

	return nil
}

// Stop closes the bus connection and the event channel.
func (e *linuxEnvironment) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return nil
	}
	e.running = false

	if e.conn != nil {
		e.conn.RemoveSignal(e.signals)
		e.conn.Close()
		e.conn = nil
	}
	close(e.events)

	return nil
}

// Events returns the channel of raw transitions.
func (e *linuxEnvironment) Events() <-chan Event {
	return e.events
}

// Hidden probes the screensaver state synchronously.
func (e *linuxEnvironment) Hidden() (bool, error) {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()

	if conn == nil {
		return false, fmt.Errorf("environment not started")
	}

	var active bool
	obj := conn.Object(fdoScreenSaverName, fdoScreenSaverPath)
	if err := obj.Call(fdoScreenSaverName+".GetActive", 0).Store(&active); err != nil {
		return false, fmt.Errorf("screensaver GetActive: %w", err)
	}
	return active, nil
}

// Fullscreen reports fullscreen unconditionally. Window geometry is not
// observable from the session bus, and a quiet probe beats a false
// violation.
func (e *linuxEnvironment) Fullscreen() (bool, error) {
	return true, nil
}

// Available reports whether a desktop session is reachable.
func (e *linuxEnvironment) Available() (bool, string) {
	if os.Getenv("DBUS_SESSION_BUS_ADDRESS") == "" &&
		os.Getenv("DISPLAY") == "" &&
		os.Getenv("WAYLAND_DISPLAY") == "" {
		return false, "no desktop session detected on " + hostDescription()
	}
	return true, "session lock tracking via D-Bus on " + hostDescription()
}

// signalLoop turns screensaver transitions into environment events.
func (e *linuxEnvironment) signalLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-e.signals:
			if !ok {
				return
			}
			e.handleSignal(sig)
		}
	}
}

func (e *linuxEnvironment) handleSignal(sig *dbus.Signal) {
	if sig == nil || len(sig.Body) == 0 {
		return
	}
	if !strings.HasSuffix(string(sig.Name), "."+activeChangedMember) {
		return
	}
	active, ok := sig.Body[0].(bool)
	if !ok {
		return
	}

	e.mu.Lock()
	if !e.running || active == e.hidden {
		e.mu.Unlock()
		return
	}
	e.hidden = active
	e.mu.Unlock()

	e.deliver(Event{Type: VisibilityChanged, Hidden: active, Timestamp: time.Now()})
	if !active {
		// Unlocking reads as the surface coming back to the student,
		// which arms the detector's delayed re-check.
		e.deliver(Event{Type: FocusChanged, Focused: true, Timestamp: time.Now()})
	}
}

func (e *linuxEnvironment) deliver(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return
	}
	select {
	case e.events <- ev:
	default:
		// Channel full
	}
}

// hostDescription identifies the kernel for availability logs.
func hostDescription() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "linux"
	}
	return fmt.Sprintf("%s %s",
		unix.ByteSliceToString(uts.Sysname[:]),
		unix.ByteSliceToString(uts.Release[:]),
	)
}
