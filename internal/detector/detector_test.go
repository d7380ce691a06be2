package detector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctord/internal/protocol"
	"proctord/internal/reporter"
)

// The detector is wired to the reporter in production; keep the
// interfaces honest.
var (
	_ Sink = (*reporter.Reporter)(nil)
	_ Gate = (*reporter.EscalationState)(nil)
)

type capturedSignal struct {
	kind        protocol.EventKind
	description string
}

type captureSink struct {
	mu      sync.Mutex
	signals []capturedSignal
}

func (s *captureSink) Report(_ context.Context, kind protocol.EventKind, description string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = append(s.signals, capturedSignal{kind: kind, description: description})
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.signals)
}

func (s *captureSink) all() []capturedSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]capturedSignal, len(s.signals))
	copy(out, s.signals)
	return out
}

func (s *captureSink) kinds() []protocol.EventKind {
	var kinds []protocol.EventKind
	for _, sig := range s.all() {
		kinds = append(kinds, sig.kind)
	}
	return kinds
}

// slowPolls pushes both polls out of the way so a test can exercise
// discrete events in isolation.
func slowPolls() Config {
	return Config{
		FullscreenPollInterval: time.Hour,
		VisibilityPollInterval: time.Hour,
		FocusRecheckDelay:      10 * time.Millisecond,
	}
}

func newTestDetector(t *testing.T, cfg Config, prepare func(env *FakeEnvironment)) (*FakeEnvironment, *captureSink, *reporter.EscalationState) {
	t.Helper()

	env := NewFakeEnvironment()
	if prepare != nil {
		prepare(env)
	}
	sink := &captureSink{}
	state := reporter.NewEscalationState()

	d, err := New(cfg, Deps{Sink: sink, Gate: state, Environment: env})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { _ = d.Stop() })

	return env, sink, state
}

func waitForSignals(t *testing.T, sink *captureSink, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return sink.count() >= n },
		2*time.Second, 5*time.Millisecond, "expected %d signals, have %d", n, sink.count())
}

func TestEventNormalization(t *testing.T) {
	env, sink, _ := newTestDetector(t, slowPolls(), nil)

	env.PushVisibility(true)
	env.PushFocus(false)
	env.PushFullscreen(false)
	env.PushCursorLeft("")
	env.PushShortcut("Ctrl+Shift+I")

	waitForSignals(t, sink, 5)

	signals := sink.all()
	assert.Equal(t, protocol.EventVisibilityChange, signals[0].kind)
	assert.Equal(t, protocol.EventBlur, signals[1].kind)
	assert.Equal(t, protocol.EventFullscreenExit, signals[2].kind)
	assert.Equal(t, protocol.EventCursorLeave, signals[3].kind)
	assert.Equal(t, protocol.EventDevtoolsShortcut, signals[4].kind)

	assert.Equal(t, "cursor left the exam surface", signals[3].description)
	assert.Contains(t, signals[4].description, "Ctrl+Shift+I")
}

func TestCompliantTransitionsEmitNothing(t *testing.T) {
	env, sink, _ := newTestDetector(t, slowPolls(), nil)

	env.PushVisibility(false)
	env.PushFullscreen(true)
	env.PushFocus(true) // surface is visible, so the re-check stays quiet

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, sink.count())
}

func TestFullscreenPollReportsInitialWindowedState(t *testing.T) {
	cfg := Config{
		FullscreenPollInterval: 10 * time.Millisecond,
		VisibilityPollInterval: time.Hour,
	}
	env, sink, _ := newTestDetector(t, cfg, func(env *FakeEnvironment) {
		env.SetFullscreen(false)
	})

	waitForSignals(t, sink, 1)
	first := sink.all()[0]
	assert.Equal(t, protocol.EventFullscreenExit, first.kind)
	assert.Equal(t, "fullscreen poll observed exit", first.description)

	// Staying windowed is an edge already reported, not a level.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, sink.count())

	// Re-entering and leaving again is a fresh edge.
	env.SetFullscreen(true)
	time.Sleep(60 * time.Millisecond)
	env.SetFullscreen(false)
	waitForSignals(t, sink, 2)
	assert.Equal(t, protocol.EventFullscreenExit, sink.all()[1].kind)
}

func TestFullscreenPollQuietWhileFullscreen(t *testing.T) {
	cfg := Config{
		FullscreenPollInterval: 10 * time.Millisecond,
		VisibilityPollInterval: time.Hour,
	}
	_, sink, _ := newTestDetector(t, cfg, nil)

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, sink.count())
}

func TestVisibilityPollReportsHiddenEdge(t *testing.T) {
	cfg := Config{
		FullscreenPollInterval: time.Hour,
		VisibilityPollInterval: 10 * time.Millisecond,
	}
	env, sink, _ := newTestDetector(t, cfg, nil)

	env.SetHidden(true)
	waitForSignals(t, sink, 1)
	first := sink.all()[0]
	assert.Equal(t, protocol.EventVisibilityPoll, first.kind)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, sink.count())

	env.SetHidden(false)
	time.Sleep(60 * time.Millisecond)
	env.SetHidden(true)
	waitForSignals(t, sink, 2)
}

func TestFocusRegainedRecheckRevealsHiddenSurface(t *testing.T) {
	env, sink, _ := newTestDetector(t, slowPolls(), nil)

	env.SetHidden(true)
	env.PushFocus(true)

	waitForSignals(t, sink, 1)
	first := sink.all()[0]
	assert.Equal(t, protocol.EventFocusReveal, first.kind)
	assert.Equal(t, "surface hidden after focus returned", first.description)
}

func TestFocusRecheckQuietWhenVisible(t *testing.T) {
	env, sink, _ := newTestDetector(t, slowPolls(), nil)

	env.PushFocus(true)

	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, sink.count())
}

func TestFocusRecheckCoalescesRapidRegains(t *testing.T) {
	cfg := slowPolls()
	cfg.FocusRecheckDelay = 40 * time.Millisecond
	env, sink, _ := newTestDetector(t, cfg, nil)

	env.SetHidden(true)
	env.PushFocus(true)
	time.Sleep(10 * time.Millisecond)
	env.PushFocus(true)

	waitForSignals(t, sink, 1)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, sink.count())
}

func TestTerminatedGateSilencesDetector(t *testing.T) {
	cfg := Config{
		FullscreenPollInterval: 10 * time.Millisecond,
		VisibilityPollInterval: 10 * time.Millisecond,
		FocusRecheckDelay:      10 * time.Millisecond,
	}
	env, sink, state := newTestDetector(t, cfg, nil)

	state.MarkTerminated()

	env.PushVisibility(true)
	env.PushFocus(false)
	env.PushFullscreen(false)
	env.PushCursorLeft("")
	env.PushShortcut("F12")
	env.SetHidden(true)
	env.SetFullscreen(false)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, sink.count())
}

func TestProbeFailuresSkipTicks(t *testing.T) {
	cfg := Config{
		FullscreenPollInterval: 10 * time.Millisecond,
		VisibilityPollInterval: 10 * time.Millisecond,
	}
	env, sink, _ := newTestDetector(t, cfg, func(env *FakeEnvironment) {
		env.SetProbeErrors(errors.New("probe down"), errors.New("probe down"))
		env.SetHidden(true)
		env.SetFullscreen(false)
	})

	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, sink.count())

	// Once the probes recover, both edges are still pending.
	env.SetProbeErrors(nil, nil)
	waitForSignals(t, sink, 2)
	assert.ElementsMatch(t,
		[]protocol.EventKind{protocol.EventVisibilityPoll, protocol.EventFullscreenExit},
		sink.kinds())
}

func TestStartStopLifecycle(t *testing.T) {
	env := NewFakeEnvironment()
	sink := &captureSink{}
	state := reporter.NewEscalationState()

	d, err := New(slowPolls(), Deps{Sink: sink, Gate: state, Environment: env})
	require.NoError(t, err)

	require.NoError(t, d.Start(context.Background()))
	assert.ErrorIs(t, d.Start(context.Background()), ErrAlreadyRunning)

	require.NoError(t, d.Stop())
	require.NoError(t, d.Stop())
}

func TestNewValidation(t *testing.T) {
	state := reporter.NewEscalationState()

	_, err := New(Config{}, Deps{Gate: state})
	assert.ErrorIs(t, err, ErrMissingSink)

	_, err = New(Config{}, Deps{Sink: &captureSink{}})
	assert.ErrorIs(t, err, ErrMissingGate)
}

func TestConfigDefaults(t *testing.T) {
	d, err := New(Config{}, Deps{
		Sink:        &captureSink{},
		Gate:        reporter.NewEscalationState(),
		Environment: NewFakeEnvironment(),
	})
	require.NoError(t, err)

	assert.Equal(t, DefaultFullscreenPollInterval, d.cfg.FullscreenPollInterval)
	assert.Equal(t, DefaultVisibilityPollInterval, d.cfg.VisibilityPollInterval)
	assert.Equal(t, DefaultFocusRecheckDelay, d.cfg.FocusRecheckDelay)
}
