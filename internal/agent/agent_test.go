package agent_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctord/internal/agent"
	"proctord/internal/config"
	"proctord/internal/detector"
	"proctord/internal/enforce"
	"proctord/internal/protocol"
)

type fakeSurface struct {
	mu           sync.Mutex
	warnings     []string
	timerStopped int
	replacements []string
}

func (s *fakeSurface) ShowWarning(message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings = append(s.warnings, message)
	return nil
}

func (s *fakeSurface) StopTimer() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timerStopped++
	return nil
}

func (s *fakeSurface) Controls() []enforce.Control { return nil }

func (s *fakeSurface) Replace(message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replacements = append(s.replacements, message)
	return nil
}

func (s *fakeSurface) snapshot() (warnings, replacements []string, timerStops int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.warnings...), append([]string(nil), s.replacements...), s.timerStopped
}

// testAgentConfig parks both polls out of the way so the scripted
// environment is the only signal source.
func testAgentConfig(url string) config.AgentConfig {
	return config.AgentConfig{
		ServerURL:        url,
		Token:            "test-session-token",
		Environment:      "null",
		FullscreenPollMs: 3_600_000,
		VisibilityPollMs: 3_600_000,
		FocusRecheckMs:   10,
		ReportTimeoutSec: 2,
		TotalQuestions:   10,
		AutoSubmit:       true,
	}
}

func writeDecision(t *testing.T, w http.ResponseWriter, violations int) {
	t.Helper()

	action := protocol.ActionOK
	switch {
	case violations >= 3:
		action = protocol.ActionEnd
	case violations == 2:
		action = protocol.ActionWarn
	}
	env, err := protocol.OK(protocol.ReportResult{
		Violations: violations,
		Action:     action,
		Message:    protocol.DecisionMessage(action),
	})
	require.NoError(t, err)
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(env))
}

func TestAgentEscalatesOverWire(t *testing.T) {
	var (
		mu          sync.Mutex
		reports     int
		submissions int
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case protocol.PathViolations:
			mu.Lock()
			reports++
			count := reports
			mu.Unlock()
			writeDecision(t, w, count)
		case protocol.PathSubmissions:
			mu.Lock()
			submissions++
			mu.Unlock()
			env, err := protocol.OK(protocol.SubmitResult{SubmissionID: "sub-1", Status: protocol.StatusCheated})
			require.NoError(t, err)
			w.Header().Set("Content-Type", "application/json")
			require.NoError(t, json.NewEncoder(w).Encode(env))
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	env := detector.NewFakeEnvironment()
	surface := &fakeSurface{}

	a, err := agent.New(testAgentConfig(ts.URL), agent.Deps{Surface: surface, Environment: env})
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { _ = a.Stop() })

	env.PushFocus(false)
	env.PushCursorLeft("")
	env.PushVisibility(true)

	require.Eventually(t, func() bool { return a.State().Terminated() },
		5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 3, a.State().Violations())
	assert.True(t, a.State().WarningShown())

	warnings, replacements, timerStops := surface.snapshot()
	assert.Equal(t, []string{protocol.MessageWarning}, warnings)
	require.Len(t, replacements, 1)
	assert.Equal(t, enforce.TerminalMessage, replacements[0])
	assert.Equal(t, 1, timerStops)

	// The forced submission follows termination.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return submissions == 1
	}, 5*time.Second, 10*time.Millisecond)

	// The trail kept every hop.
	assert.NotZero(t, a.Debug().Len())
	assert.True(t, a.Enforcer().Terminated())
}

func TestAgentFallsBackWhenServerUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	ts.Close()

	env := detector.NewFakeEnvironment()
	surface := &fakeSurface{}

	a, err := agent.New(testAgentConfig(ts.URL), agent.Deps{Surface: surface, Environment: env})
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { _ = a.Stop() })

	env.PushFocus(false)
	env.PushCursorLeft("")
	env.PushVisibility(true)

	require.Eventually(t, func() bool { return a.State().Terminated() },
		5*time.Second, 10*time.Millisecond)

	// Locally counted to the same thresholds and messages.
	assert.Equal(t, 3, a.State().Violations())
	warnings, replacements, _ := surface.snapshot()
	assert.Equal(t, []string{protocol.MessageWarning}, warnings)
	require.Len(t, replacements, 1)
	assert.Equal(t, enforce.TerminalMessage, replacements[0])
}

func TestAgentLifecycle(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	a, err := agent.New(testAgentConfig(ts.URL), agent.Deps{
		Surface:     &fakeSurface{},
		Environment: detector.NewFakeEnvironment(),
	})
	require.NoError(t, err)

	require.NoError(t, a.Start(context.Background()))
	assert.ErrorIs(t, a.Start(context.Background()), agent.ErrAlreadyRunning)

	require.NoError(t, a.Stop())
	require.NoError(t, a.Stop())
}

func TestAgentNewValidation(t *testing.T) {
	_, err := agent.New(testAgentConfig("http://127.0.0.1:1"), agent.Deps{})
	assert.ErrorIs(t, err, agent.ErrMissingSurface)

	cfg := testAgentConfig("http://127.0.0.1:1")
	cfg.Token = ""
	_, err = agent.New(cfg, agent.Deps{Surface: &fakeSurface{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "report client")
}
