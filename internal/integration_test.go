// Package internal holds end-to-end tests for the escalation pipeline: a
// real HTTP server over a real sqlite store, driven by a real agent whose
// environment is scripted.
//
// The arc under test is the product's core promise: detect, report, count
// on the server, warn at the second violation, terminate at the third, and
// force a zero-score submission.
package internal

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctord/internal/agent"
	"proctord/internal/config"
	"proctord/internal/detector"
	"proctord/internal/enforce"
	"proctord/internal/health"
	"proctord/internal/httpapi"
	"proctord/internal/ledger"
	"proctord/internal/metrics"
	"proctord/internal/protocol"
	"proctord/internal/publish"
	"proctord/internal/security"
	"proctord/internal/store"
)

const adminToken = "integration-admin-token"

// stack is one complete server: store, ledger, http, and the capture
// publisher that observes it from downstream.
type stack struct {
	store     store.Store
	base      string
	published *capturePublisher
}

func newStack(t *testing.T) *stack {
	t.Helper()

	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "proctord.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	key, err := security.GenerateKey(security.RecommendedKeySize)
	require.NoError(t, err)
	tokens, err := security.NewTokenAuthority(key, time.Hour)
	require.NoError(t, err)

	registry := metrics.NewRegistry("proctord", "")
	m := metrics.NewProctordMetrics(registry)

	published := &capturePublisher{}
	led, err := ledger.New(ledger.Config{WarnThreshold: 2, EndThreshold: 3}, ledger.Deps{
		Store:     st,
		Tokens:    tokens,
		Metrics:   m,
		Publisher: published,
	})
	require.NoError(t, err)

	checker := health.NewChecker()
	checker.RegisterFunc("store", true, health.DatabaseCheck(st.Ping))
	checker.Check(context.Background())
	checker.SetReady(true)

	srv, err := httpapi.New(httpapi.Config{
		ListenAddr:   "127.0.0.1:0",
		AdminToken:   adminToken,
		RatePerSec:   1000,
		RateBurst:    1000,
		MaxBodyBytes: 64 * 1024,
		Version:      "integration",
		Driver:       "sqlite",
	}, httpapi.Deps{
		Ledger:   led,
		Tokens:   tokens,
		Health:   checker,
		Registry: registry,
		Metrics:  m,
	})
	require.NoError(t, err)

	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Shutdown(context.Background()) })

	return &stack{
		store:     st,
		base:      "http://" + srv.Addr(),
		published: published,
	}
}

// newAgent assembles a real agent against the stack with a scripted
// environment and an observable surface. Polls are parked out of the way;
// everything flows through pushed events.
func (s *stack) newAgent(t *testing.T, token string) (*agent.Agent, *detector.FakeEnvironment, *examSurface) {
	t.Helper()

	env := detector.NewFakeEnvironment()
	surface := newExamSurface()

	ag, err := agent.New(config.AgentConfig{
		ServerURL:        s.base,
		Token:            token,
		FullscreenPollMs: 3_600_000,
		VisibilityPollMs: 3_600_000,
		FocusRecheckMs:   10,
		ReportTimeoutSec: 5,
		TotalQuestions:   20,
		AutoSubmit:       true,
	}, agent.Deps{
		Surface:     surface,
		Environment: env,
	})
	require.NoError(t, err)

	require.NoError(t, ag.Start(context.Background()))
	t.Cleanup(func() { ag.Stop() })

	return ag, env, surface
}

func TestEscalationLifecycle(t *testing.T) {
	s := newStack(t)
	created := s.createSession(t, "final-exam", 42)
	ag, env, surface := s.newAgent(t, created.Token)

	// First violation: logged, nothing visible.
	env.PushFocus(false)
	require.Eventually(t, func() bool {
		return ag.State().Violations() == 1
	}, 5*time.Second, 10*time.Millisecond)
	warnings, replacements, _ := surface.snapshot()
	assert.Empty(t, warnings)
	assert.Empty(t, replacements)
	assert.False(t, ag.State().WarningShown())

	// Second violation: the warning banner, verbatim.
	env.PushFullscreen(false)
	require.Eventually(t, func() bool {
		return ag.State().WarningShown()
	}, 5*time.Second, 10*time.Millisecond)
	warnings, replacements, _ = surface.snapshot()
	require.Equal(t, []string{protocol.MessageWarning}, warnings)
	assert.Empty(t, replacements)
	assert.False(t, ag.State().Terminated())

	// Third violation: lockdown and the forced submission.
	env.PushCursorLeft("pointer left the exam window")
	require.Eventually(t, func() bool {
		return ag.State().Terminated()
	}, 5*time.Second, 10*time.Millisecond)

	warnings, replacements, timerStops := surface.snapshot()
	require.Equal(t, []string{protocol.MessageWarning}, warnings)
	require.Equal(t, []string{enforce.TerminalMessage}, replacements)
	assert.Equal(t, 1, timerStops)
	assert.True(t, surface.controlsDisabled())

	require.Eventually(t, func() bool {
		stats, err := s.store.Stats(context.Background())
		return err == nil && stats.Submissions == 1
	}, 5*time.Second, 10*time.Millisecond)

	// The server agrees: three events, the attempt closed as terminated.
	info := s.findSession(t, created.AttemptID)
	require.NotNil(t, info.EndedAt)
	require.NotNil(t, info.EndedReason)
	assert.Equal(t, protocol.EndedReasonTerminated, *info.EndedReason)
	assert.Equal(t, 3, info.Violations)

	events := s.violations(t, created.AttemptID)
	require.Len(t, events.Violations, 3)
	assert.Equal(t, string(protocol.EventBlur), events.Violations[0].EventType)
	assert.Equal(t, string(protocol.EventFullscreenExit), events.Violations[1].EventType)
	assert.Equal(t, string(protocol.EventCursorLeave), events.Violations[2].EventType)

	// Everything downstream heard about it.
	assert.Equal(t, 3, s.published.count(publish.EventViolationRecorded))
	assert.Equal(t, 1, s.published.count(publish.EventSessionTerminated))
	assert.Eventually(t, func() bool {
		return s.published.count(publish.EventSubmissionRecorded) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// A terminated agent goes quiet: nothing new reaches the server.
	env.PushShortcut("ctrl+shift+i")
	env.PushVisibility(true)
	time.Sleep(200 * time.Millisecond)
	events = s.violations(t, created.AttemptID)
	assert.Len(t, events.Violations, 3)
}

func TestOperatorForcedEndLocksAgent(t *testing.T) {
	s := newStack(t)
	created := s.createSession(t, "midterm", 7)
	ag, env, surface := s.newAgent(t, created.Token)

	env.PushFocus(false)
	require.Eventually(t, func() bool {
		return ag.State().Violations() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Operator pulls the plug.
	var ended protocol.EndSessionResult
	s.adminPost(t, protocol.PathSessions+"/"+created.AttemptID+"/end", &ended)
	require.True(t, ended.Ended)

	// The next report answers with termination; the agent locks without
	// ever having warned.
	env.PushVisibility(true)
	require.Eventually(t, func() bool {
		return ag.State().Terminated()
	}, 5*time.Second, 10*time.Millisecond)

	warnings, replacements, _ := surface.snapshot()
	assert.Empty(t, warnings)
	require.Equal(t, []string{enforce.TerminalMessage}, replacements)

	// The late submission lands but the close reason stays with the
	// operator.
	require.Eventually(t, func() bool {
		stats, err := s.store.Stats(context.Background())
		return err == nil && stats.Submissions == 1
	}, 5*time.Second, 10*time.Millisecond)

	info := s.findSession(t, created.AttemptID)
	require.NotNil(t, info.EndedReason)
	assert.Equal(t, store.ReasonEndedByAdmin, *info.EndedReason)
}

// HTTP helpers against the admin API.

func (s *stack) createSession(t *testing.T, sessionID string, userID int64) protocol.CreateSessionResult {
	t.Helper()

	body, err := json.Marshal(protocol.CreateSessionRequest{SessionID: sessionID, UserID: userID})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, s.base+protocol.PathSessions, strings.NewReader(string(body)))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	req.Header.Set("Content-Type", "application/json")

	var out protocol.CreateSessionResult
	s.decode(t, req, &out)
	require.NotEmpty(t, out.Token)
	return out
}

func (s *stack) findSession(t *testing.T, attemptID string) protocol.SessionInfo {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, s.base+protocol.PathSessions, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+adminToken)

	var list protocol.SessionListResult
	s.decode(t, req, &list)
	for _, info := range list.Sessions {
		if info.AttemptID == attemptID {
			return info
		}
	}
	t.Fatalf("attempt %s not in session list", attemptID)
	return protocol.SessionInfo{}
}

func (s *stack) violations(t *testing.T, attemptID string) protocol.ViolationListResult {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, s.base+protocol.PathSessions+"/"+attemptID+"/violations", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+adminToken)

	var list protocol.ViolationListResult
	s.decode(t, req, &list)
	return list
}

func (s *stack) adminPost(t *testing.T, path string, out any) {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, s.base+path, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+adminToken)

	s.decode(t, req, out)
}

func (s *stack) decode(t *testing.T, req *http.Request, out any) {
	t.Helper()

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var env protocol.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	if !env.Success {
		msg := "unknown"
		if env.Error != nil {
			msg = *env.Error
		}
		t.Fatalf("envelope error: %s", msg)
	}
	require.NoError(t, env.DecodeData(out))
}

// examSurface records every enforcement touch for assertion.
type examSurface struct {
	mu           sync.Mutex
	warnings     []string
	replacements []string
	timerStops   int
	controls     []*fakeControl
}

func newExamSurface() *examSurface {
	return &examSurface{
		controls: []*fakeControl{{id: "answer-input"}, {id: "next-button"}},
	}
}

func (s *examSurface) ShowWarning(message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings = append(s.warnings, message)
	return nil
}

func (s *examSurface) StopTimer() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timerStops++
	return nil
}

func (s *examSurface) Controls() []enforce.Control {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]enforce.Control, len(s.controls))
	for i, c := range s.controls {
		out[i] = c
	}
	return out
}

func (s *examSurface) Replace(message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replacements = append(s.replacements, message)
	return nil
}

func (s *examSurface) snapshot() (warnings, replacements []string, timerStops int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.warnings...), append([]string(nil), s.replacements...), s.timerStops
}

func (s *examSurface) controlsDisabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.controls {
		if !c.disabled() {
			return false
		}
	}
	return true
}

type fakeControl struct {
	mu  sync.Mutex
	id  string
	off bool
}

func (c *fakeControl) ID() string { return c.id }

func (c *fakeControl) Disable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.off = true
	return nil
}

func (c *fakeControl) disabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.off
}

// capturePublisher records the event types the ledger publishes.
type capturePublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *capturePublisher) Publish(_ context.Context, eventType, _ string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e == eventType {
			n++
		}
	}
	return n
}
