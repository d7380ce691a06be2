package enforce

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctord/internal/protocol"
	"proctord/internal/reporter"
)

type fakeControl struct {
	id       string
	fail     bool
	disabled bool
}

func (c *fakeControl) ID() string { return c.id }

func (c *fakeControl) Disable() error {
	if c.fail {
		return errors.New("element refused")
	}
	c.disabled = true
	return nil
}

type fakeSurface struct {
	warnings     []string
	timerStopped int
	replacements []string
	controls     []*fakeControl
}

func (s *fakeSurface) ShowWarning(message string) error {
	s.warnings = append(s.warnings, message)
	return nil
}

func (s *fakeSurface) StopTimer() error {
	s.timerStopped++
	return nil
}

func (s *fakeSurface) Controls() []Control {
	out := make([]Control, len(s.controls))
	for i, c := range s.controls {
		out[i] = c
	}
	return out
}

func (s *fakeSurface) Replace(message string) error {
	s.replacements = append(s.replacements, message)
	return nil
}

type fakeSubmitClient struct {
	mu       sync.Mutex
	requests []*protocol.SubmitRequest
	err      error
}

func (c *fakeSubmitClient) Submit(ctx context.Context, req *protocol.SubmitRequest) (*protocol.SubmitResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if c.err != nil {
		return nil, c.err
	}
	return &protocol.SubmitResult{SubmissionID: "sub-1", Status: req.Status}, nil
}

func (c *fakeSubmitClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func newTestActions(t *testing.T, cfg Config, surface *fakeSurface, client SubmitClient) (*Actions, *reporter.EscalationState) {
	t.Helper()

	state := reporter.NewEscalationState()
	a, err := New(cfg, Deps{
		Surface: surface,
		Client:  client,
		State:   state,
		Debug:   reporter.NewDebugLog(16),
	})
	require.NoError(t, err)
	return a, state
}

func TestShowWarningOnce(t *testing.T) {
	surface := &fakeSurface{}
	a, _ := newTestActions(t, Config{}, surface, nil)

	a.ShowWarning(protocol.MessageWarning)
	a.ShowWarning(protocol.MessageWarning)
	a.ShowWarning("another")

	require.Len(t, surface.warnings, 1)
	assert.Equal(t, protocol.MessageWarning, surface.warnings[0])
	assert.True(t, a.Warned())
}

func TestShowWarningAfterTerminationIsNoop(t *testing.T) {
	surface := &fakeSurface{}
	a, state := newTestActions(t, Config{}, surface, nil)

	state.MarkTerminated()
	a.ShowWarning(protocol.MessageWarning)

	assert.Empty(t, surface.warnings)
	assert.False(t, a.Warned())
}

func TestTerminateSequence(t *testing.T) {
	surface := &fakeSurface{
		controls: []*fakeControl{
			{id: "answer-1"},
			{id: "answer-2"},
			{id: "submit-button"},
		},
	}
	a, state := newTestActions(t, Config{}, surface, nil)

	a.Terminate(protocol.MessageTerminated)

	assert.Equal(t, 1, surface.timerStopped)
	for _, c := range surface.controls {
		assert.True(t, c.disabled, "control %s", c.id)
	}
	require.Len(t, surface.replacements, 1)
	assert.Equal(t, TerminalMessage, surface.replacements[0])
	assert.True(t, state.Terminated())
	assert.True(t, a.Terminated())
}

func TestTerminateIsIdempotent(t *testing.T) {
	surface := &fakeSurface{controls: []*fakeControl{{id: "a"}}}
	a, _ := newTestActions(t, Config{}, surface, nil)

	a.Terminate(protocol.MessageTerminated)
	a.Terminate(protocol.MessageTerminated)
	a.Terminate("again")

	assert.Equal(t, 1, surface.timerStopped)
	assert.Len(t, surface.replacements, 1)
}

func TestTerminateContinuesPastFailingControl(t *testing.T) {
	surface := &fakeSurface{
		controls: []*fakeControl{
			{id: "first"},
			{id: "stuck", fail: true},
			{id: "last"},
		},
	}
	a, _ := newTestActions(t, Config{}, surface, nil)

	a.Terminate(protocol.MessageTerminated)

	assert.True(t, surface.controls[0].disabled)
	assert.False(t, surface.controls[1].disabled)
	assert.True(t, surface.controls[2].disabled)
	assert.Len(t, surface.replacements, 1)
}

func TestTerminateWritesFinalTrailEntry(t *testing.T) {
	surface := &fakeSurface{}
	state := reporter.NewEscalationState()
	debug := reporter.NewDebugLog(16)
	a, err := New(Config{}, Deps{Surface: surface, State: state, Debug: debug})
	require.NoError(t, err)

	a.Terminate(protocol.MessageTerminated)

	entries := debug.Entries()
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1]
	assert.Equal(t, "terminated", last.Kind)
	assert.Equal(t, protocol.MessageTerminated, last.Description)
}

func TestSubmitAsCheatedPayload(t *testing.T) {
	client := &fakeSubmitClient{}
	a, _ := newTestActions(t, Config{TotalQuestions: 20}, &fakeSurface{}, client)

	require.NoError(t, a.SubmitAsCheated(context.Background()))

	require.Equal(t, 1, client.count())
	req := client.requests[0]
	assert.Empty(t, req.SubmitResult)
	assert.NotNil(t, req.SubmitResult)
	assert.Zero(t, req.Score)
	assert.Equal(t, 20, req.TotalQuestions)
	assert.Equal(t, protocol.StatusCheated, req.Status)
	assert.GreaterOrEqual(t, req.TimeTaken, int64(0))
}

func TestSubmitAsCheatedOnce(t *testing.T) {
	client := &fakeSubmitClient{}
	a, _ := newTestActions(t, Config{}, &fakeSurface{}, client)

	require.NoError(t, a.SubmitAsCheated(context.Background()))
	require.NoError(t, a.SubmitAsCheated(context.Background()))

	assert.Equal(t, 1, client.count())
}

func TestSubmitAsCheatedWithoutClient(t *testing.T) {
	a, _ := newTestActions(t, Config{}, &fakeSurface{}, nil)
	assert.Error(t, a.SubmitAsCheated(context.Background()))
}

func TestAutoSubmitOnTerminate(t *testing.T) {
	client := &fakeSubmitClient{}
	a, _ := newTestActions(t, Config{AutoSubmit: true, TotalQuestions: 10}, &fakeSurface{}, client)

	a.Terminate(protocol.MessageTerminated)

	require.Equal(t, 1, client.count())
	assert.Equal(t, protocol.StatusCheated, client.requests[0].Status)

	// The explicit path afterwards does not submit twice.
	require.NoError(t, a.SubmitAsCheated(context.Background()))
	assert.Equal(t, 1, client.count())
}

func TestSubmitFailureIsReported(t *testing.T) {
	client := &fakeSubmitClient{err: errors.New("server gone")}
	a, _ := newTestActions(t, Config{}, &fakeSurface{}, client)

	assert.Error(t, a.SubmitAsCheated(context.Background()))
}
