package ledger

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctord/internal/protocol"
	"proctord/internal/publish"
	"proctord/internal/security"
	"proctord/internal/store"
)

// capturePublisher records every publish call for assertions.
type capturePublisher struct {
	mu     sync.Mutex
	events []capturedEvent
}

type capturedEvent struct {
	eventType string
	key       string
	payload   any
}

func (p *capturePublisher) Publish(_ context.Context, eventType, key string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, capturedEvent{eventType, key, payload})
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) byType(eventType string) []capturedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []capturedEvent
	for _, e := range p.events {
		if e.eventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

func newTestLedger(t *testing.T) (*Ledger, *capturePublisher) {
	t.Helper()

	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	tokens, err := security.NewTokenAuthority([]byte("0123456789abcdef0123456789abcdef"), 0)
	require.NoError(t, err)

	pub := &capturePublisher{}
	l, err := New(Config{}, Deps{Store: s, Tokens: tokens, Publisher: pub})
	require.NoError(t, err)

	return l, pub
}

func startAttempt(t *testing.T, l *Ledger, sessionID string, userID int64) *StartedSession {
	t.Helper()

	started, err := l.CreateSession(context.Background(), sessionID, userID)
	require.NoError(t, err)
	require.NotEmpty(t, started.Session.AttemptID)
	require.NotEmpty(t, started.Token)

	return started
}

func TestEscalationSequence(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	started := startAttempt(t, l, "exam-1", 10)
	id := security.Identity{SessionID: "exam-1", UserID: 10}

	first, err := l.RecordViolation(ctx, id, "blur", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Violations)
	assert.Equal(t, protocol.ActionOK, first.Action)
	assert.Equal(t, protocol.MessageLogged, first.Message)

	second, err := l.RecordViolation(ctx, id, "visibilitychange", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Violations)
	assert.Equal(t, protocol.ActionWarn, second.Action)
	assert.Equal(t, protocol.MessageWarning, second.Message)

	third, err := l.RecordViolation(ctx, id, "cursor_leave", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, third.Violations)
	assert.Equal(t, protocol.ActionEnd, third.Action)
	assert.Equal(t, protocol.MessageTerminated, third.Message)

	es, err := l.Session(ctx, started.Session.AttemptID)
	require.NoError(t, err)
	require.NotNil(t, es.EndedAt)
	assert.Equal(t, store.ReasonTerminated, es.EndedReason)
}

func TestReportAfterTerminationStillRecorded(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	started := startAttempt(t, l, "exam-1", 10)
	id := security.Identity{SessionID: "exam-1", UserID: 10}

	for i := 0; i < 3; i++ {
		_, err := l.RecordViolation(ctx, id, "blur", nil)
		require.NoError(t, err)
	}

	endedAttempt, err := l.Session(ctx, started.Session.AttemptID)
	require.NoError(t, err)
	require.NotNil(t, endedAttempt.EndedAt)
	closedAt := *endedAttempt.EndedAt

	// A straggler lands after the close. It is persisted, the attempt row
	// stays untouched, and the answer is the termination action.
	fourth, err := l.RecordViolation(ctx, id, "fullscreen_exit", nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.ActionEnd, fourth.Action)
	assert.Equal(t, protocol.MessageTerminated, fourth.Message)

	_, events, err := l.Violations(ctx, started.Session.AttemptID, 0)
	require.NoError(t, err)
	assert.Len(t, events, 4)

	after, err := l.Session(ctx, started.Session.AttemptID)
	require.NoError(t, err)
	assert.True(t, after.EndedAt.Equal(closedAt), "close time must not move")
	assert.Equal(t, store.ReasonTerminated, after.EndedReason)
}

func TestRecordViolationPreconditions(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.RecordViolation(ctx, security.Identity{SessionID: "ghost", UserID: 1}, "blur", nil)
	assert.ErrorIs(t, err, ErrNoActiveSession)

	startAttempt(t, l, "exam-1", 10)
	id := security.Identity{SessionID: "exam-1", UserID: 10}

	_, err = l.RecordViolation(ctx, id, "", nil)
	assert.ErrorIs(t, err, ErrEventTypeRequired)

	_, err = l.RecordViolation(ctx, security.Identity{UserID: 10}, "blur", nil)
	assert.ErrorIs(t, err, ErrSessionIDRequired)

	_, err = l.RecordViolation(ctx, security.Identity{SessionID: "exam-1"}, "blur", nil)
	assert.ErrorIs(t, err, ErrInvalidUserID)
}

func TestFieldTruncation(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	started := startAttempt(t, l, "exam-1", 10)
	id := security.Identity{SessionID: "exam-1", UserID: 10}

	longType := strings.Repeat("x", 200)
	longDetails := strings.Repeat("d", 5000)

	_, err := l.RecordViolation(ctx, id, longType, &longDetails)
	require.NoError(t, err)

	_, events, err := l.Violations(ctx, started.Session.AttemptID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)

	assert.Len(t, events[0].EventType, protocol.MaxEventTypeLen)
	require.NotNil(t, events[0].Details)
	assert.Len(t, *events[0].Details, protocol.MaxDetailsLen)
}

func TestRetakeIsolation(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	id := security.Identity{SessionID: "exam-1", UserID: 10}

	first := startAttempt(t, l, "exam-1", 10)
	for i := 0; i < 3; i++ {
		_, err := l.RecordViolation(ctx, id, "blur", nil)
		require.NoError(t, err)
	}

	// Fresh attempt for the same pair. Prior violations must not leak into
	// the new count.
	second := startAttempt(t, l, "exam-1", 10)
	require.NotEqual(t, first.Session.AttemptID, second.Session.AttemptID)

	d, err := l.RecordViolation(ctx, id, "blur", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Violations)
	assert.Equal(t, protocol.ActionOK, d.Action)
}

func TestCreateSessionMintsVerifiableToken(t *testing.T) {
	l, _ := newTestLedger(t)
	started := startAttempt(t, l, "exam-7", 42)

	verified, err := l.tokens.Verify(started.Token)
	require.NoError(t, err)
	assert.Equal(t, started.Session.AttemptID, verified.AttemptID)
	assert.Equal(t, "exam-7", verified.SessionID)
	assert.Equal(t, int64(42), verified.UserID)
}

func TestCreateSessionSupersedesOpenAttempt(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	first := startAttempt(t, l, "exam-1", 10)
	startAttempt(t, l, "exam-1", 10)

	old, err := l.Session(ctx, first.Session.AttemptID)
	require.NoError(t, err)
	require.NotNil(t, old.EndedAt)
	assert.Equal(t, store.ReasonSuperseded, old.EndedReason)
}

func TestSubmitCheatedClosesAttempt(t *testing.T) {
	l, pub := newTestLedger(t)
	ctx := context.Background()
	started := startAttempt(t, l, "exam-1", 10)
	id := security.Identity{SessionID: "exam-1", UserID: 10}

	sub, err := l.Submit(ctx, id, &protocol.SubmitRequest{
		SubmitResult:   nil,
		Score:          0,
		TotalQuestions: 20,
		TimeTaken:      300,
		Status:         protocol.StatusCheated,
	})
	require.NoError(t, err)
	assert.Equal(t, started.Session.AttemptID, sub.AttemptID)
	assert.Equal(t, "[]", sub.Results)

	es, err := l.Session(ctx, started.Session.AttemptID)
	require.NoError(t, err)
	require.NotNil(t, es.EndedAt)
	assert.Equal(t, store.ReasonTerminated, es.EndedReason)

	require.Len(t, pub.byType(publish.EventSubmissionRecorded), 1)
}

func TestSubmitRequiresStatus(t *testing.T) {
	l, _ := newTestLedger(t)
	startAttempt(t, l, "exam-1", 10)

	_, err := l.Submit(context.Background(), security.Identity{SessionID: "exam-1", UserID: 10}, &protocol.SubmitRequest{})
	assert.ErrorIs(t, err, ErrStatusRequired)
}

func TestEndSessionIdempotent(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	started := startAttempt(t, l, "exam-1", 10)

	es, closed, err := l.EndSession(ctx, started.Session.AttemptID, "")
	require.NoError(t, err)
	assert.True(t, closed)
	assert.Equal(t, store.ReasonEndedByAdmin, es.EndedReason)

	_, closed, err = l.EndSession(ctx, started.Session.AttemptID, "")
	require.NoError(t, err)
	assert.False(t, closed, "second close must be a no-op")

	_, _, err = l.EndSession(ctx, "no-such-attempt", "")
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestDecisionsArePublished(t *testing.T) {
	l, pub := newTestLedger(t)
	ctx := context.Background()
	startAttempt(t, l, "exam-1", 10)
	id := security.Identity{SessionID: "exam-1", UserID: 10}

	for i := 0; i < 3; i++ {
		_, err := l.RecordViolation(ctx, id, "blur", nil)
		require.NoError(t, err)
	}

	recorded := pub.byType(publish.EventViolationRecorded)
	require.Len(t, recorded, 3)
	last, ok := recorded[2].payload.(*publish.ViolationRecorded)
	require.True(t, ok)
	assert.Equal(t, 3, last.Violations)
	assert.Equal(t, string(protocol.ActionEnd), last.Action)
	assert.Equal(t, "exam-1", recorded[2].key)

	require.Len(t, pub.byType(publish.EventSessionTerminated), 1)
}

func TestConfiguredThresholds(t *testing.T) {
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	l, err := New(Config{WarnThreshold: 3, EndThreshold: 5}, Deps{Store: s})
	require.NoError(t, err)

	warn, end := l.Thresholds()
	assert.Equal(t, 3, warn)
	assert.Equal(t, 5, end)

	ctx := context.Background()
	_, err = l.CreateSession(ctx, "exam-1", 10)
	require.NoError(t, err)
	id := security.Identity{SessionID: "exam-1", UserID: 10}

	wantActions := []protocol.Action{
		protocol.ActionOK,
		protocol.ActionOK,
		protocol.ActionWarn,
		protocol.ActionOK,
		protocol.ActionEnd,
	}
	for i, want := range wantActions {
		d, err := l.RecordViolation(ctx, id, "blur", nil)
		require.NoError(t, err)
		assert.Equal(t, want, d.Action, "violation %d", i+1)
	}
}

func TestConcurrentReportsTerminateOnce(t *testing.T) {
	l, pub := newTestLedger(t)
	ctx := context.Background()
	startAttempt(t, l, "exam-1", 10)
	id := security.Identity{SessionID: "exam-1", UserID: 10}

	const reports = 8
	var wg sync.WaitGroup
	decisions := make([]*Decision, reports)
	errs := make([]error, reports)

	for i := 0; i < reports; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			decisions[i], errs[i] = l.RecordViolation(ctx, id, "blur", nil)
		}(i)
	}
	wg.Wait()

	counts := make(map[int]bool)
	for i := 0; i < reports; i++ {
		require.NoError(t, errs[i])
		assert.False(t, counts[decisions[i].Violations], "duplicate count %d", decisions[i].Violations)
		counts[decisions[i].Violations] = true
	}

	// Exactly one report crossed the threshold and closed the attempt.
	assert.Len(t, pub.byType(publish.EventSessionTerminated), 1)
}
