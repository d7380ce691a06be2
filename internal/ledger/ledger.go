// Package ledger implements the authoritative violation escalation decision.
//
// A report is one atomic unit of work: the event insert, the count against
// the open attempt, and the attempt close on the final violation commit or
// roll back together inside the store. The ledger layers the decision table,
// field truncation, session lifecycle, auditing, metrics, and downstream
// publishing on top of that transaction. Clients never escalate on their
// own while the server is reachable; the count returned here overwrites
// whatever they tracked locally.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"proctord/internal/logging"
	"proctord/internal/metrics"
	"proctord/internal/protocol"
	"proctord/internal/publish"
	"proctord/internal/security"
	"proctord/internal/store"
)

// Precondition errors. Each maps to a distinct success:false message on
// the wire; nothing is written when one fires.
var (
	ErrNoActiveSession   = errors.New("ledger: no active exam session")
	ErrEventTypeRequired = errors.New("ledger: event_type is required")
	ErrSessionIDRequired = errors.New("ledger: session_id is required")
	ErrInvalidUserID     = errors.New("ledger: user_id must be positive")
	ErrStatusRequired    = errors.New("ledger: submission status is required")
)

// Config sets the escalation thresholds. Zero values fall back to the
// canonical table: warn on the second violation, end on the third.
type Config struct {
	WarnThreshold int
	EndThreshold  int
}

// Deps carries the ledger's collaborators. Store is required; every other
// field may be nil. A nil Publisher means publishing is off.
type Deps struct {
	Store     store.Store
	Tokens    *security.TokenAuthority
	Logger    *slog.Logger
	Audit     *logging.AuditLogger
	Metrics   *metrics.ProctordMetrics
	Publisher publish.Publisher
}

// Ledger is the server-side decision component. It is safe for concurrent
// use; per-session serialization happens at the store transaction, not
// here.
type Ledger struct {
	store     store.Store
	tokens    *security.TokenAuthority
	logger    *slog.Logger
	audit     *logging.AuditLogger
	metrics   *metrics.ProctordMetrics
	publisher publish.Publisher

	warnAt int
	endAt  int

	now func() time.Time
}

// New assembles a ledger over the given store.
func New(cfg Config, deps Deps) (*Ledger, error) {
	if deps.Store == nil {
		return nil, errors.New("ledger: store is required")
	}

	warnAt := cfg.WarnThreshold
	if warnAt <= 0 {
		warnAt = 2
	}
	endAt := cfg.EndThreshold
	if endAt <= warnAt {
		endAt = warnAt + 1
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = publish.Nop{}
	}

	return &Ledger{
		store:     deps.Store,
		tokens:    deps.Tokens,
		logger:    logger.With("component", "ledger"),
		audit:     deps.Audit,
		metrics:   deps.Metrics,
		publisher: publisher,
		warnAt:    warnAt,
		endAt:     endAt,
		now:       time.Now,
	}, nil
}

// Decision is the outcome of one recorded violation.
type Decision struct {
	AttemptID  string
	Violations int
	Action     protocol.Action
	Message    string
}

// RecordViolation records one report for the authenticated identity and
// returns the escalation decision. Oversized fields are clipped, never
// rejected. A report against a pair whose attempts have all ended is still
// persisted and answered with the termination action; ErrNoActiveSession
// fires only when no attempt exists at all.
func (l *Ledger) RecordViolation(ctx context.Context, id security.Identity, eventType string, details *string) (*Decision, error) {
	if id.SessionID == "" {
		return nil, ErrSessionIDRequired
	}
	if id.UserID <= 0 {
		return nil, ErrInvalidUserID
	}

	eventType = security.SanitizeField(eventType, protocol.MaxEventTypeLen)
	if eventType == "" {
		return nil, ErrEventTypeRequired
	}
	if details != nil {
		clipped := security.SanitizeField(*details, protocol.MaxDetailsLen)
		details = &clipped
	}

	start := l.now()
	res, err := l.store.RecordViolation(ctx, &store.ViolationRecord{
		SessionID:   id.SessionID,
		UserID:      id.UserID,
		EventType:   eventType,
		Details:     details,
		EventTime:   start.UTC(),
		EndCount:    l.endAt,
		EndedReason: store.ReasonTerminated,
	})
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return nil, ErrNoActiveSession
		}
		return nil, fmt.Errorf("record violation: %w", err)
	}

	action := l.decide(res)
	decision := &Decision{
		AttemptID:  res.AttemptID,
		Violations: res.Count,
		Action:     action,
		Message:    protocol.DecisionMessage(action),
	}

	l.logger.Info("violation recorded",
		"session_id", id.SessionID,
		"user_id", id.UserID,
		"event_type", eventType,
		"violations", res.Count,
		"action", action,
	)

	if l.metrics != nil {
		l.metrics.RecordViolation(time.Since(start))
		switch {
		case action == protocol.ActionWarn:
			l.metrics.RecordWarning()
		case res.Closed:
			l.metrics.RecordTermination()
		}
	}

	if l.audit != nil {
		l.audit.LogViolation(ctx, id.SessionID, res.AttemptID, id.UserID, eventType, res.Count, string(action))
		if res.Closed {
			l.audit.LogTermination(ctx, id.SessionID, res.AttemptID, id.UserID, res.Count)
		}
	}

	l.publishDecision(ctx, id, eventType, res, action, start.UTC())

	return decision, nil
}

// decide applies the decision table to the committed count. An attempt
// that already ended answers with the termination action no matter what
// the recomputed count says.
func (l *Ledger) decide(res *store.RecordResult) protocol.Action {
	switch {
	case res.AlreadyEnded:
		return protocol.ActionEnd
	case res.Count >= l.endAt:
		return protocol.ActionEnd
	case res.Count == l.warnAt:
		return protocol.ActionWarn
	default:
		return protocol.ActionOK
	}
}

func (l *Ledger) publishDecision(ctx context.Context, id security.Identity, eventType string, res *store.RecordResult, action protocol.Action, at time.Time) {
	err := l.publisher.Publish(ctx, publish.EventViolationRecorded, id.SessionID, &publish.ViolationRecorded{
		AttemptID:  res.AttemptID,
		SessionID:  id.SessionID,
		UserID:     id.UserID,
		EventType:  eventType,
		Violations: res.Count,
		Action:     string(action),
		EventTime:  at,
	})
	if err != nil {
		l.logger.Warn("publish violation", "error", err)
	}

	if !res.Closed {
		return
	}
	err = l.publisher.Publish(ctx, publish.EventSessionTerminated, id.SessionID, &publish.SessionTerminated{
		AttemptID: res.AttemptID,
		SessionID: id.SessionID,
		UserID:    id.UserID,
		Reason:    store.ReasonTerminated,
		EndedAt:   at,
	})
	if err != nil {
		l.logger.Warn("publish termination", "error", err)
	}
}

// StartedSession is a freshly created attempt plus the credential the
// agent reports with.
type StartedSession struct {
	Session *store.ExamSession
	Token   string
}

// CreateSession opens a new attempt for the pair and mints its report
// credential. Any attempt still open for the same pair is superseded
// inside the same store transaction.
func (l *Ledger) CreateSession(ctx context.Context, sessionID string, userID int64) (*StartedSession, error) {
	sessionID = security.SanitizeField(sessionID, protocol.MaxEventTypeLen)
	if sessionID == "" {
		return nil, ErrSessionIDRequired
	}
	if userID <= 0 {
		return nil, ErrInvalidUserID
	}

	es := &store.ExamSession{
		AttemptID: uuid.NewString(),
		SessionID: sessionID,
		UserID:    userID,
		StartedAt: l.now().UTC(),
	}
	if err := l.store.CreateSession(ctx, es); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	var token string
	if l.tokens != nil {
		var err error
		token, err = l.tokens.Mint(security.Identity{
			AttemptID: es.AttemptID,
			SessionID: es.SessionID,
			UserID:    es.UserID,
		})
		if err != nil {
			return nil, fmt.Errorf("mint session token: %w", err)
		}
	}

	l.logger.Info("session created",
		"session_id", es.SessionID,
		"user_id", es.UserID,
		"attempt_id", es.AttemptID,
	)
	if l.metrics != nil {
		l.metrics.SessionStarted()
	}
	if l.audit != nil {
		l.audit.LogSessionCreated(ctx, es.SessionID, es.AttemptID, es.UserID)
	}

	return &StartedSession{Session: es, Token: token}, nil
}

// Submit persists a submission for the authenticated identity and closes
// the attempt if it is still open. A cheated submission closes it as
// terminated, anything else as submitted.
func (l *Ledger) Submit(ctx context.Context, id security.Identity, req *protocol.SubmitRequest) (*store.Submission, error) {
	if id.SessionID == "" {
		return nil, ErrSessionIDRequired
	}
	if id.UserID <= 0 {
		return nil, ErrInvalidUserID
	}

	status := security.SanitizeField(req.Status, protocol.MaxEventTypeLen)
	if status == "" {
		return nil, ErrStatusRequired
	}

	answers := req.SubmitResult
	if answers == nil {
		answers = []protocol.AnswerResult{}
	}
	results, err := json.Marshal(answers)
	if err != nil {
		return nil, fmt.Errorf("encode results: %w", err)
	}

	sub := &store.Submission{
		SubmissionID:   uuid.NewString(),
		SessionID:      id.SessionID,
		UserID:         id.UserID,
		Score:          req.Score,
		TotalQuestions: req.TotalQuestions,
		TimeTakenSec:   req.TimeTaken,
		Status:         status,
		Results:        string(results),
		SubmittedAt:    l.now().UTC(),
	}

	closeReason := store.ReasonSubmitted
	if status == protocol.StatusCheated {
		closeReason = store.ReasonTerminated
	}

	if err := l.store.RecordSubmission(ctx, sub, closeReason); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return nil, ErrNoActiveSession
		}
		return nil, fmt.Errorf("record submission: %w", err)
	}

	l.logger.Info("submission recorded",
		"session_id", id.SessionID,
		"user_id", id.UserID,
		"attempt_id", sub.AttemptID,
		"status", status,
		"score", sub.Score,
	)
	if l.metrics != nil {
		l.metrics.RecordSubmission()
	}
	if l.audit != nil {
		l.audit.LogSubmission(ctx, id.SessionID, sub.AttemptID, id.UserID, status, sub.Score)
	}

	err = l.publisher.Publish(ctx, publish.EventSubmissionRecorded, id.SessionID, &publish.SubmissionRecorded{
		SubmissionID: sub.SubmissionID,
		AttemptID:    sub.AttemptID,
		SessionID:    sub.SessionID,
		UserID:       sub.UserID,
		Status:       sub.Status,
		Score:        sub.Score,
		SubmittedAt:  sub.SubmittedAt,
	})
	if err != nil {
		l.logger.Warn("publish submission", "error", err)
	}

	return sub, nil
}

// EndSession force-closes an attempt on behalf of an operator. It returns
// the attempt as it stands afterwards and whether this call closed it.
func (l *Ledger) EndSession(ctx context.Context, attemptID, reason string) (*store.ExamSession, bool, error) {
	if reason == "" {
		reason = store.ReasonEndedByAdmin
	}

	at := l.now().UTC()
	closed, err := l.store.EndSession(ctx, attemptID, reason, at)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return nil, false, ErrNoActiveSession
		}
		return nil, false, fmt.Errorf("end session: %w", err)
	}

	es, err := l.store.Session(ctx, attemptID)
	if err != nil {
		return nil, closed, fmt.Errorf("load session: %w", err)
	}

	if closed {
		l.logger.Info("session ended",
			"attempt_id", attemptID,
			"reason", reason,
		)
		if l.metrics != nil {
			l.metrics.SessionEnded()
		}
		if l.audit != nil {
			l.audit.LogSessionEnded(ctx, es.SessionID, es.AttemptID, es.UserID, reason)
		}
		err = l.publisher.Publish(ctx, publish.EventSessionTerminated, es.SessionID, &publish.SessionTerminated{
			AttemptID: es.AttemptID,
			SessionID: es.SessionID,
			UserID:    es.UserID,
			Reason:    reason,
			EndedAt:   at,
		})
		if err != nil {
			l.logger.Warn("publish session end", "error", err)
		}
	}

	return es, closed, nil
}

// Session returns one attempt by id, or nil when absent.
func (l *Ledger) Session(ctx context.Context, attemptID string) (*store.ExamSession, error) {
	return l.store.Session(ctx, attemptID)
}

// Sessions lists attempts newest first with violation counts.
func (l *Ledger) Sessions(ctx context.Context, activeOnly bool, limit int) ([]*store.ExamSession, error) {
	return l.store.Sessions(ctx, activeOnly, limit)
}

// Violations lists the events bound to an attempt, oldest first. It
// returns ErrNoActiveSession when the attempt does not exist.
func (l *Ledger) Violations(ctx context.Context, attemptID string, limit int) (*store.ExamSession, []*store.ViolationEvent, error) {
	es, err := l.store.Session(ctx, attemptID)
	if err != nil {
		return nil, nil, fmt.Errorf("load session: %w", err)
	}
	if es == nil {
		return nil, nil, ErrNoActiveSession
	}

	events, err := l.store.Violations(ctx, attemptID, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("list violations: %w", err)
	}
	return es, events, nil
}

// Stats reports ledger row counts for status surfaces.
func (l *Ledger) Stats(ctx context.Context) (*store.Stats, error) {
	return l.store.Stats(ctx)
}

// Thresholds reports the active decision thresholds.
func (l *Ledger) Thresholds() (warn, end int) {
	return l.warnAt, l.endAt
}
