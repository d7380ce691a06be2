// Package store provides persistence for the proctord violation ledger.
package store

import (
	"context"
	"errors"
	"time"
)

// Common store errors.
var (
	// ErrSessionNotFound means no attempt row exists for the identifier,
	// open or otherwise.
	ErrSessionNotFound = errors.New("store: session not found")
)

// Session close reasons recorded in ended_reason.
const (
	ReasonTerminated   = "terminated"
	ReasonSubmitted    = "submitted"
	ReasonEndedByAdmin = "ended_by_admin"
	// ReasonSuperseded closes a stale open attempt when a fresh attempt is
	// created for the same (session_id, user_id) pair.
	ReasonSuperseded = "superseded"
)

// ExamSession is one proctored attempt. Several rows may share a
// (session_id, user_id) pair across retakes; at most one of them is open
// (ended_at IS NULL) at any time.
type ExamSession struct {
	AttemptID   string
	SessionID   string
	UserID      int64
	StartedAt   time.Time
	EndedAt     *time.Time
	EndedReason string

	// ViolationCount is populated by listing queries only.
	ViolationCount int
}

// Ended reports whether the attempt has been closed.
func (s *ExamSession) Ended() bool {
	return s.EndedAt != nil
}

// ViolationEvent is one recorded violation report.
type ViolationEvent struct {
	ID        int64
	AttemptID string
	SessionID string
	UserID    int64
	EventType string
	Details   *string
	EventTime time.Time
}

// Submission is a persisted exam submission. Results holds the graded
// answer list as JSON; forced submissions carry an empty list.
type Submission struct {
	SubmissionID   string
	AttemptID      string
	SessionID      string
	UserID         int64
	Score          int
	TotalQuestions int
	TimeTakenSec   int64
	Status         string
	Results        string
	SubmittedAt    time.Time
}

// ViolationRecord is the input to Store.RecordViolation. EventTime is the
// server clock reading taken by the ledger; client timestamps are never
// trusted.
type ViolationRecord struct {
	SessionID string
	UserID    int64
	EventType string
	Details   *string
	EventTime time.Time

	// EndCount closes the open attempt when the post-insert violation
	// count reaches it. Zero disables closing.
	EndCount    int
	EndedReason string
}

// RecordResult reports what the record transaction observed and did.
type RecordResult struct {
	EventID   int64
	AttemptID string
	// Count is the number of violations for the pair with event_time at or
	// after the bound attempt's started_at, including the one just written.
	Count int
	// AlreadyEnded means the attempt was closed before this record; the
	// event is still persisted but the session row is left untouched.
	AlreadyEnded bool
	// Closed means this record crossed EndCount and closed the attempt.
	Closed bool
}

// Stats summarizes ledger contents for status surfaces.
type Stats struct {
	Sessions     int64
	OpenSessions int64
	Violations   int64
	Submissions  int64
}

// Store is the persistence surface of the violation ledger, implemented by
// the sqlite and postgres drivers. The escalation decision itself lives in
// the ledger; the store guarantees that recording a violation, counting,
// and closing the attempt happen in one transaction.
type Store interface {
	// CreateSession inserts a fresh attempt row. Any attempt still open for
	// the same (session_id, user_id) pair is closed as superseded in the
	// same transaction, so the single-open-attempt invariant holds.
	CreateSession(ctx context.Context, s *ExamSession) error

	// Session returns the attempt by id, or nil when absent.
	Session(ctx context.Context, attemptID string) (*ExamSession, error)

	// OpenSession returns the open attempt for the pair, or nil when every
	// attempt has ended or none exists.
	OpenSession(ctx context.Context, sessionID string, userID int64) (*ExamSession, error)

	// Sessions lists attempts newest first with their violation counts.
	Sessions(ctx context.Context, activeOnly bool, limit int) ([]*ExamSession, error)

	// EndSession closes the attempt unless it already ended. It reports
	// whether this call performed the close, and ErrSessionNotFound when
	// no such attempt exists.
	EndSession(ctx context.Context, attemptID, reason string, at time.Time) (bool, error)

	// RecordViolation binds the report to the open attempt (or the latest
	// one when every attempt has ended), inserts the event, counts, and
	// closes the attempt when the count reaches rec.EndCount, atomically.
	// Returns ErrSessionNotFound when the pair has no attempt at all.
	RecordViolation(ctx context.Context, rec *ViolationRecord) (*RecordResult, error)

	// Violations lists events bound to the attempt, oldest first.
	Violations(ctx context.Context, attemptID string, limit int) ([]*ViolationEvent, error)

	// RecordSubmission resolves the attempt the same way RecordViolation
	// does, stores the submission, and closes the attempt with closeReason
	// if it is still open. sub.AttemptID is set to the resolved attempt.
	RecordSubmission(ctx context.Context, sub *Submission, closeReason string) error

	// Stats returns row counts for status and metrics surfaces.
	Stats(ctx context.Context) (*Stats, error)

	// Ping verifies the backing database is reachable.
	Ping(ctx context.Context) error

	Close() error
}
