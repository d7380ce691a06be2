// Package protocol defines the wire types shared by the proctord server,
// the proctoring agent, and operator tooling.
//
// Every exchange is JSON over HTTP with a uniform response envelope. The
// HTTP status is 200 whenever the server reached a decision; the success
// flag inside the envelope carries the actual outcome. Non-2xx statuses
// are reserved for transport-level failures (unparseable bodies, missing
// or bad credentials, rate limiting), which clients treat the same as an
// unreachable server.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind identifies the kind of proctoring signal being reported.
type EventKind string

const (
	// EventVisibilityChange fires when the exam surface reports a change
	// to a hidden state.
	EventVisibilityChange EventKind = "visibilitychange"
	// EventBlur fires when the exam window loses input focus.
	EventBlur EventKind = "blur"
	// EventFocusReveal fires when a delayed re-check after regaining focus
	// finds the surface still hidden.
	EventFocusReveal EventKind = "focus_reveal"
	// EventVisibilityPoll fires when the periodic visibility probe observes
	// a transition to hidden that no event reported.
	EventVisibilityPoll EventKind = "visibility_poll"
	// EventFullscreenExit fires when fullscreen is left, from either the
	// change event or the periodic probe.
	EventFullscreenExit EventKind = "fullscreen_exit"
	// EventCursorLeave fires when the cursor leaves the exam surface.
	EventCursorLeave EventKind = "cursor_leave"
	// EventDevtoolsShortcut fires when a restricted inspection shortcut is
	// suppressed.
	EventDevtoolsShortcut EventKind = "devtools_shortcut"
)

// EventKinds lists every kind a detector emits, in reporting order.
var EventKinds = []EventKind{
	EventVisibilityChange,
	EventBlur,
	EventFocusReveal,
	EventVisibilityPoll,
	EventFullscreenExit,
	EventCursorLeave,
	EventDevtoolsShortcut,
}

// Valid reports whether k is a known event kind. The ledger accepts
// unknown kinds (they are recorded verbatim after truncation); validity
// only matters to emitters.
func (k EventKind) Valid() bool {
	for _, known := range EventKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Action is the escalation decision returned by the ledger.
type Action string

const (
	// ActionOK records the violation with no client-visible effect.
	ActionOK Action = "ok"
	// ActionWarn shows the non-dismissable warning banner.
	ActionWarn Action = "warn"
	// ActionEnd terminates the exam.
	ActionEnd Action = "end"
)

// Canonical decision messages. Clients display these verbatim.
const (
	MessageLogged     = "violation logged"
	MessageWarning    = "next violation will terminate the exam"
	MessageTerminated = "exam terminated due to multiple violations"
)

// Field limits enforced by the ledger. Oversized values are truncated,
// never rejected.
const (
	MaxEventTypeLen = 50
	MaxDetailsLen   = 1000
)

// StatusCheated marks a submission forced by exam termination.
const StatusCheated = "cheated"

// EndedReasonTerminated is recorded on a session closed by the ledger's
// escalation decision.
const EndedReasonTerminated = "terminated"

// API paths.
const (
	PathViolations  = "/api/v1/violations"
	PathSubmissions = "/api/v1/submissions"
	PathSessions    = "/api/v1/sessions"
	PathStatus      = "/api/v1/status"
)

// ReportRequest is the body of POST /api/v1/violations. Details is a
// pointer so absent and null are both legal and preserved.
type ReportRequest struct {
	EventType string  `json:"event_type"`
	Details   *string `json:"details"`
}

// ReportResult is the decision payload of a report response.
type ReportResult struct {
	Violations int    `json:"violations"`
	Action     Action `json:"action"`
	Message    string `json:"message"`
}

// Envelope is the uniform response wrapper. Data and Error are emitted
// as explicit JSON nulls when unset so the wire shape never varies.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *string         `json:"error"`
}

// OK wraps a payload in a success envelope.
func OK(v any) (*Envelope, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode envelope data: %w", err)
	}
	return &Envelope{Success: true, Data: data}, nil
}

// Fail builds a failure envelope carrying the given message.
func Fail(msg string) *Envelope {
	return &Envelope{Success: false, Error: &msg}
}

// DecodeData unmarshals the envelope's data payload into v. It fails on
// a null or absent payload.
func (e *Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return fmt.Errorf("envelope has no data payload")
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode envelope data: %w", err)
	}
	return nil
}

// AnswerResult is one graded answer inside a submission. Forced cheated
// submissions carry none.
type AnswerResult struct {
	QuestionID int    `json:"question_id"`
	Answer     string `json:"answer"`
	Correct    bool   `json:"correct"`
}

// SubmitRequest is the body of POST /api/v1/submissions. A forced
// submission has an empty result list, a zero score, and status
// "cheated"; time_taken is elapsed exam seconds.
type SubmitRequest struct {
	SubmitResult   []AnswerResult `json:"submit_result"`
	Score          int            `json:"score"`
	TotalQuestions int            `json:"total_questions"`
	TimeTaken      int64          `json:"time_taken"`
	Status         string         `json:"status"`
}

// SubmitResult acknowledges a persisted submission.
type SubmitResult struct {
	SubmissionID string `json:"submission_id"`
	Status       string `json:"status"`
}

// CreateSessionRequest is the body of POST /api/v1/sessions (admin). It
// opens a fresh attempt for the (session_id, user_id) pair.
type CreateSessionRequest struct {
	SessionID string `json:"session_id"`
	UserID    int64  `json:"user_id"`
}

// CreateSessionResult returns the opened attempt and the credential the
// agent reports with.
type CreateSessionResult struct {
	AttemptID string    `json:"attempt_id"`
	SessionID string    `json:"session_id"`
	UserID    int64     `json:"user_id"`
	StartedAt time.Time `json:"started_at"`
	Token     string    `json:"token"`
}

// SessionInfo describes one exam attempt.
type SessionInfo struct {
	AttemptID   string     `json:"attempt_id"`
	SessionID   string     `json:"session_id"`
	UserID      int64      `json:"user_id"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at"`
	EndedReason *string    `json:"ended_reason"`
	Violations  int        `json:"violations"`
}

// SessionListResult is the payload of GET /api/v1/sessions.
type SessionListResult struct {
	Sessions []SessionInfo `json:"sessions"`
}

// ViolationInfo describes one recorded violation event.
type ViolationInfo struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	UserID    int64     `json:"user_id"`
	EventType string    `json:"event_type"`
	Details   *string   `json:"details"`
	EventTime time.Time `json:"event_time"`
}

// ViolationListResult is the payload of GET /api/v1/sessions/{id}/violations.
type ViolationListResult struct {
	SessionID  string          `json:"session_id"`
	Violations []ViolationInfo `json:"violations"`
}

// EndSessionResult acknowledges an operator-forced session close.
type EndSessionResult struct {
	SessionID string     `json:"session_id"`
	EndedAt   *time.Time `json:"ended_at"`
	Ended     bool       `json:"ended"`
}

// StatusResult is the payload of GET /api/v1/status (admin).
type StatusResult struct {
	Version       string    `json:"version"`
	StartedAt     time.Time `json:"started_at"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	Driver        string    `json:"driver"`
	OpenSessions  int       `json:"open_sessions"`
	TotalSessions int64     `json:"total_sessions"`
	TotalEvents   int64     `json:"total_events"`
}

// DecisionMessage returns the canonical message for an action.
func DecisionMessage(a Action) string {
	switch a {
	case ActionEnd:
		return MessageTerminated
	case ActionWarn:
		return MessageWarning
	default:
		return MessageLogged
	}
}
