// Package publish emits committed ledger decisions onto a Kafka topic for
// downstream analytics.
//
// Publishing is strictly fire-and-forget from the request path: delivery
// failures are logged and counted, never surfaced to the reporting client.
// When publishing is disabled a Nop publisher stands in so callers never
// branch on configuration.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SpecVersion is the envelope schema version consumers pin against.
const SpecVersion = "1.0"

// Domain tags every envelope this service emits.
const Domain = "proctoring"

// Envelope event types.
const (
	EventViolationRecorded  = "violation.recorded"
	EventSessionTerminated  = "session.terminated"
	EventSubmissionRecorded = "submission.recorded"
)

// Envelope is the versioned wrapper around every published event.
type Envelope struct {
	SpecVersion string            `json:"spec_version"`
	Domain      string            `json:"domain"`
	EventType   string            `json:"event_type"`
	Source      string            `json:"source"`
	Timestamp   time.Time         `json:"timestamp"`
	Correlation map[string]string `json:"correlation,omitempty"`
	Payload     json.RawMessage   `json:"payload"`
}

// NewEnvelope wraps a payload for publishing.
func NewEnvelope(eventType, source string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return &Envelope{
		SpecVersion: SpecVersion,
		Domain:      Domain,
		EventType:   eventType,
		Source:      source,
		Timestamp:   time.Now().UTC(),
		Payload:     raw,
	}, nil
}

// ParseEnvelope decodes and validates a raw envelope.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	return &env, nil
}

// Validate checks the fields every consumer relies on.
func (e *Envelope) Validate() error {
	if e.SpecVersion == "" {
		return errors.New("spec_version is required")
	}
	if e.Domain == "" {
		return errors.New("domain is required")
	}
	if e.EventType == "" {
		return errors.New("event_type is required")
	}
	if len(e.Payload) == 0 {
		return errors.New("payload is required")
	}
	return nil
}

// PayloadInto decodes the envelope payload into target.
func (e *Envelope) PayloadInto(target any) error {
	if len(e.Payload) == 0 {
		return errors.New("envelope payload is empty")
	}
	if err := json.Unmarshal(e.Payload, target); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return nil
}

// ViolationRecorded reports one committed escalation decision.
type ViolationRecorded struct {
	AttemptID  string    `json:"attempt_id"`
	SessionID  string    `json:"session_id"`
	UserID     int64     `json:"user_id"`
	EventType  string    `json:"event_type"`
	Violations int       `json:"violations"`
	Action     string    `json:"action"`
	EventTime  time.Time `json:"event_time"`
}

// SessionTerminated reports an attempt closed by escalation or an operator.
type SessionTerminated struct {
	AttemptID string    `json:"attempt_id"`
	SessionID string    `json:"session_id"`
	UserID    int64     `json:"user_id"`
	Reason    string    `json:"reason"`
	EndedAt   time.Time `json:"ended_at"`
}

// SubmissionRecorded reports a persisted exam submission.
type SubmissionRecorded struct {
	SubmissionID string    `json:"submission_id"`
	AttemptID    string    `json:"attempt_id"`
	SessionID    string    `json:"session_id"`
	UserID       int64     `json:"user_id"`
	Status       string    `json:"status"`
	Score        int       `json:"score"`
	SubmittedAt  time.Time `json:"submitted_at"`
}

// Publisher delivers envelopes to downstream consumers. Implementations
// must not block the caller on broker acknowledgement; key selects the
// partition so events for one session stay ordered.
type Publisher interface {
	Publish(ctx context.Context, eventType, key string, payload any) error
	Close() error
}

// Nop discards every envelope. It stands in when publishing is disabled.
type Nop struct{}

var _ Publisher = Nop{}

func (Nop) Publish(context.Context, string, string, any) error { return nil }

func (Nop) Close() error { return nil }
