package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType classifies audit trail entries.
type AuditEventType string

const (
	AuditEventSessionCreated AuditEventType = "session_created"
	AuditEventSessionEnded   AuditEventType = "session_ended"
	AuditEventViolation      AuditEventType = "violation"
	AuditEventWarning        AuditEventType = "warning"
	AuditEventTermination    AuditEventType = "termination"
	AuditEventSubmission     AuditEventType = "submission"
	AuditEventAuthentication AuditEventType = "authentication"
	AuditEventRateLimit      AuditEventType = "rate_limit"
	AuditEventConfigChange   AuditEventType = "config_change"
	AuditEventStartup        AuditEventType = "startup"
	AuditEventShutdown       AuditEventType = "shutdown"
	AuditEventError          AuditEventType = "error"
)

// AuditEvent represents a proctoring-relevant event. The audit trail is
// the record an exam administrator reviews after a dispute, so entries
// carry the full session identity.
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType AuditEventType `json:"event_type"`
	Component string         `json:"component"`
	SessionID string         `json:"session_id,omitempty"`
	AttemptID string         `json:"attempt_id,omitempty"`
	UserID    int64          `json:"user_id,omitempty"`
	Action    string         `json:"action"`
	Result    string         `json:"result"` // "success", "failure", "denied"
	Details   map[string]any `json:"details,omitempty"`
	SourceIP  string         `json:"source_ip,omitempty"`
	Error     string         `json:"error,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// AuditLoggerConfig holds configuration for the audit logger. Zero fields
// take the audit defaults (50 MB files, 90 days, 10 backups), so callers
// may set just the path.
type AuditLoggerConfig struct {
	FilePath   string
	MaxSize    int64 // megabytes
	MaxAge     int   // days
	MaxBackups int
	Compress   bool
	Component  string
}

func (c *AuditLoggerConfig) normalize() {
	if c.FilePath == "" {
		// Next to the operational log.
		c.FilePath = filepath.Join(filepath.Dir(defaultLogPath()), "audit.log")
	}
	if c.MaxSize <= 0 {
		c.MaxSize = 50
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 90
	}
	if c.MaxBackups <= 0 {
		c.MaxBackups = 10
	}
	if c.Component == "" {
		c.Component = "proctord"
	}
}

// AuditLogger writes JSON-line audit events, separate from operational
// logs. Writes are serialized; a failed write never panics the caller.
type AuditLogger struct {
	mu        sync.Mutex
	component string
	rotator   *FileRotator
}

// NewAuditLogger opens the audit trail at the configured path. A nil
// config uses the defaults throughout.
func NewAuditLogger(cfg *AuditLoggerConfig) (*AuditLogger, error) {
	if cfg == nil {
		cfg = &AuditLoggerConfig{Compress: true}
	}
	cfg.normalize()

	rotator, err := NewFileRotator(&Config{
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}

	return &AuditLogger{component: cfg.Component, rotator: rotator}, nil
}

// Log writes one audit event as a JSON line.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Component == "" {
		event.Component = a.component
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	line = append(line, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.rotator.Write(line); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// LogSessionCreated logs the opening of a fresh exam attempt.
func (a *AuditLogger) LogSessionCreated(ctx context.Context, sessionID, attemptID string, userID int64) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventSessionCreated,
		Action:    "session_created",
		Result:    "success",
		SessionID: sessionID,
		AttemptID: attemptID,
		UserID:    userID,
	})
}

// LogSessionEnded logs a session close with its reason.
func (a *AuditLogger) LogSessionEnded(ctx context.Context, sessionID, attemptID string, userID int64, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventSessionEnded,
		Action:    "session_ended",
		Result:    "success",
		SessionID: sessionID,
		AttemptID: attemptID,
		UserID:    userID,
		Details:   map[string]any{"reason": reason},
	})
}

// LogViolation logs one recorded violation with the decision it produced.
func (a *AuditLogger) LogViolation(ctx context.Context, sessionID, attemptID string, userID int64, eventType string, count int, action string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventViolation,
		Action:    "violation_recorded",
		Result:    "success",
		SessionID: sessionID,
		AttemptID: attemptID,
		UserID:    userID,
		Details: map[string]any{
			"violation_type": eventType,
			"count":          count,
			"decision":       action,
		},
	})
}

// LogTermination logs an exam terminated by the escalation decision.
func (a *AuditLogger) LogTermination(ctx context.Context, sessionID, attemptID string, userID int64, count int) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventTermination,
		Action:    "exam_terminated",
		Result:    "success",
		SessionID: sessionID,
		AttemptID: attemptID,
		UserID:    userID,
		Details:   map[string]any{"count": count},
	})
}

// LogSubmission logs a persisted submission, forced or voluntary.
func (a *AuditLogger) LogSubmission(ctx context.Context, sessionID, attemptID string, userID int64, status string, score int) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventSubmission,
		Action:    "submission_recorded",
		Result:    "success",
		SessionID: sessionID,
		AttemptID: attemptID,
		UserID:    userID,
		Details: map[string]any{
			"status": status,
			"score":  score,
		},
	})
}

// LogAuthFailure logs a rejected credential.
func (a *AuditLogger) LogAuthFailure(ctx context.Context, sourceIP, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventAuthentication,
		Action:    "credential_rejected",
		Result:    "denied",
		SourceIP:  sourceIP,
		Details:   map[string]any{"reason": reason},
	})
}

// LogRateLimited logs a report rejected by the per-session rate limit.
func (a *AuditLogger) LogRateLimited(ctx context.Context, sessionID string, userID int64, sourceIP string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventRateLimit,
		Action:    "report_rate_limited",
		Result:    "denied",
		SessionID: sessionID,
		UserID:    userID,
		SourceIP:  sourceIP,
	})
}

// LogConfigChange logs a configuration change.
func (a *AuditLogger) LogConfigChange(ctx context.Context, setting, oldValue, newValue string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventConfigChange,
		Action:    "config_changed",
		Result:    "success",
		Details: map[string]any{
			"setting":   setting,
			"old_value": oldValue,
			"new_value": newValue,
		},
	})
}

// LogError logs an operation failure.
func (a *AuditLogger) LogError(ctx context.Context, operation string, err error, details map[string]any) error {
	if details == nil {
		details = make(map[string]any)
	}
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventError,
		Action:    operation,
		Result:    "failure",
		Error:     err.Error(),
		Details:   details,
	})
}

// LogStartup logs a daemon startup event.
func (a *AuditLogger) LogStartup(ctx context.Context, version string, details map[string]any) error {
	if details == nil {
		details = make(map[string]any)
	}
	details["version"] = version
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventStartup,
		Action:    "daemon_started",
		Result:    "success",
		Details:   details,
	})
}

// LogShutdown logs a daemon shutdown event.
func (a *AuditLogger) LogShutdown(ctx context.Context, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventShutdown,
		Action:    "daemon_stopped",
		Result:    "success",
		Details:   map[string]any{"reason": reason},
	})
}

// Close closes the audit trail file.
func (a *AuditLogger) Close() error {
	return a.rotator.Close()
}

// Sync flushes buffered audit events to disk.
func (a *AuditLogger) Sync() error {
	return a.rotator.Sync()
}
