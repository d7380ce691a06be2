package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite implements Store on a local database file. It is the default
// driver. The DSN opens the file in WAL mode with immediate write
// transactions, so concurrent RecordViolation calls for the same pair
// serialize at the database and the counts they observe are strict.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens or creates the database at the given path and brings
// its schema up to date.
func OpenSQLite(path string) (*SQLite, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	if err := ValidateSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("validate schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping verifies the database file is reachable and writable.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateSession inserts a fresh attempt row, closing any open attempt for
// the same pair first so the single-open-attempt invariant holds.
func (s *SQLite) CreateSession(ctx context.Context, es *ExamSession) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE exam_sessions SET ended_at = ?, ended_reason = ?
		WHERE session_id = ? AND user_id = ? AND ended_at IS NULL`,
		es.StartedAt.UnixNano(), ReasonSuperseded, es.SessionID, es.UserID,
	)
	if err != nil {
		return fmt.Errorf("supersede open attempt: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO exam_sessions (attempt_id, session_id, user_id, started_at)
		VALUES (?, ?, ?, ?)`,
		es.AttemptID, es.SessionID, es.UserID, es.StartedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// Session retrieves an attempt by id.
func (s *SQLite) Session(ctx context.Context, attemptID string) (*ExamSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT attempt_id, session_id, user_id, started_at, ended_at, ended_reason
		FROM exam_sessions WHERE attempt_id = ?`, attemptID,
	)

	es, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	return es, nil
}

// OpenSession retrieves the open attempt for the pair.
func (s *SQLite) OpenSession(ctx context.Context, sessionID string, userID int64) (*ExamSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT attempt_id, session_id, user_id, started_at, ended_at, ended_reason
		FROM exam_sessions
		WHERE session_id = ? AND user_id = ? AND ended_at IS NULL`,
		sessionID, userID,
	)

	es, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get open session: %w", err)
	}

	return es, nil
}

// Sessions lists attempts newest first with their violation counts.
func (s *SQLite) Sessions(ctx context.Context, activeOnly bool, limit int) ([]*ExamSession, error) {
	if limit <= 0 {
		limit = 200
	}

	query := `
		SELECT s.attempt_id, s.session_id, s.user_id, s.started_at, s.ended_at, s.ended_reason,
		       COUNT(v.id)
		FROM exam_sessions s
		LEFT JOIN violation_events v ON v.attempt_id = s.attempt_id`
	if activeOnly {
		query += `
		WHERE s.ended_at IS NULL`
	}
	query += `
		GROUP BY s.attempt_id
		ORDER BY s.started_at DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*ExamSession
	for rows.Next() {
		var (
			es          ExamSession
			startedNs   int64
			endedNs     sql.NullInt64
			endedReason sql.NullString
		)
		if err := rows.Scan(&es.AttemptID, &es.SessionID, &es.UserID, &startedNs, &endedNs, &endedReason, &es.ViolationCount); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		fillSessionTimes(&es, startedNs, endedNs, endedReason)
		sessions = append(sessions, &es)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	return sessions, nil
}

// EndSession closes the attempt unless it already ended.
func (s *SQLite) EndSession(ctx context.Context, attemptID, reason string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE exam_sessions SET ended_at = ?, ended_reason = ?
		WHERE attempt_id = ? AND ended_at IS NULL`,
		at.UnixNano(), reason, attemptID,
	)
	if err != nil {
		return false, fmt.Errorf("end session: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	// Already ended, or no such attempt at all.
	var exists int
	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM exam_sessions WHERE attempt_id = ?", attemptID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check session: %w", err)
	}
	if exists == 0 {
		return false, ErrSessionNotFound
	}

	return false, nil
}

// RecordViolation inserts the event, counts, and closes the attempt when
// the count reaches rec.EndCount, in one immediate transaction.
func (s *SQLite) RecordViolation(ctx context.Context, rec *ViolationRecord) (*RecordResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Bind the report to the open attempt, or the latest one when every
	// attempt has ended.
	var (
		attemptID string
		startedNs int64
		endedNs   sql.NullInt64
	)
	err = tx.QueryRowContext(ctx, `
		SELECT attempt_id, started_at, ended_at
		FROM exam_sessions
		WHERE session_id = ? AND user_id = ?
		ORDER BY ended_at IS NOT NULL, started_at DESC
		LIMIT 1`,
		rec.SessionID, rec.UserID,
	).Scan(&attemptID, &startedNs, &endedNs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find attempt: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO violation_events (attempt_id, session_id, user_id, event_type, details, event_time)
		VALUES (?, ?, ?, ?, ?, ?)`,
		attemptID, rec.SessionID, rec.UserID, rec.EventType, rec.Details, rec.EventTime.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert violation: %w", err)
	}

	eventID, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}

	// Count within the bound attempt's window. Events from earlier
	// attempts fall before started_at and never count here.
	var count int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM violation_events
		WHERE session_id = ? AND user_id = ? AND event_time >= ?`,
		rec.SessionID, rec.UserID, startedNs,
	).Scan(&count)
	if err != nil {
		return nil, fmt.Errorf("count violations: %w", err)
	}

	out := &RecordResult{
		EventID:      eventID,
		AttemptID:    attemptID,
		Count:        count,
		AlreadyEnded: endedNs.Valid,
	}

	if !endedNs.Valid && rec.EndCount > 0 && count >= rec.EndCount {
		result, err := tx.ExecContext(ctx, `
			UPDATE exam_sessions SET ended_at = ?, ended_reason = ?
			WHERE attempt_id = ? AND ended_at IS NULL`,
			rec.EventTime.UnixNano(), rec.EndedReason, attemptID,
		)
		if err != nil {
			return nil, fmt.Errorf("close attempt: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("get rows affected: %w", err)
		}
		out.Closed = n == 1
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return out, nil
}

// Violations lists events bound to the attempt, oldest first.
func (s *SQLite) Violations(ctx context.Context, attemptID string, limit int) ([]*ViolationEvent, error) {
	if limit <= 0 {
		limit = 500
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, attempt_id, session_id, user_id, event_type, details, event_time
		FROM violation_events
		WHERE attempt_id = ?
		ORDER BY event_time ASC, id ASC
		LIMIT ?`, attemptID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query violations: %w", err)
	}
	defer rows.Close()

	var events []*ViolationEvent
	for rows.Next() {
		var (
			v       ViolationEvent
			details sql.NullString
			timeNs  int64
		)
		if err := rows.Scan(&v.ID, &v.AttemptID, &v.SessionID, &v.UserID, &v.EventType, &details, &timeNs); err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}
		if details.Valid {
			v.Details = &details.String
		}
		v.EventTime = time.Unix(0, timeNs).UTC()
		events = append(events, &v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate violations: %w", err)
	}

	return events, nil
}

// RecordSubmission stores the submission and closes the attempt with
// closeReason if it is still open, in one transaction.
func (s *SQLite) RecordSubmission(ctx context.Context, sub *Submission, closeReason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		attemptID string
		endedNs   sql.NullInt64
	)
	err = tx.QueryRowContext(ctx, `
		SELECT attempt_id, ended_at
		FROM exam_sessions
		WHERE session_id = ? AND user_id = ?
		ORDER BY ended_at IS NOT NULL, started_at DESC
		LIMIT 1`,
		sub.SessionID, sub.UserID,
	).Scan(&attemptID, &endedNs)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("find attempt: %w", err)
	}
	sub.AttemptID = attemptID

	_, err = tx.ExecContext(ctx, `
		INSERT INTO submissions (submission_id, attempt_id, session_id, user_id, score, total_questions, time_taken_sec, status, results, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.SubmissionID, sub.AttemptID, sub.SessionID, sub.UserID,
		sub.Score, sub.TotalQuestions, sub.TimeTakenSec, sub.Status, sub.Results,
		sub.SubmittedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}

	if !endedNs.Valid {
		_, err = tx.ExecContext(ctx, `
			UPDATE exam_sessions SET ended_at = ?, ended_reason = ?
			WHERE attempt_id = ? AND ended_at IS NULL`,
			sub.SubmittedAt.UnixNano(), closeReason, attemptID,
		)
		if err != nil {
			return fmt.Errorf("close attempt: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// Stats returns row counts for status and metrics surfaces.
func (s *SQLite) Stats(ctx context.Context) (*Stats, error) {
	var st Stats

	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM exam_sessions),
			(SELECT COUNT(*) FROM exam_sessions WHERE ended_at IS NULL),
			(SELECT COUNT(*) FROM violation_events),
			(SELECT COUNT(*) FROM submissions)`,
	).Scan(&st.Sessions, &st.OpenSessions, &st.Violations, &st.Submissions)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}

	return &st, nil
}

// scanSession scans a single session row.
func scanSession(row *sql.Row) (*ExamSession, error) {
	var (
		es          ExamSession
		startedNs   int64
		endedNs     sql.NullInt64
		endedReason sql.NullString
	)
	if err := row.Scan(&es.AttemptID, &es.SessionID, &es.UserID, &startedNs, &endedNs, &endedReason); err != nil {
		return nil, err
	}
	fillSessionTimes(&es, startedNs, endedNs, endedReason)
	return &es, nil
}

// fillSessionTimes converts stored nanosecond timestamps to time values.
func fillSessionTimes(es *ExamSession, startedNs int64, endedNs sql.NullInt64, endedReason sql.NullString) {
	es.StartedAt = time.Unix(0, startedNs).UTC()
	if endedNs.Valid {
		t := time.Unix(0, endedNs.Int64).UTC()
		es.EndedAt = &t
	}
	if endedReason.Valid {
		es.EndedReason = endedReason.String
	}
}
