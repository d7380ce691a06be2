package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgSchema is applied on open. Statements are idempotent, so repeated
// opens against the same database are safe.
const pgSchema = `
CREATE TABLE IF NOT EXISTS exam_sessions (
    attempt_id      TEXT PRIMARY KEY,
    session_id      TEXT NOT NULL,
    user_id         BIGINT NOT NULL,
    started_at      TIMESTAMPTZ NOT NULL,
    ended_at        TIMESTAMPTZ,
    ended_reason    TEXT
);

CREATE INDEX IF NOT EXISTS idx_sessions_pair ON exam_sessions(session_id, user_id, started_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_open ON exam_sessions(session_id, user_id) WHERE ended_at IS NULL;

CREATE TABLE IF NOT EXISTS violation_events (
    id              BIGSERIAL PRIMARY KEY,
    attempt_id      TEXT NOT NULL REFERENCES exam_sessions(attempt_id),
    session_id      TEXT NOT NULL,
    user_id         BIGINT NOT NULL,
    event_type      TEXT NOT NULL,
    details         TEXT,
    event_time      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_violations_pair ON violation_events(session_id, user_id, event_time);
CREATE INDEX IF NOT EXISTS idx_violations_attempt ON violation_events(attempt_id);

CREATE TABLE IF NOT EXISTS submissions (
    submission_id   TEXT PRIMARY KEY,
    attempt_id      TEXT NOT NULL REFERENCES exam_sessions(attempt_id),
    session_id      TEXT NOT NULL,
    user_id         BIGINT NOT NULL,
    score           INTEGER NOT NULL,
    total_questions INTEGER NOT NULL,
    time_taken_sec  BIGINT NOT NULL,
    status          TEXT NOT NULL,
    results         TEXT NOT NULL,
    submitted_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_submissions_attempt ON submissions(attempt_id);
CREATE INDEX IF NOT EXISTS idx_submissions_pair ON submissions(session_id, user_id);
`

// Postgres implements Store on a PostgreSQL pool. Concurrent reports for
// the same pair serialize on a row lock (SELECT ... FOR UPDATE) taken on
// the attempt row inside the record transaction.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// OpenPostgres connects to the database at url and applies the schema.
func OpenPostgres(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// Ping verifies the database is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// CreateSession inserts a fresh attempt row, closing any open attempt for
// the same pair first so the single-open-attempt invariant holds.
func (p *Postgres) CreateSession(ctx context.Context, es *ExamSession) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE exam_sessions SET ended_at = $1, ended_reason = $2
		WHERE session_id = $3 AND user_id = $4 AND ended_at IS NULL`,
		es.StartedAt, ReasonSuperseded, es.SessionID, es.UserID,
	)
	if err != nil {
		return fmt.Errorf("supersede open attempt: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO exam_sessions (attempt_id, session_id, user_id, started_at)
		VALUES ($1, $2, $3, $4)`,
		es.AttemptID, es.SessionID, es.UserID, es.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// Session retrieves an attempt by id.
func (p *Postgres) Session(ctx context.Context, attemptID string) (*ExamSession, error) {
	es, err := scanPgSession(p.pool.QueryRow(ctx, `
		SELECT attempt_id, session_id, user_id, started_at, ended_at, ended_reason
		FROM exam_sessions WHERE attempt_id = $1`, attemptID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	return es, nil
}

// OpenSession retrieves the open attempt for the pair.
func (p *Postgres) OpenSession(ctx context.Context, sessionID string, userID int64) (*ExamSession, error) {
	es, err := scanPgSession(p.pool.QueryRow(ctx, `
		SELECT attempt_id, session_id, user_id, started_at, ended_at, ended_reason
		FROM exam_sessions
		WHERE session_id = $1 AND user_id = $2 AND ended_at IS NULL`,
		sessionID, userID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get open session: %w", err)
	}

	return es, nil
}

// Sessions lists attempts newest first with their violation counts.
func (p *Postgres) Sessions(ctx context.Context, activeOnly bool, limit int) ([]*ExamSession, error) {
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
		LIMIT $1`

	rows, err := p.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*ExamSession
	for rows.Next() {
		var (
			es          ExamSession
			endedReason *string
		)
		if err := rows.Scan(&es.AttemptID, &es.SessionID, &es.UserID, &es.StartedAt, &es.EndedAt, &endedReason, &es.ViolationCount); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if endedReason != nil {
			es.EndedReason = *endedReason
		}
		sessions = append(sessions, &es)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	return sessions, nil
}

// EndSession closes the attempt unless it already ended.
func (p *Postgres) EndSession(ctx context.Context, attemptID, reason string, at time.Time) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE exam_sessions SET ended_at = $1, ended_reason = $2
		WHERE attempt_id = $3 AND ended_at IS NULL`,
		at, reason, attemptID,
	)
	if err != nil {
		return false, fmt.Errorf("end session: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists int
	err = p.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM exam_sessions WHERE attempt_id = $1", attemptID,
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
// the count reaches rec.EndCount, in one transaction. The attempt row is
// locked for the duration so concurrent reports observe strict counts.
func (p *Postgres) RecordViolation(ctx context.Context, rec *ViolationRecord) (*RecordResult, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Bind the report to the open attempt, or the latest one when every
	// attempt has ended, and lock the row.
	var (
		attemptID string
		startedAt time.Time
		endedAt   *time.Time
	)
	err = tx.QueryRow(ctx, `
		SELECT attempt_id, started_at, ended_at
		FROM exam_sessions
		WHERE session_id = $1 AND user_id = $2
		ORDER BY (ended_at IS NOT NULL), started_at DESC
		LIMIT 1
		FOR UPDATE`,
		rec.SessionID, rec.UserID,
	).Scan(&attemptID, &startedAt, &endedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find attempt: %w", err)
	}

	var eventID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO violation_events (attempt_id, session_id, user_id, event_type, details, event_time)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		attemptID, rec.SessionID, rec.UserID, rec.EventType, rec.Details, rec.EventTime,
	).Scan(&eventID)
	if err != nil {
		return nil, fmt.Errorf("insert violation: %w", err)
	}

	var count int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM violation_events
		WHERE session_id = $1 AND user_id = $2 AND event_time >= $3`,
		rec.SessionID, rec.UserID, startedAt,
	).Scan(&count)
	if err != nil {
		return nil, fmt.Errorf("count violations: %w", err)
	}

	out := &RecordResult{
		EventID:      eventID,
		AttemptID:    attemptID,
		Count:        count,
		AlreadyEnded: endedAt != nil,
	}

	if endedAt == nil && rec.EndCount > 0 && count >= rec.EndCount {
		tag, err := tx.Exec(ctx, `
			UPDATE exam_sessions SET ended_at = $1, ended_reason = $2
			WHERE attempt_id = $3 AND ended_at IS NULL`,
			rec.EventTime, rec.EndedReason, attemptID,
		)
		if err != nil {
			return nil, fmt.Errorf("close attempt: %w", err)
		}
		out.Closed = tag.RowsAffected() == 1
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return out, nil
}

// Violations lists events bound to the attempt, oldest first.
func (p *Postgres) Violations(ctx context.Context, attemptID string, limit int) ([]*ViolationEvent, error) {
	if limit <= 0 {
		limit = 500
	}

	rows, err := p.pool.Query(ctx, `
		SELECT id, attempt_id, session_id, user_id, event_type, details, event_time
		FROM violation_events
		WHERE attempt_id = $1
		ORDER BY event_time ASC, id ASC
		LIMIT $2`, attemptID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query violations: %w", err)
	}
	defer rows.Close()

	var events []*ViolationEvent
	for rows.Next() {
		var v ViolationEvent
		if err := rows.Scan(&v.ID, &v.AttemptID, &v.SessionID, &v.UserID, &v.EventType, &v.Details, &v.EventTime); err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}
		events = append(events, &v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate violations: %w", err)
	}

	return events, nil
}

// RecordSubmission stores the submission and closes the attempt with
// closeReason if it is still open, in one transaction.
func (p *Postgres) RecordSubmission(ctx context.Context, sub *Submission, closeReason string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		attemptID string
		endedAt   *time.Time
	)
	err = tx.QueryRow(ctx, `
		SELECT attempt_id, ended_at
		FROM exam_sessions
		WHERE session_id = $1 AND user_id = $2
		ORDER BY (ended_at IS NOT NULL), started_at DESC
		LIMIT 1
		FOR UPDATE`,
		sub.SessionID, sub.UserID,
	).Scan(&attemptID, &endedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("find attempt: %w", err)
	}
	sub.AttemptID = attemptID

	_, err = tx.Exec(ctx, `
		INSERT INTO submissions (submission_id, attempt_id, session_id, user_id, score, total_questions, time_taken_sec, status, results, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sub.SubmissionID, sub.AttemptID, sub.SessionID, sub.UserID,
		sub.Score, sub.TotalQuestions, sub.TimeTakenSec, sub.Status, sub.Results,
		sub.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}

	if endedAt == nil {
		_, err = tx.Exec(ctx, `
			UPDATE exam_sessions SET ended_at = $1, ended_reason = $2
			WHERE attempt_id = $3 AND ended_at IS NULL`,
			sub.SubmittedAt, closeReason, attemptID,
		)
		if err != nil {
			return fmt.Errorf("close attempt: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// Stats returns row counts for status and metrics surfaces.
func (p *Postgres) Stats(ctx context.Context) (*Stats, error) {
	var st Stats

	err := p.pool.QueryRow(ctx, `
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

// scanPgSession scans a single session row.
func scanPgSession(row pgx.Row) (*ExamSession, error) {
	var (
		es          ExamSession
		endedReason *string
	)
	if err := row.Scan(&es.AttemptID, &es.SessionID, &es.UserID, &es.StartedAt, &es.EndedAt, &endedReason); err != nil {
		return nil, err
	}
	if endedReason != nil {
		es.EndedReason = *endedReason
	}
	return &es, nil
}
