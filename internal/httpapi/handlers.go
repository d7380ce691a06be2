package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"proctord/internal/ledger"
	"proctord/internal/logging"
	"proctord/internal/protocol"
	"proctord/internal/store"
)

// handleReport is the report call: one violation in, one escalation
// decision out.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	id, ok := identityFrom(r.Context())
	if !ok {
		s.writeFail(w, http.StatusUnauthorized, msgMissingToken)
		return
	}

	var req protocol.ReportRequest
	if !s.decodeBody(w, r, reportSchema, &req) {
		return
	}

	decision, err := s.ledger.RecordViolation(r.Context(), id, req.EventType, req.Details)
	if err != nil {
		s.failFromError(w, r, err)
		return
	}

	s.writeData(w, &protocol.ReportResult{
		Violations: decision.Violations,
		Action:     decision.Action,
		Message:    decision.Message,
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id, ok := identityFrom(r.Context())
	if !ok {
		s.writeFail(w, http.StatusUnauthorized, msgMissingToken)
		return
	}

	var req protocol.SubmitRequest
	if !s.decodeBody(w, r, submissionSchema, &req) {
		return
	}

	sub, err := s.ledger.Submit(r.Context(), id, &req)
	if err != nil {
		s.failFromError(w, r, err)
		return
	}

	s.writeData(w, &protocol.SubmitResult{
		SubmissionID: sub.SubmissionID,
		Status:       sub.Status,
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateSessionRequest
	if !s.decodeBody(w, r, createSessionSchema, &req) {
		return
	}

	started, err := s.ledger.CreateSession(r.Context(), req.SessionID, req.UserID)
	if err != nil {
		s.failFromError(w, r, err)
		return
	}

	s.writeData(w, &protocol.CreateSessionResult{
		AttemptID: started.Session.AttemptID,
		SessionID: started.Session.SessionID,
		UserID:    started.Session.UserID,
		StartedAt: started.Session.StartedAt,
		Token:     started.Token,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true" || r.URL.Query().Get("active") == "1"

	sessions, err := s.ledger.Sessions(r.Context(), activeOnly, queryLimit(r))
	if err != nil {
		s.failFromError(w, r, err)
		return
	}

	out := protocol.SessionListResult{Sessions: make([]protocol.SessionInfo, 0, len(sessions))}
	for _, es := range sessions {
		out.Sessions = append(out.Sessions, sessionInfo(es))
	}
	s.writeData(w, &out)
}

func (s *Server) handleSessionViolations(w http.ResponseWriter, r *http.Request) {
	attemptID := r.PathValue("id")

	es, events, err := s.ledger.Violations(r.Context(), attemptID, queryLimit(r))
	if err != nil {
		if errors.Is(err, ledger.ErrNoActiveSession) {
			s.writeFail(w, http.StatusOK, msgSessionNotFound)
			return
		}
		s.failFromError(w, r, err)
		return
	}

	out := protocol.ViolationListResult{
		SessionID:  es.SessionID,
		Violations: make([]protocol.ViolationInfo, 0, len(events)),
	}
	for _, v := range events {
		out.Violations = append(out.Violations, protocol.ViolationInfo{
			ID:        v.ID,
			SessionID: v.SessionID,
			UserID:    v.UserID,
			EventType: v.EventType,
			Details:   v.Details,
			EventTime: v.EventTime,
		})
	}
	s.writeData(w, &out)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	attemptID := r.PathValue("id")

	es, closed, err := s.ledger.EndSession(r.Context(), attemptID, store.ReasonEndedByAdmin)
	if err != nil {
		if errors.Is(err, ledger.ErrNoActiveSession) {
			s.writeFail(w, http.StatusOK, msgSessionNotFound)
			return
		}
		s.failFromError(w, r, err)
		return
	}

	s.writeData(w, &protocol.EndSessionResult{
		SessionID: es.SessionID,
		EndedAt:   es.EndedAt,
		Ended:     closed,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.ledger.Stats(r.Context())
	if err != nil {
		s.failFromError(w, r, err)
		return
	}

	if s.metrics != nil {
		s.metrics.SetOpenSessions(stats.OpenSessions)
		s.metrics.UpdateUptime()
	}

	s.writeData(w, &protocol.StatusResult{
		Version:       s.cfg.Version,
		StartedAt:     s.startedAt.UTC(),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Driver:        s.cfg.Driver,
		OpenSessions:  int(stats.OpenSessions),
		TotalSessions: stats.Sessions,
		TotalEvents:   stats.Violations,
	})
}

// failFromError maps ledger errors onto the wire taxonomy: precondition
// failures get their distinct message, anything else is logged in full
// and answered with the generic internal error line.
func (s *Server) failFromError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrNoActiveSession):
		s.writeFail(w, http.StatusOK, msgNoActiveSession)
	case errors.Is(err, ledger.ErrEventTypeRequired):
		s.writeFail(w, http.StatusOK, "event_type is required")
	case errors.Is(err, ledger.ErrSessionIDRequired):
		s.writeFail(w, http.StatusOK, "session_id is required")
	case errors.Is(err, ledger.ErrInvalidUserID):
		s.writeFail(w, http.StatusOK, "user_id must be positive")
	case errors.Is(err, ledger.ErrStatusRequired):
		s.writeFail(w, http.StatusOK, "submission status is required")
	default:
		s.logger.Error("request failed",
			"request_id", logging.RequestIDFromContext(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		if s.metrics != nil {
			s.metrics.RecordError()
		}
		s.writeFail(w, http.StatusOK, msgInternalError)
	}
}

func (s *Server) writeData(w http.ResponseWriter, v any) {
	env, err := protocol.OK(v)
	if err != nil {
		s.logger.Error("encode response", "error", err)
		s.writeEnvelope(w, http.StatusOK, protocol.Fail(msgInternalError))
		return
	}
	s.writeEnvelope(w, http.StatusOK, env)
}

func (s *Server) writeFail(w http.ResponseWriter, status int, msg string) {
	s.writeEnvelope(w, status, protocol.Fail(msg))
}

func (s *Server) writeEnvelope(w http.ResponseWriter, status int, env *protocol.Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		s.logger.Error("write response", "error", err)
	}
}

func sessionInfo(es *store.ExamSession) protocol.SessionInfo {
	info := protocol.SessionInfo{
		AttemptID:  es.AttemptID,
		SessionID:  es.SessionID,
		UserID:     es.UserID,
		StartedAt:  es.StartedAt,
		EndedAt:    es.EndedAt,
		Violations: es.ViolationCount,
	}
	if es.EndedReason != "" {
		reason := es.EndedReason
		info.EndedReason = &reason
	}
	return info
}

func queryLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
