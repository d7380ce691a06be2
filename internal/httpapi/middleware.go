package httpapi

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"proctord/internal/logging"
	"proctord/internal/security"
)

type contextKey int

const identityKey contextKey = iota

// identityFrom returns the authenticated identity stored by withSession.
func identityFrom(ctx context.Context) (security.Identity, bool) {
	id, ok := ctx.Value(identityKey).(security.Identity)
	return id, ok
}

// withSession authenticates the per-attempt bearer token and applies the
// per-attempt rate limit. Both failures are transport-level for the
// client: 401 and 429 trigger its fallback counting path.
func (s *Server) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.rejectAuth(w, r, "missing bearer token")
			return
		}

		id, err := s.tokens.Verify(token)
		if err != nil {
			s.rejectAuth(w, r, err.Error())
			return
		}

		if !s.limiter.Allow(id.AttemptID) {
			s.logger.Warn("report rate limited",
				"session_id", id.SessionID,
				"user_id", id.UserID,
			)
			if s.audit != nil {
				s.audit.LogRateLimited(r.Context(), id.SessionID, id.UserID, remoteIP(r))
			}
			if s.metrics != nil {
				s.metrics.RecordRejected()
			}
			s.writeFail(w, http.StatusTooManyRequests, msgRateLimited)
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, *id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) rejectAuth(w http.ResponseWriter, r *http.Request, reason string) {
	s.logger.Warn("rejected report credentials", "reason", reason, "remote", remoteIP(r))
	if s.audit != nil {
		s.audit.LogAuthFailure(r.Context(), remoteIP(r), reason)
	}
	if s.metrics != nil {
		s.metrics.RecordRejected()
	}
	s.writeFail(w, http.StatusUnauthorized, msgMissingToken)
}

// withAdmin guards the session management surface with the static admin
// token. An empty configured token disables the surface entirely.
func (s *Server) withAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken == "" {
			s.writeFail(w, http.StatusForbidden, msgAdminDisabled)
			return
		}

		token, ok := bearerToken(r)
		if !ok || !security.SecureCompare([]byte(token), []byte(s.cfg.AdminToken)) {
			s.logger.Warn("rejected admin credentials", "remote", remoteIP(r))
			if s.audit != nil {
				s.audit.LogAuthFailure(r.Context(), remoteIP(r), "bad admin token")
			}
			s.writeFail(w, http.StatusUnauthorized, msgBadAdminToken)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// withCommon applies the cross-cutting request plumbing: request id,
// body size cap, panic recovery, request log, duration metric.
func (s *Server) withCommon(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.NewString()
		ctx := logging.ContextWithRequestID(r.Context(), requestID)

		if s.cfg.MaxBodyBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			if v := recover(); v != nil {
				s.logger.Error("handler panic",
					"request_id", requestID,
					"method", r.Method,
					"path", r.URL.Path,
					"panic", v,
				)
				if s.metrics != nil {
					s.metrics.RecordError()
				}
				s.writeFail(rec, http.StatusInternalServerError, msgInternalError)
			}

			if s.metrics != nil {
				s.metrics.RecordRequest(time.Since(start))
			}
			s.logger.Debug("http request",
				"request_id", requestID,
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		}()

		next.ServeHTTP(rec, r.WithContext(ctx))
	})
}

// statusRecorder captures the response status for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
