// Package reporter implements the client side of the escalation protocol:
// the authoritative-vs-fallback decision for every detected signal.
//
// Each report is one round trip. When the server answers, its count and
// action overwrite whatever this agent tracked locally; the local count is
// never incremented independently while the server is reachable. When the
// server cannot answer (network failure, non-200 status, success:false),
// the reporter falls back to counting locally so an outage cannot be used
// to ride out violations unpunished. The fallback under-counts whenever
// other signals were lost to the same outage; that degradation is
// accepted.
//
// Once the exam is terminated no further report is issued, and a response
// landing for a report that was in flight at termination time is
// discarded.
package reporter

import (
	"context"
	"errors"
	"log/slog"

	"proctord/internal/metrics"
	"proctord/internal/protocol"
)

// Enforcer is the action surface the reporter dispatches decisions to.
// Implementations must tolerate repeated calls; the reporter additionally
// guards so that ShowWarning and Terminate are each dispatched at most
// once per session.
type Enforcer interface {
	ShowWarning(message string)
	Terminate(message string)
}

// Deps carries the reporter's collaborators. Client and Enforcer are
// required. A nil State or Debug gets a fresh one, so a standalone
// reporter works out of the box; the agent shares both with the detector
// and enforcement.
type Deps struct {
	Client   *Client
	Enforcer Enforcer
	State    *EscalationState
	Debug    *DebugLog
	Logger   *slog.Logger
	Metrics  *metrics.ProctordMetrics
}

// Reporter serializes detected signals into report calls and turns the
// answers into enforcement dispatches. Safe for concurrent use: monitor
// goroutines call Report directly and block only themselves.
type Reporter struct {
	client   *Client
	enforcer Enforcer
	state    *EscalationState
	debug    *DebugLog
	logger   *slog.Logger
	metrics  *metrics.ProctordMetrics
}

// New assembles a reporter.
func New(deps Deps) (*Reporter, error) {
	if deps.Client == nil {
		return nil, errors.New("reporter: client is required")
	}
	if deps.Enforcer == nil {
		return nil, errors.New("reporter: enforcer is required")
	}

	state := deps.State
	if state == nil {
		state = NewEscalationState()
	}
	debug := deps.Debug
	if debug == nil {
		debug = NewDebugLog(0)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Reporter{
		client:   deps.Client,
		enforcer: deps.Enforcer,
		state:    state,
		debug:    debug,
		logger:   logger.With("component", "reporter"),
		metrics:  deps.Metrics,
	}, nil
}

// State returns the escalation state shared with the detector and
// enforcement.
func (r *Reporter) State() *EscalationState {
	return r.state
}

// Debug returns the local signal trail.
func (r *Reporter) Debug() *DebugLog {
	return r.debug
}

// Report handles one detected signal: log it locally, send it, apply the
// answer. A no-op once the exam is terminated.
func (r *Reporter) Report(ctx context.Context, kind protocol.EventKind, description string) {
	if r.state.Terminated() {
		return
	}

	r.debug.Append(string(kind), description)

	var details *string
	if description != "" {
		details = &description
	}

	res, err := r.client.Report(ctx, string(kind), details)

	// The flag may have flipped while this report was in flight; a late
	// answer must not cause any further effect.
	if r.state.Terminated() {
		r.logger.Debug("discarding answer after termination", "event_type", kind)
		return
	}

	if err != nil {
		r.fallback(kind, err)
		return
	}

	r.state.Adopt(res.Violations)
	r.logger.Info("report answered",
		"event_type", kind,
		"violations", res.Violations,
		"action", res.Action,
	)
	r.dispatch(res.Action, res.Message)
}

// fallback counts locally when the server could not answer. The count
// advances by one from its last known value and the action derives from
// the same thresholds the server applies.
func (r *Reporter) fallback(kind protocol.EventKind, cause error) {
	count := r.state.Increment()
	action := fallbackAction(count)

	r.logger.Warn("report failed, counting locally",
		"event_type", kind,
		"violations", count,
		"action", action,
		"error", cause,
	)
	if r.metrics != nil {
		r.metrics.RecordReportFailure()
	}

	r.dispatch(action, protocol.DecisionMessage(action))
}

func fallbackAction(count int) protocol.Action {
	switch {
	case count >= 3:
		return protocol.ActionEnd
	case count == 2:
		return protocol.ActionWarn
	default:
		return protocol.ActionOK
	}
}

// dispatch applies a decision. The warning goes out once per session; the
// first termination wins and everything after is a no-op.
func (r *Reporter) dispatch(action protocol.Action, message string) {
	switch action {
	case protocol.ActionWarn:
		if r.state.MarkWarningShown() {
			r.enforcer.ShowWarning(message)
		}
	case protocol.ActionEnd:
		if r.state.MarkTerminated() {
			r.enforcer.Terminate(message)
		}
	}
}
