package metrics

import (
	"time"
)

// ProctordMetrics holds all proctord-specific metrics.
type ProctordMetrics struct {
	registry *Registry

	// Counters
	ViolationsTotal   *Counter
	WarningsTotal     *Counter
	TerminationsTotal *Counter
	SessionsTotal     *Counter
	SubmissionsTotal  *Counter
	ReportsRejected   *Counter
	PublishesTotal    *Counter
	PublishErrors     *Counter
	ReportFailures    *Counter
	ErrorsTotal       *Counter

	// Gauges
	OpenSessions    *Gauge
	UptimeSeconds   *Gauge
	LastViolationTs *Gauge

	// Histograms
	RequestDuration  *Histogram
	DecisionDuration *Histogram
	PublishDuration  *Histogram
}

// startTime records when metrics were initialized.
var startTime = time.Now()

// NewProctordMetrics creates and registers all proctord metrics.
func NewProctordMetrics(registry *Registry) *ProctordMetrics {
	if registry == nil {
		registry = Default()
	}

	m := &ProctordMetrics{
		registry: registry,

		// Counters
		ViolationsTotal: registry.RegisterCounter(
			"violations_total",
			"Total number of violations recorded",
			nil,
		),
		WarningsTotal: registry.RegisterCounter(
			"warnings_total",
			"Total number of warning decisions issued",
			nil,
		),
		TerminationsTotal: registry.RegisterCounter(
			"terminations_total",
			"Total number of exam sessions terminated",
			nil,
		),
		SessionsTotal: registry.RegisterCounter(
			"sessions_total",
			"Total number of exam sessions created",
			nil,
		),
		SubmissionsTotal: registry.RegisterCounter(
			"submissions_total",
			"Total number of exam submissions recorded",
			nil,
		),
		ReportsRejected: registry.RegisterCounter(
			"reports_rejected_total",
			"Total number of violation reports rejected before recording",
			nil,
		),
		PublishesTotal: registry.RegisterCounter(
			"publishes_total",
			"Total number of violation events published to the stream",
			nil,
		),
		PublishErrors: registry.RegisterCounter(
			"publish_errors_total",
			"Total number of failed publish attempts",
			nil,
		),
		ReportFailures: registry.RegisterCounter(
			"report_failures_total",
			"Total number of reports that fell back to local counting",
			nil,
		),
		ErrorsTotal: registry.RegisterCounter(
			"errors_total",
			"Total number of errors",
			nil,
		),

		// Gauges
		OpenSessions: registry.RegisterGauge(
			"open_sessions",
			"Number of currently open exam sessions",
			nil,
		),
		UptimeSeconds: registry.RegisterGauge(
			"uptime_seconds",
			"Number of seconds the daemon has been running",
			nil,
		),
		LastViolationTs: registry.RegisterGauge(
			"last_violation_timestamp",
			"Unix timestamp of the most recent recorded violation",
			nil,
		),

		// Histograms
		RequestDuration: registry.RegisterHistogram(
			"request_duration_seconds",
			"Duration of HTTP API requests in seconds",
			nil,
			DurationBuckets,
		),
		DecisionDuration: registry.RegisterHistogram(
			"decision_duration_seconds",
			"Duration of record-and-decide transactions in seconds",
			nil,
			DurationBuckets,
		),
		PublishDuration: registry.RegisterHistogram(
			"publish_duration_seconds",
			"Duration of stream publish calls in seconds",
			nil,
			DurationBuckets,
		),
	}

	return m
}

// Registry returns the registry these metrics are registered in.
func (m *ProctordMetrics) Registry() *Registry {
	return m.registry
}

// RecordViolation records a violation decision.
func (m *ProctordMetrics) RecordViolation(duration time.Duration) {
	m.ViolationsTotal.Inc()
	m.DecisionDuration.ObserveDuration(duration)
	m.LastViolationTs.Set(time.Now().Unix())
}

// RecordWarning records a warning decision.
func (m *ProctordMetrics) RecordWarning() {
	m.WarningsTotal.Inc()
}

// RecordTermination records a termination decision.
func (m *ProctordMetrics) RecordTermination() {
	m.TerminationsTotal.Inc()
	m.OpenSessions.Dec()
}

// SessionStarted records an exam session creation.
func (m *ProctordMetrics) SessionStarted() {
	m.SessionsTotal.Inc()
	m.OpenSessions.Inc()
}

// SessionEnded records an exam session ending for any non-termination reason.
func (m *ProctordMetrics) SessionEnded() {
	m.OpenSessions.Dec()
}

// SetOpenSessions sets the open session gauge from a store count.
func (m *ProctordMetrics) SetOpenSessions(count int64) {
	m.OpenSessions.Set(count)
}

// RecordSubmission records an exam submission.
func (m *ProctordMetrics) RecordSubmission() {
	m.SubmissionsTotal.Inc()
}

// RecordRejected records a report rejected by auth, validation, or rate limiting.
func (m *ProctordMetrics) RecordRejected() {
	m.ReportsRejected.Inc()
}

// RecordPublish records a stream publish attempt.
func (m *ProctordMetrics) RecordPublish(duration time.Duration, success bool) {
	m.PublishesTotal.Inc()
	m.PublishDuration.ObserveDuration(duration)
	if !success {
		m.PublishErrors.Inc()
	}
}

// RecordReportFailure records a report that could not reach the server.
func (m *ProctordMetrics) RecordReportFailure() {
	m.ReportFailures.Inc()
}

// RecordRequest records an HTTP API request.
func (m *ProctordMetrics) RecordRequest(duration time.Duration) {
	m.RequestDuration.ObserveDuration(duration)
}

// StartRequestTimer returns a timer for HTTP API requests.
func (m *ProctordMetrics) StartRequestTimer() *HistogramTimer {
	return m.RequestDuration.Timer()
}

// StartDecisionTimer returns a timer for record-and-decide transactions.
func (m *ProctordMetrics) StartDecisionTimer() *HistogramTimer {
	return m.DecisionDuration.Timer()
}

// RecordError records an error.
func (m *ProctordMetrics) RecordError() {
	m.ErrorsTotal.Inc()
}

// UpdateUptime updates the uptime metric.
func (m *ProctordMetrics) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(startTime).Seconds()))
}

// Snapshot returns a snapshot of key metrics.
func (m *ProctordMetrics) Snapshot() map[string]interface{} {
	m.UpdateUptime()
	return map[string]interface{}{
		"violations_total":     m.ViolationsTotal.Value(),
		"warnings_total":       m.WarningsTotal.Value(),
		"terminations_total":   m.TerminationsTotal.Value(),
		"sessions_total":       m.SessionsTotal.Value(),
		"submissions_total":    m.SubmissionsTotal.Value(),
		"reports_rejected":     m.ReportsRejected.Value(),
		"publishes_total":      m.PublishesTotal.Value(),
		"publish_errors":       m.PublishErrors.Value(),
		"report_failures":      m.ReportFailures.Value(),
		"errors_total":         m.ErrorsTotal.Value(),
		"open_sessions":        m.OpenSessions.Value(),
		"uptime_seconds":       m.UptimeSeconds.Value(),
		"decision_avg_seconds": m.DecisionDuration.Mean(),
		"request_avg_seconds":  m.RequestDuration.Mean(),
	}
}

// Global proctord metrics instance.
var defaultProctordMetrics *ProctordMetrics

// GetMetrics returns the global proctord metrics instance.
func GetMetrics() *ProctordMetrics {
	if defaultProctordMetrics == nil {
		defaultProctordMetrics = NewProctordMetrics(Default())
	}
	return defaultProctordMetrics
}

// InitMetrics initializes the global proctord metrics with a custom registry.
func InitMetrics(registry *Registry) *ProctordMetrics {
	defaultProctordMetrics = NewProctordMetrics(registry)
	return defaultProctordMetrics
}
