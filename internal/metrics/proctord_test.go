package metrics

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestProctordMetricsCounters(t *testing.T) {
	reg := NewRegistry("proctord", "")
	m := NewProctordMetrics(reg)

	m.RecordViolation(5 * time.Millisecond)
	m.RecordViolation(7 * time.Millisecond)
	m.RecordWarning()
	m.RecordTermination()

	if got := m.ViolationsTotal.Value(); got != 2 {
		t.Errorf("expected 2 violations, got %d", got)
	}
	if got := m.WarningsTotal.Value(); got != 1 {
		t.Errorf("expected 1 warning, got %d", got)
	}
	if got := m.TerminationsTotal.Value(); got != 1 {
		t.Errorf("expected 1 termination, got %d", got)
	}
}

func TestProctordMetricsSessionGauge(t *testing.T) {
	reg := NewRegistry("proctord", "")
	m := NewProctordMetrics(reg)

	m.SessionStarted()
	m.SessionStarted()
	m.SessionStarted()
	if got := m.OpenSessions.Value(); got != 3 {
		t.Errorf("expected 3 open sessions, got %d", got)
	}

	m.SessionEnded()
	m.RecordTermination()
	if got := m.OpenSessions.Value(); got != 1 {
		t.Errorf("expected 1 open session after end and termination, got %d", got)
	}

	m.SetOpenSessions(7)
	if got := m.OpenSessions.Value(); got != 7 {
		t.Errorf("expected gauge override to 7, got %d", got)
	}
}

func TestProctordMetricsPublish(t *testing.T) {
	reg := NewRegistry("proctord", "")
	m := NewProctordMetrics(reg)

	m.RecordPublish(time.Millisecond, true)
	m.RecordPublish(time.Millisecond, false)

	if got := m.PublishesTotal.Value(); got != 2 {
		t.Errorf("expected 2 publishes, got %d", got)
	}
	if got := m.PublishErrors.Value(); got != 1 {
		t.Errorf("expected 1 publish error, got %d", got)
	}
}

func TestProctordMetricsSnapshot(t *testing.T) {
	reg := NewRegistry("proctord", "")
	m := NewProctordMetrics(reg)

	m.RecordViolation(time.Millisecond)
	m.SessionStarted()
	m.RecordSubmission()

	snap := m.Snapshot()
	if snap["violations_total"] != uint64(1) {
		t.Errorf("snapshot violations_total = %v", snap["violations_total"])
	}
	if snap["sessions_total"] != uint64(1) {
		t.Errorf("snapshot sessions_total = %v", snap["sessions_total"])
	}
	if snap["submissions_total"] != uint64(1) {
		t.Errorf("snapshot submissions_total = %v", snap["submissions_total"])
	}
	if _, ok := snap["uptime_seconds"]; !ok {
		t.Error("snapshot missing uptime_seconds")
	}
}

func TestProctordMetricsPrometheusExposition(t *testing.T) {
	reg := NewRegistry("proctord", "")
	m := NewProctordMetrics(reg)

	m.RecordViolation(time.Millisecond)
	m.RecordWarning()
	m.SessionStarted()

	var buf bytes.Buffer
	if err := reg.WritePrometheus(&buf); err != nil {
		t.Fatalf("WritePrometheus failed: %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"proctord_violations_total 1",
		"proctord_warnings_total 1",
		"proctord_open_sessions 1",
		"proctord_decision_duration_seconds",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("prometheus output missing %q\n%s", want, out)
		}
	}
}
