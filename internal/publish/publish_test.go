package publish

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	payload := &ViolationRecorded{
		AttemptID:  "attempt-1",
		SessionID:  "exam-42",
		UserID:     7,
		EventType:  "blur",
		Violations: 2,
		Action:     "warn",
		EventTime:  time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}

	env, err := NewEnvelope(EventViolationRecorded, "proctord-test", payload)
	require.NoError(t, err)

	assert.Equal(t, SpecVersion, env.SpecVersion)
	assert.Equal(t, Domain, env.Domain)
	assert.Equal(t, EventViolationRecorded, env.EventType)
	assert.Equal(t, "proctord-test", env.Source)
	assert.False(t, env.Timestamp.IsZero())
	require.NoError(t, env.Validate())

	var got ViolationRecorded
	require.NoError(t, env.PayloadInto(&got))
	assert.Equal(t, *payload, got)
}

func TestParseEnvelopeRoundtrip(t *testing.T) {
	env, err := NewEnvelope(EventSessionTerminated, "proctord", &SessionTerminated{
		AttemptID: "attempt-9",
		SessionID: "exam-9",
		UserID:    3,
		Reason:    "terminated",
		EndedAt:   time.Now().UTC(),
	})
	require.NoError(t, err)

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	parsed, err := ParseEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, env.EventType, parsed.EventType)
	assert.Equal(t, env.Domain, parsed.Domain)

	var got SessionTerminated
	require.NoError(t, parsed.PayloadInto(&got))
	assert.Equal(t, "attempt-9", got.AttemptID)
}

func TestParseEnvelopeRejectsIncomplete(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{{`},
		{"missing spec_version", `{"domain":"proctoring","event_type":"x","payload":{"a":1}}`},
		{"missing domain", `{"spec_version":"1.0","event_type":"x","payload":{"a":1}}`},
		{"missing event_type", `{"spec_version":"1.0","domain":"proctoring","payload":{"a":1}}`},
		{"missing payload", `{"spec_version":"1.0","domain":"proctoring","event_type":"x"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEnvelope([]byte(tt.raw))
			assert.Error(t, err)
		})
	}
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = Nop{}

	err := p.Publish(context.Background(), EventViolationRecorded, "exam-1", &ViolationRecorded{})
	assert.NoError(t, err)
	assert.NoError(t, p.Close())
}

func TestNewKafkaValidatesConfig(t *testing.T) {
	_, err := NewKafka(KafkaConfig{Topic: "proctor.violations"}, nil, nil)
	assert.Error(t, err, "no brokers must be rejected")

	_, err = NewKafka(KafkaConfig{Brokers: []string{"localhost:9092"}}, nil, nil)
	assert.Error(t, err, "no topic must be rejected")
}
