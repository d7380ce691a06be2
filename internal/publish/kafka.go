package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"proctord/internal/metrics"
)

// KafkaConfig carries the broker settings for the Kafka publisher.
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	ClientID string

	// Source names this service instance in envelopes. Defaults to
	// "proctord".
	Source string
}

// Kafka publishes envelopes to a Kafka topic. Records are produced
// asynchronously; the delivery promise logs and counts the outcome.
type Kafka struct {
	client  *kgo.Client
	topic   string
	source  string
	logger  *slog.Logger
	metrics *metrics.ProctordMetrics
}

var _ Publisher = (*Kafka)(nil)

// NewKafka connects a publisher client to the configured brokers. The
// connection is lazy; broker reachability surfaces on first produce.
func NewKafka(cfg KafkaConfig, logger *slog.Logger, m *metrics.ProctordMetrics) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("publish: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, errors.New("publish: no topic configured")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.DefaultProduceTopic(cfg.Topic),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	source := cfg.Source
	if source == "" {
		source = "proctord"
	}

	return &Kafka{
		client:  client,
		topic:   cfg.Topic,
		source:  source,
		logger:  logger.With("component", "publish"),
		metrics: m,
	}, nil
}

// Publish wraps the payload in an envelope and hands it to the client.
// Delivery outlives the request context; failures are logged and counted,
// never returned. Only encoding errors surface to the caller.
func (k *Kafka) Publish(ctx context.Context, eventType, key string, payload any) error {
	env, err := NewEnvelope(eventType, k.source, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	record := &kgo.Record{
		Topic:     k.topic,
		Key:       []byte(key),
		Value:     data,
		Timestamp: env.Timestamp,
	}

	start := time.Now()
	k.client.Produce(context.WithoutCancel(ctx), record, func(r *kgo.Record, err error) {
		if k.metrics != nil {
			k.metrics.RecordPublish(time.Since(start), err == nil)
		}
		if err != nil {
			k.logger.Error("publish failed",
				"topic", r.Topic,
				"event_type", eventType,
				"error", err,
			)
			return
		}
		k.logger.Debug("published",
			"topic", r.Topic,
			"event_type", eventType,
			"partition", r.Partition,
			"offset", r.Offset,
		)
	})

	return nil
}

// Close flushes buffered records and releases the client.
func (k *Kafka) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := k.client.Flush(ctx); err != nil {
		k.logger.Warn("flush on close", "error", err)
	}
	k.client.Close()
	return nil
}
