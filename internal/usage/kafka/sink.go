// Package kafka mirrors usage events onto a Kafka topic for downstream
// analytics. Production is fire-and-forget: delivery failures are logged and
// otherwise ignored, matching the best-effort contract of the usage log.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"keygate/internal/usage"
)

// Sink produces usage events to a Kafka topic, keyed by license hash so one
// license's events stay in partition order.
type Sink struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

// NewSink connects to the given brokers. The returned sink owns the client;
// call Close on shutdown to flush in-flight records.
func NewSink(brokers []string, topic string, logger *slog.Logger) (*Sink, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Sink{client: client, topic: topic, logger: logger}, nil
}

func (s *Sink) Send(ctx context.Context, event usage.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("usage event marshal failed", "event", event.Event, "error", err)
		return
	}
	record := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(event.KeyHash),
		Value: payload,
	}
	s.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			s.logger.Warn("usage event produce failed", "event", event.Event, "error", err)
		}
	})
}

// Close flushes buffered records and releases the client.
func (s *Sink) Close() {
	_ = s.client.Flush(context.Background())
	s.client.Close()
}
