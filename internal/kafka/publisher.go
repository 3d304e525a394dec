// Package kafka publishes engine events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ignatij/dagflow/pkg/models"
	segkafka "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// EventTypeHeader carries the event type so consumers can filter without
// decoding the payload.
const EventTypeHeader = "dagflow-event-type"

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...segkafka.Message) error
	Close() error
}

// Publisher is a service.Notifier that writes every event as JSON. Messages
// are keyed by run id so the events of one run stay on one partition, in order.
type Publisher struct {
	writer MessageWriter
	topic  string
}

// NewPublisher creates a publisher connected to the given brokers.
func NewPublisher(brokers []string, topic string) *Publisher {
	w := &segkafka.Writer{
		Addr:                   segkafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &segkafka.Hash{},
		RequiredAcks:           segkafka.RequireOne,
		MaxAttempts:            3,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: true,
	}
	return &Publisher{writer: w, topic: topic}
}

// NewPublisherWithWriter wraps an existing writer. The writer is expected to
// target topic already.
func NewPublisherWithWriter(w MessageWriter, topic string) *Publisher {
	return &Publisher{writer: w, topic: topic}
}

func (p *Publisher) Notify(ctx context.Context, event models.Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", event.ID, err)
	}

	headers := HeaderCarrier{{Key: EventTypeHeader, Value: []byte(event.Type)}}
	otel.GetTextMapPropagator().Inject(ctx, &headers)

	err = p.writer.WriteMessages(ctx, segkafka.Message{
		Key:     []byte(event.RunID),
		Value:   value,
		Headers: []segkafka.Header(headers),
		Time:    event.OccurredAt,
	})
	if err != nil {
		return fmt.Errorf("kafka publish to %s: %w", p.topic, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
