package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/witlox/accessgate/pkg/models"
)

// messageWriter is the subset of *kafka.Writer the forwarder needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaForwarder publishes audit events to a Kafka topic, keyed by product
// so events for one product stay ordered within a partition.
type KafkaForwarder struct {
	writer  messageWriter
	brokers []string
	topic   string
	timeout time.Duration
}

// NewKafkaForwarder creates a forwarder for the given brokers and topic.
func NewKafkaForwarder(brokers []string, topic string, timeout time.Duration) (*KafkaForwarder, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka forwarder requires at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka forwarder requires a topic")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		RequiredAcks: kafka.RequireAll,
		Balancer:     &kafka.Hash{},
		WriteTimeout: timeout,
	}
	return newKafkaForwarder(w, brokers, topic, timeout), nil
}

func newKafkaForwarder(w messageWriter, brokers []string, topic string, timeout time.Duration) *KafkaForwarder {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &KafkaForwarder{writer: w, brokers: brokers, topic: topic, timeout: timeout}
}

// Forward implements Forwarder.
func (f *KafkaForwarder) Forward(ctx context.Context, event *models.AuditEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	key := event.ProductID
	if key == "" {
		key = string(event.EventType)
	}
	err = f.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish audit event %s: %w", event.ID, err)
	}
	return nil
}

// HealthCheck dials the first reachable broker.
func (f *KafkaForwarder) HealthCheck(ctx context.Context) error {
	var lastErr error
	for _, broker := range f.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		_ = conn.Close()
		return nil
	}
	return fmt.Errorf("no kafka broker reachable: %w", lastErr)
}

// Close implements Forwarder.
func (f *KafkaForwarder) Close() error {
	return f.writer.Close()
}
