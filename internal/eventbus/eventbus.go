// Package eventbus publishes fraud events and block decisions to Kafka for
// downstream consumers (analytics, case management). Publishing is
// best-effort from the caller's point of view: the request path never fails
// because the bus is down.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Publisher sends a JSON-encoded value to a topic, partitioned by key.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value any) error
	Close() error
}

// messageWriter is the subset of *kafka.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes messages through a single kafka.Writer. The topic is
// set per message so one writer serves every topic.
type KafkaPublisher struct {
	writer  messageWriter
	timeout time.Duration
	source  string
	logger  *slog.Logger
}

// NewKafkaPublisher creates a publisher for the given brokers.
func NewKafkaPublisher(brokers []string, logger *slog.Logger) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka publisher requires at least one broker")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 50 * time.Millisecond,
			WriteTimeout: 5 * time.Second,
		},
		timeout: 5 * time.Second,
		source:  "giftguard",
		logger:  logger,
	}, nil
}

// Publish encodes value as JSON and writes it to topic.
func (p *KafkaPublisher) Publish(ctx context.Context, topic, key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", topic, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: payload,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
			{Key: "source-service", Value: []byte(p.source)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Warn("kafka publish failed", "topic", topic, "key", key, "error", err)
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Close flushes pending messages and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Nop discards every message. Used when no brokers are configured.
type Nop struct{}

func (Nop) Publish(context.Context, string, string, any) error { return nil }
func (Nop) Close() error                                       { return nil }

// Message is a published record captured by MemoryPublisher.
type Message struct {
	Topic string
	Key   string
	Value []byte
}

// MemoryPublisher records messages in memory (tests, local development).
type MemoryPublisher struct {
	mu       sync.Mutex
	messages []Message
}

// NewMemoryPublisher creates an empty in-memory publisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (m *MemoryPublisher) Publish(_ context.Context, topic, key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", topic, err)
	}
	m.mu.Lock()
	m.messages = append(m.messages, Message{Topic: topic, Key: key, Value: payload})
	m.mu.Unlock()
	return nil
}

func (m *MemoryPublisher) Close() error { return nil }

// Messages returns a copy of the messages published to topic.
func (m *MemoryPublisher) Messages(topic string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Message
	for _, msg := range m.messages {
		if msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}

// Topic binds a publisher to one topic name.
type Topic struct {
	pub  Publisher
	name string
}

// NewTopic returns a publisher bound to name. A nil publisher yields a no-op topic.
func NewTopic(pub Publisher, name string) *Topic {
	if pub == nil {
		pub = Nop{}
	}
	return &Topic{pub: pub, name: name}
}

// Publish writes value under key to the bound topic.
func (t *Topic) Publish(ctx context.Context, key string, value any) error {
	return t.pub.Publish(ctx, t.name, key, value)
}

// Name returns the bound topic name.
func (t *Topic) Name() string { return t.name }
