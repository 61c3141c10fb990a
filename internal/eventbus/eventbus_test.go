package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func newTestPublisher(w *fakeWriter) *KafkaPublisher {
	return &KafkaPublisher{
		writer:  w,
		timeout: 1e9,
		source:  "giftguard",
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestNewKafkaPublisher_RequiresBrokers(t *testing.T) {
	_, err := NewKafkaPublisher(nil, slog.Default())
	assert.Error(t, err)
}

func TestKafkaPublisher_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := newTestPublisher(w)

	err := p.Publish(context.Background(), "fraud.events", "203.0.113.7", map[string]string{"reason": "invalid_gan"})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "fraud.events", msg.Topic)
	assert.Equal(t, "203.0.113.7", string(msg.Key))
	assert.JSONEq(t, `{"reason":"invalid_gan"}`, string(msg.Value))
	assert.Equal(t, "content-type", msg.Headers[0].Key)
	assert.Equal(t, "giftguard", string(msg.Headers[1].Value))
}

func TestKafkaPublisher_WrapsWriteError(t *testing.T) {
	boom := errors.New("broker down")
	p := newTestPublisher(&fakeWriter{err: boom})

	err := p.Publish(context.Background(), "defense.blocks", "k", 1)
	assert.ErrorIs(t, err, boom)
}

func TestKafkaPublisher_EncodeError(t *testing.T) {
	p := newTestPublisher(&fakeWriter{})
	err := p.Publish(context.Background(), "t", "k", make(chan int))
	assert.Error(t, err)
}

func TestTopicAndMemoryPublisher(t *testing.T) {
	mem := NewMemoryPublisher()
	topic := NewTopic(mem, "defense.blocks")

	require.NoError(t, topic.Publish(context.Background(), "rule-1", map[string]int{"hits": 2}))
	require.NoError(t, mem.Publish(context.Background(), "other", "x", 1))

	msgs := mem.Messages("defense.blocks")
	require.Len(t, msgs, 1)
	var body map[string]int
	require.NoError(t, json.Unmarshal(msgs[0].Value, &body))
	assert.Equal(t, 2, body["hits"])
	assert.Equal(t, "defense.blocks", topic.Name())
}

func TestNilTopicIsNop(t *testing.T) {
	topic := NewTopic(nil, "x")
	assert.NoError(t, topic.Publish(context.Background(), "k", "v"))
}
