package eventbus

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedPublisher blocks every Publish until release is closed.
type gatedPublisher struct {
	*MemoryPublisher
	entered chan struct{}
	release chan struct{}
}

func newGatedPublisher() *gatedPublisher {
	return &gatedPublisher{
		MemoryPublisher: NewMemoryPublisher(),
		entered:         make(chan struct{}, 16),
		release:         make(chan struct{}),
	}
}

func (g *gatedPublisher) Publish(ctx context.Context, topic, key string, value any) error {
	g.entered <- struct{}{}
	<-g.release
	return g.MemoryPublisher.Publish(ctx, topic, key, value)
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestAsync_PublishDoesNotWaitForBroker(t *testing.T) {
	gated := newGatedPublisher()
	a := NewAsync(gated, 8, discard())

	start := time.Now()
	require.NoError(t, a.Publish(context.Background(), "fraud.events", "k1", map[string]string{"reason": "invalid_gan"}))
	require.NoError(t, a.Publish(context.Background(), "fraud.events", "k2", map[string]string{"reason": "invalid_gan"}))
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	close(gated.release)
	require.NoError(t, a.Close())

	msgs := gated.Messages("fraud.events")
	require.Len(t, msgs, 2)
	assert.Equal(t, "k1", msgs[0].Key)
	assert.JSONEq(t, `{"reason":"invalid_gan"}`, string(msgs[0].Value))
}

func TestAsync_DropsWhenQueueFull(t *testing.T) {
	gated := newGatedPublisher()
	a := NewAsync(gated, 1, discard())

	require.NoError(t, a.Publish(context.Background(), "t", "held", 1))
	// Wait until the worker holds the first message so the queue slot is free.
	<-gated.entered
	require.NoError(t, a.Publish(context.Background(), "t", "queued", 2))

	err := a.Publish(context.Background(), "t", "dropped", 3)
	assert.ErrorIs(t, err, ErrQueueFull)

	close(gated.release)
	require.NoError(t, a.Close())
	assert.Len(t, gated.Messages("t"), 2)
}

func TestAsync_CloseRejectsFurtherPublish(t *testing.T) {
	mem := NewMemoryPublisher()
	a := NewAsync(mem, 4, discard())
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	assert.ErrorIs(t, a.Publish(context.Background(), "t", "k", 1), ErrClosed)
}

func TestAsync_EncodeErrorIsImmediate(t *testing.T) {
	a := NewAsync(NewMemoryPublisher(), 4, discard())
	defer a.Close()
	assert.Error(t, a.Publish(context.Background(), "t", "k", make(chan int)))
}
