package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/giftguard/internal/metrics"
)

// ErrQueueFull is returned by Async.Publish when the queue has no room.
var ErrQueueFull = errors.New("event bus queue full")

// ErrClosed is returned by Async.Publish after Close.
var ErrClosed = errors.New("event bus closed")

type queued struct {
	topic string
	key   string
	value json.RawMessage
}

// Async queues messages in memory and hands them to the wrapped publisher
// from a single background worker, so Publish never waits on the broker.
// Messages that do not fit in the queue are dropped and counted.
type Async struct {
	inner   Publisher
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan queued
	done   chan struct{}
}

// NewAsync starts the worker. size is the queue capacity.
func NewAsync(inner Publisher, size int, logger *slog.Logger) *Async {
	if size < 1 {
		size = 1
	}
	a := &Async{
		inner:   inner,
		timeout: 10 * time.Second,
		logger:  logger,
		queue:   make(chan queued, size),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// Publish encodes value and enqueues it. It returns immediately.
func (a *Async) Publish(_ context.Context, topic, key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", topic, err)
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.queue <- queued{topic: topic, key: key, value: payload}:
		return nil
	default:
		metrics.EventBusDropped.WithLabelValues(topic).Inc()
		return fmt.Errorf("publish to %s: %w", topic, ErrQueueFull)
	}
}

func (a *Async) run() {
	defer close(a.done)
	for msg := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.inner.Publish(ctx, msg.topic, msg.key, msg.value); err != nil {
			a.logger.Warn("event bus publish failed", "topic", msg.topic, "key", msg.key, "error", err)
		}
		cancel()
	}
}

// Close stops accepting messages, drains the queue and closes the wrapped publisher.
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	<-a.done
	return a.inner.Close()
}
