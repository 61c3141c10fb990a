package fraudlog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/giftguard/internal/eventbus"
	"github.com/mbd888/giftguard/internal/idgen"
	"github.com/mbd888/giftguard/internal/metrics"
	"github.com/mbd888/giftguard/internal/pagination"
)

// Log validates, stores and fans out fraud events.
type Log struct {
	store  Store
	topic  *eventbus.Topic
	logger *slog.Logger
	now    func() time.Time
}

// NewLog creates a fraud event log over store.
func NewLog(store Store, logger *slog.Logger) *Log {
	return &Log{
		store:  store,
		topic:  eventbus.NewTopic(nil, ""),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithTopic publishes every appended event to topic.
func (l *Log) WithTopic(topic *eventbus.Topic) *Log {
	l.topic = topic
	return l
}

// WithClock overrides the time source used for missing timestamps.
func (l *Log) WithClock(now func() time.Time) *Log {
	l.now = now
	return l
}

// Store returns the underlying store for read-side engines.
func (l *Log) Store() Store { return l.store }

// Append normalizes ev, assigns an ID and persists it. The returned event is
// the stored copy.
func (l *Log) Append(ctx context.Context, ev FraudEvent) (*FraudEvent, error) {
	if err := ev.Normalize(l.now()); err != nil {
		return nil, err
	}
	if ev.ID == "" {
		ev.ID = idgen.WithPrefix("fe_")
	}
	if err := l.store.Append(ctx, &ev); err != nil {
		return nil, fmt.Errorf("append fraud event: %w", err)
	}
	metrics.FraudEventsTotal.Inc()

	key := ev.IP
	if key == "" {
		key = ev.Fingerprint
	}
	if err := l.topic.Publish(ctx, key, &ev); err != nil {
		l.logger.Warn("fraud event publish failed", "event_id", ev.ID, "error", err)
	}
	return &ev, nil
}

// Get returns a single event.
func (l *Log) Get(ctx context.Context, id string) (*FraudEvent, error) {
	return l.store.Get(ctx, id)
}

// Page is one page of a newest-first listing.
type Page struct {
	Events     []*FraudEvent `json:"events"`
	NextCursor string        `json:"nextCursor,omitempty"`
	HasMore    bool          `json:"hasMore"`
}

// List returns one page of events matching f.
func (l *Log) List(ctx context.Context, f Filter) (*Page, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	f.Limit = limit + 1
	events, err := l.store.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list fraud events: %w", err)
	}
	events, next, more := pagination.ComputePage(events, limit, func(e *FraudEvent) (time.Time, string) {
		return e.Timestamp, e.ID
	})
	if events == nil {
		events = []*FraudEvent{}
	}
	return &Page{Events: events, NextCursor: next, HasMore: more}, nil
}
