package fraudlog

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mbd888/giftguard/internal/eventbus"
	"github.com/mbd888/giftguard/internal/metrics"
	"github.com/mbd888/giftguard/internal/pagination"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func counterValue(t *testing.T) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, metrics.FraudEventsTotal.Write(&m))
	return m.GetCounter().GetValue()
}

func TestNormalize(t *testing.T) {
	e := FraudEvent{
		IP:        " ::ffff:203.0.113.7 ",
		GAN:       "7783-3200-0000-1234",
		Reason:    "  Invalid_GAN ",
		UserAgent: "curl/8.0\x00",
	}
	require.NoError(t, e.Normalize(t0))

	assert.Equal(t, "203.0.113.7", e.IP)
	assert.Equal(t, "7783320000001234", e.GAN)
	assert.Equal(t, "invalid_gan", e.Reason)
	assert.Equal(t, "curl/8.0", e.UserAgent)
	assert.Equal(t, t0, e.Timestamp)
	assert.True(t, e.HasGAN())
	assert.False(t, e.HasMerchant())
}

func TestNormalize_Rejects(t *testing.T) {
	tests := []struct {
		name string
		ev   FraudEvent
	}{
		{"no reason", FraudEvent{IP: "203.0.113.7"}},
		{"no ip or fingerprint", FraudEvent{Reason: "velocity", MerchantID: "m1"}},
		{"bad ip", FraudEvent{IP: "300.1.1.1", Reason: "velocity"}},
		{"whitespace only", FraudEvent{IP: " ", Fingerprint: "  ", Reason: "x"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.ev.Normalize(t0)
			assert.ErrorIs(t, err, ErrInvalidEvent)
		})
	}
}

func TestNormalize_FingerprintOnly(t *testing.T) {
	e := FraudEvent{Fingerprint: "fp-abc", Reason: "bot", Timestamp: t0.In(time.FixedZone("x", 3600))}
	require.NoError(t, e.Normalize(time.Now()))
	assert.Equal(t, time.UTC, e.Timestamp.Location())
	assert.False(t, e.HasIP())
}

func TestLog_Append(t *testing.T) {
	bus := eventbus.NewMemoryPublisher()
	log := NewLog(NewMemoryStore(), quietLogger()).
		WithTopic(eventbus.NewTopic(bus, "fraud.events")).
		WithClock(func() time.Time { return t0 })

	before := counterValue(t)
	ev, err := log.Append(context.Background(), FraudEvent{IP: "203.0.113.7", Reason: "invalid_gan"})
	require.NoError(t, err)

	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, t0, ev.Timestamp)
	assert.Equal(t, before+1, counterValue(t))

	stored, err := log.Get(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Equal(t, ev, stored)

	msgs := bus.Messages("fraud.events")
	require.Len(t, msgs, 1)
	assert.Equal(t, "203.0.113.7", msgs[0].Key)
	var published FraudEvent
	require.NoError(t, json.Unmarshal(msgs[0].Value, &published))
	assert.Equal(t, ev.ID, published.ID)
}

func TestLog_AppendInvalid(t *testing.T) {
	store := NewMemoryStore()
	log := NewLog(store, quietLogger())

	_, err := log.Append(context.Background(), FraudEvent{Reason: "x"})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	all, _ := store.Recent(context.Background(), 10)
	assert.Empty(t, all)
}

func TestMemoryStore_RangeAndRecent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for i, id := range []string{"c", "a", "b", "d"} {
		ts := t0.Add(time.Duration(i/2) * time.Minute) // c,a at t0; b,d at t0+1m
		require.NoError(t, store.Append(ctx, &FraudEvent{ID: id, IP: "203.0.113.7", Reason: "r", Timestamp: ts}))
	}

	got, err := store.Range(ctx, TimeRange{From: t0, To: t0.Add(time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c", "b", "d"}, ids(got))

	got, err = store.Range(ctx, TimeRange{From: t0.Add(30 * time.Second), To: t0.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "d"}, ids(got))

	recent, err := store.Recent(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "b", "c"}, ids(recent))

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLog_ListPaginates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	log := NewLog(store, quietLogger())
	for i := 0; i < 5; i++ {
		_, err := log.Append(ctx, FraudEvent{
			IP:         "203.0.113.7",
			MerchantID: "m1",
			Reason:     "velocity",
			Timestamp:  t0.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}
	_, err := log.Append(ctx, FraudEvent{IP: "198.51.100.1", MerchantID: "m2", Reason: "velocity", Timestamp: t0})
	require.NoError(t, err)

	page, err := log.List(ctx, Filter{MerchantID: "m1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, t0.Add(4*time.Second), page.Events[0].Timestamp)

	cursor, err := pagination.Decode(page.NextCursor)
	require.NoError(t, err)
	var seen int
	for cursor != nil {
		page, err = log.List(ctx, Filter{MerchantID: "m1", Limit: 2, Cursor: cursor})
		require.NoError(t, err)
		seen += len(page.Events)
		cursor, err = pagination.Decode(page.NextCursor)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, seen)

	page, err = log.List(ctx, Filter{MerchantID: "nobody"})
	require.NoError(t, err)
	assert.NotNil(t, page.Events)
	assert.False(t, page.HasMore)
}

func ids(events []*FraudEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}
