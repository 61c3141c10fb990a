package cluster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mbd888/giftguard/internal/fraudlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seed(t *testing.T, store fraudlog.Store, events ...*fraudlog.FraudEvent) {
	t.Helper()
	for _, e := range events {
		require.NoError(t, store.Append(context.Background(), e))
	}
}

// scenarioA: five invalid_gan attempts from one ip over ten minutes.
func scenarioA() []*fraudlog.FraudEvent {
	var out []*fraudlog.FraudEvent
	for i := 0; i < 5; i++ {
		out = append(out, &fraudlog.FraudEvent{
			ID:         fmt.Sprintf("fe_%d", i),
			IP:         "203.0.113.7",
			MerchantID: "m1",
			Reason:     "invalid_gan",
			Timestamp:  t0.Add(time.Duration(i) * 150 * time.Second),
		})
	}
	return out
}

func TestScan_ScenarioA(t *testing.T) {
	store := fraudlog.NewMemoryStore()
	seed(t, store, scenarioA()...)
	now := t0.Add(10 * time.Minute)
	engine := NewEngine(store, nil, quietLogger()).WithClock(func() time.Time { return now })

	clusters, err := engine.Scan(context.Background(), fraudlog.TimeRange{From: now.Add(-15 * time.Minute), To: now}, 3)
	require.NoError(t, err)
	require.Len(t, clusters, 1, "fingerprint key has no members, ip+reason has one group")

	c := clusters[0]
	assert.Equal(t, KeyIPReason, c.SignatureKey)
	assert.Equal(t, "203.0.113.7|invalid_gan", c.Signature)
	assert.Equal(t, 5, c.Size)
	assert.Equal(t, []string{"fe_0", "fe_1", "fe_2", "fe_3", "fe_4"}, c.MemberEventIDs)
	assert.Equal(t, t0, c.FirstSeen)
	assert.Equal(t, now, c.LastSeen)
	assert.Equal(t, 1, c.DistinctMerchants)
	assert.Equal(t, "203.0.113.7", c.DominantAttributes[AttrIP])
	assert.Equal(t, "invalid_gan", c.DominantAttributes[AttrReason])
	assert.GreaterOrEqual(t, c.Confidence, 80.0)
	assert.LessOrEqual(t, c.Confidence, 100.0)
}

func TestBuild_OneClusterPerSignature(t *testing.T) {
	var events []*fraudlog.FraudEvent
	for i := 0; i < 4; i++ {
		events = append(events,
			&fraudlog.FraudEvent{ID: fmt.Sprintf("a%d", i), IP: "203.0.113.7", Fingerprint: "fp-1", Reason: "velocity", Timestamp: t0},
			&fraudlog.FraudEvent{ID: fmt.Sprintf("b%d", i), IP: "198.51.100.2", Fingerprint: "fp-1", Reason: "velocity", Timestamp: t0},
		)
	}
	events = append(events, &fraudlog.FraudEvent{ID: "c0", IP: "192.0.2.1", Reason: "velocity", Timestamp: t0})

	clusters := Build(events, Options{Keys: []SignatureKey{KeyIPReason, KeyFingerprint}, MinSize: 3, Reference: t0})

	seen := map[string]int{}
	for _, c := range clusters {
		seen[string(c.SignatureKey)+"/"+c.Signature]++
	}
	assert.Equal(t, map[string]int{
		"ip+reason/203.0.113.7|velocity":  1,
		"ip+reason/198.51.100.2|velocity": 1,
		"fingerprint/fp-1":                1,
	}, seen)

	for _, c := range clusters {
		if c.SignatureKey == KeyFingerprint {
			assert.Equal(t, 8, c.Size)
			_, hasIP := c.DominantAttributes[AttrIP]
			assert.False(t, hasIP, "split 50/50 ip is not dominant")
		}
	}
}

func TestBuild_ToleratesPartialEvents(t *testing.T) {
	events := []*fraudlog.FraudEvent{
		nil,
		{ID: "1", Fingerprint: "fp-9", Reason: "bot", Timestamp: t0},
		{ID: "2", Fingerprint: "fp-9", Reason: "bot", Timestamp: t0},
		{ID: "3", Fingerprint: "fp-9", Timestamp: t0},
		{ID: "4", IP: "203.0.113.7", Timestamp: t0},
	}
	keys := []SignatureKey{KeyIP, KeyIPReason, KeyFingerprint, KeyFingerprintReason, KeyMerchantReason, KeyGAN}

	var clusters []ThreatCluster
	assert.NotPanics(t, func() {
		clusters = Build(events, Options{Keys: keys, MinSize: 1, Reference: t0})
	})

	sizes := map[SignatureKey]int{}
	for _, c := range clusters {
		sizes[c.SignatureKey] += c.Size
	}
	assert.Equal(t, 1, sizes[KeyIP])
	assert.Equal(t, 0, sizes[KeyIPReason])
	assert.Equal(t, 3, sizes[KeyFingerprint])
	assert.Equal(t, 2, sizes[KeyFingerprintReason])
	assert.Equal(t, 0, sizes[KeyMerchantReason])
	assert.Equal(t, 0, sizes[KeyGAN])
}

func TestBuild_DeduplicatesMembers(t *testing.T) {
	e := &fraudlog.FraudEvent{ID: "dup", IP: "203.0.113.7", Reason: "r", Timestamp: t0}
	clusters := Build([]*fraudlog.FraudEvent{e, e, e}, Options{Keys: []SignatureKey{KeyIP}, MinSize: 1, Reference: t0})
	require.Len(t, clusters, 1)
	assert.Equal(t, 1, clusters[0].Size)
}

func TestConfidence(t *testing.T) {
	fresh := func(n int) []time.Duration { return make([]time.Duration, n) }

	assert.Equal(t, 0.0, Confidence(0, 0, nil, time.Hour))

	// size is monotone
	prev := 0.0
	for size := 1; size <= 20; size++ {
		c := Confidence(size, 1, fresh(size), time.Hour)
		assert.GreaterOrEqual(t, c, prev)
		assert.LessOrEqual(t, c, 100.0)
		prev = c
	}

	// spread is monotone and saturates
	one := Confidence(5, 1, fresh(5), time.Hour)
	two := Confidence(5, 2, fresh(5), time.Hour)
	four := Confidence(5, 4, fresh(5), time.Hour)
	many := Confidence(5, 40, fresh(5), time.Hour)
	assert.Less(t, one, two)
	assert.Less(t, two, four)
	assert.Equal(t, four, many)

	// older events weigh less
	old := []time.Duration{5 * time.Hour, 5 * time.Hour, 5 * time.Hour}
	assert.Less(t, Confidence(3, 1, old, time.Hour), Confidence(3, 1, fresh(3), time.Hour))

	// negative ages are treated as fresh
	assert.Equal(t, Confidence(3, 1, fresh(3), time.Hour),
		Confidence(3, 1, []time.Duration{-time.Minute, 0, 0}, time.Hour))
}

func TestParseKeys(t *testing.T) {
	keys, err := ParseKeys(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultKeys, keys)

	keys, err = ParseKeys([]string{" IP+Reason ", "gan", "gan"})
	require.NoError(t, err)
	assert.Equal(t, []SignatureKey{KeyIPReason, KeyGAN}, keys)

	_, err = ParseKeys([]string{"email"})
	assert.Error(t, err)
}

func TestScan_InvalidWindow(t *testing.T) {
	engine := NewEngine(fraudlog.NewMemoryStore(), nil, quietLogger())
	_, err := engine.Scan(context.Background(), fraudlog.TimeRange{From: t0, To: t0.Add(-time.Second)}, 1)
	assert.ErrorIs(t, err, ErrInvalidWindow)
}

func TestScan_ExcludesEventsOutsideWindow(t *testing.T) {
	store := fraudlog.NewMemoryStore()
	seed(t, store, scenarioA()...)
	engine := NewEngine(store, []SignatureKey{KeyIP}, quietLogger())

	clusters, err := engine.Scan(context.Background(), fraudlog.TimeRange{From: t0.Add(5 * time.Minute), To: t0.Add(time.Hour)}, 1)
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Equal(t, 3, clusters[0].Size)
}

func TestPromoter(t *testing.T) {
	var got []string
	sink := SinkFunc(func(_ context.Context, c ThreatCluster) error {
		if c.Signature == "bad" {
			return errors.New("store down")
		}
		got = append(got, c.Signature)
		return nil
	})
	p := NewPromoter(sink, 60, quietLogger())

	res := p.Promote(context.Background(), []ThreatCluster{
		{Signature: "strong", Confidence: 90},
		{Signature: "weak", Confidence: 10},
		{Signature: "bad", Confidence: 70},
		{Signature: "edge", Confidence: 60},
	})
	assert.Equal(t, PromoteResult{Accepted: 2, Skipped: 1, Failed: 1}, res)
	assert.Equal(t, []string{"strong", "edge"}, got)
}

func TestPromoter_CollapsesSameTarget(t *testing.T) {
	ipAttrs := map[string]string{AttrIP: "203.0.113.7", AttrReason: "invalid_gan"}
	var got []ThreatCluster
	sink := SinkFunc(func(_ context.Context, c ThreatCluster) error {
		if c.DominantAttributes[AttrFingerprint] == "fp-seen" {
			return fmt.Errorf("rule fp-seen: %w", ErrNoNewEvidence)
		}
		got = append(got, c)
		return nil
	})
	p := NewPromoter(sink, 60, quietLogger())

	res := p.Promote(context.Background(), []ThreatCluster{
		{SignatureKey: KeyIPReason, Signature: "203.0.113.7|invalid_gan", Confidence: 85, LastSeen: t0, DominantAttributes: ipAttrs},
		{SignatureKey: KeyIP, Signature: "203.0.113.7", Confidence: 80, LastSeen: t0.Add(time.Minute), DominantAttributes: ipAttrs},
		{SignatureKey: KeyMerchantReason, Signature: "m1|invalid_gan", Confidence: 70, LastSeen: t0, DominantAttributes: ipAttrs},
		{SignatureKey: KeyFingerprint, Signature: "fp-seen", Confidence: 75, DominantAttributes: map[string]string{AttrFingerprint: "fp-seen"}},
	})
	assert.Equal(t, PromoteResult{Accepted: 1, Collapsed: 2, Unchanged: 1}, res)
	require.Len(t, got, 1)
	assert.Equal(t, KeyIPReason, got[0].SignatureKey)
	assert.Equal(t, 85.0, got[0].Confidence)
	assert.Equal(t, t0.Add(time.Minute), got[0].LastSeen)
}

func TestScan_SkipsBlockedEvents(t *testing.T) {
	store := fraudlog.NewMemoryStore()
	events := scenarioA()
	for _, e := range events[1:] {
		e.Blocked = true
	}
	seed(t, store, events...)
	engine := NewEngine(store, []SignatureKey{KeyIP}, quietLogger())

	window := fraudlog.TimeRange{From: t0.Add(-time.Hour), To: t0.Add(time.Hour)}
	clusters, err := engine.Scan(context.Background(), window, 2)
	require.NoError(t, err)
	assert.Empty(t, clusters)

	clusters, err = engine.Scan(context.Background(), window, 1)
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Equal(t, []string{"fe_0"}, clusters[0].MemberEventIDs)
}

func TestTimer_RunOnce(t *testing.T) {
	store := fraudlog.NewMemoryStore()
	seed(t, store, scenarioA()...)
	now := t0.Add(10 * time.Minute)
	engine := NewEngine(store, nil, quietLogger()).WithClock(func() time.Time { return now })

	var accepted []ThreatCluster
	promoter := NewPromoter(SinkFunc(func(_ context.Context, c ThreatCluster) error {
		accepted = append(accepted, c)
		return nil
	}), 60, quietLogger())

	timer := NewTimer(engine, promoter, TimerConfig{Interval: time.Hour, Window: 15 * time.Minute, MinSize: 3}, quietLogger())
	res, err := timer.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Accepted)
	require.Len(t, accepted, 1)
	assert.Equal(t, "203.0.113.7", accepted[0].DominantAttributes[AttrIP])
}

func TestTimer_StartStop(t *testing.T) {
	engine := NewEngine(fraudlog.NewMemoryStore(), nil, quietLogger())
	timer := NewTimer(engine, NewPromoter(SinkFunc(func(context.Context, ThreatCluster) error { return nil }), 0, quietLogger()),
		TimerConfig{Interval: 10 * time.Millisecond}, quietLogger())

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()
	require.Eventually(t, timer.Running, time.Second, 5*time.Millisecond)
	timer.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())
}
