package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/giftguard/internal/circuitbreaker"
	"github.com/mbd888/giftguard/internal/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// endpoint is a test merchant server whose status can be switched.
type endpoint struct {
	srv    *httptest.Server
	status atomic.Int32
	calls  atomic.Int32

	mu      sync.Mutex
	headers []http.Header
	bodies  [][]byte
}

func newEndpoint(t *testing.T, status int) *endpoint {
	t.Helper()
	ep := &endpoint{}
	ep.status.Store(int32(status))
	ep.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ep.mu.Lock()
		ep.headers = append(ep.headers, r.Header.Clone())
		ep.bodies = append(ep.bodies, body)
		ep.mu.Unlock()
		ep.calls.Add(1)
		w.WriteHeader(int(ep.status.Load()))
	}))
	t.Cleanup(ep.srv.Close)
	return ep
}

type harness struct {
	store  *MemoryStore
	d      *Dispatcher
	engine *RetryEngine
	clock  *testClock
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{store: NewMemoryStore(), clock: &testClock{t: t0}}
	h.d = NewDispatcher(h.store, cfg, quietLogger()).
		WithValidator(security.NewEndpointValidator(true)).
		WithBreaker(circuitbreaker.New(100, time.Minute)).
		WithClock(h.clock.now)
	h.engine = NewRetryEngine(h.d, nil, quietLogger())
	return h
}

func (h *harness) subscribe(t *testing.T, merchantID string, et EventType, url string) *Subscription {
	t.Helper()
	sub := &Subscription{
		ID:         "wh_" + merchantID + "_" + string(et) + "_" + url[len(url)-5:],
		MerchantID: merchantID,
		EventType:  et,
		URL:        url,
		Secret:     "s3cret",
		Enabled:    true,
		CreatedAt:  t0,
	}
	require.NoError(t, h.store.CreateSubscription(context.Background(), sub))
	return sub
}

func redeemed(merchantID string) Event {
	return Event{Type: EventGiftCardRedeemed, MerchantID: merchantID, GAN: "7783320000001234", Amount: "25.00"}
}

func TestSignAndVerify(t *testing.T) {
	body := []byte(`{"eventType":"giftcard.redeemed"}`)
	sig := Sign(body, "s3cret")
	assert.Regexp(t, `^sha256=[0-9a-f]{64}$`, sig)
	assert.True(t, Verify(body, "s3cret", sig))
	assert.False(t, Verify(body, "other", sig))
	assert.False(t, Verify(append(body, ' '), "s3cret", sig))
	assert.False(t, Verify(body, "s3cret", sig[len("sha256="):]))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		code      int
		err       error
		delivered bool
		retryable bool
		status    string
	}{
		{200, nil, true, false, "200"},
		{204, nil, true, false, "204"},
		{301, nil, false, false, "301"},
		{400, nil, false, false, "400"},
		{404, nil, false, false, "404"},
		{408, nil, false, true, "408"},
		{429, nil, false, true, "429"},
		{500, nil, false, true, "500"},
		{503, nil, false, true, "503"},
		{0, context.DeadlineExceeded, false, true, "timeout"},
		{0, io.ErrUnexpectedEOF, false, true, "network_error"},
		{0, ErrCircuitOpen, false, true, "circuit_open"},
		{0, security.ErrBlockedEndpoint, false, false, "blocked_endpoint"},
	}
	for _, tc := range tests {
		out := Classify(tc.code, tc.err)
		assert.Equal(t, tc.delivered, out.Delivered, "%d %v", tc.code, tc.err)
		assert.Equal(t, tc.retryable, out.Retryable, "%d %v", tc.code, tc.err)
		assert.Equal(t, tc.status, out.LastStatus, "%d %v", tc.code, tc.err)
	}
}

func TestAttempt_DeliversSignedPayload(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ep := newEndpoint(t, http.StatusOK)
	h.subscribe(t, "m1", EventGiftCardRedeemed, ep.srv.URL)
	h.subscribe(t, "m1", EventGiftCardVoided, ep.srv.URL+"/void")

	deliveries, err := h.d.Attempt(context.Background(), redeemed("m1"))
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	d := deliveries[0]
	assert.Equal(t, StatusDelivered, d.Status)
	require.NotNil(t, d.StatusCode)
	assert.Equal(t, 200, *d.StatusCode)
	assert.NotNil(t, d.ResponseTimeMs)

	require.Equal(t, int32(1), ep.calls.Load())
	hdr, body := ep.headers[0], ep.bodies[0]
	assert.Equal(t, "application/json", hdr.Get("Content-Type"))
	assert.Equal(t, "giftcard.redeemed", hdr.Get(HeaderEvent))
	assert.Equal(t, d.ID, hdr.Get(HeaderDelivery))
	assert.True(t, Verify(body, "s3cret", hdr.Get(HeaderSignature)))

	var p map[string]any
	require.NoError(t, json.Unmarshal(body, &p))
	assert.Equal(t, "giftcard.redeemed", p["eventType"])
	assert.Equal(t, "m1", p["merchantId"])
	assert.Equal(t, "7783320000001234", p["gan"])
	assert.Equal(t, "25.00", p["amount"])
	assert.Equal(t, t0.Format(time.RFC3339), p["timestamp"])

	stored, err := h.store.GetDelivery(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, stored.Status)
	_, err = h.store.GetRetryEntry(context.Background(), d.ID)
	assert.ErrorIs(t, err, ErrNotQueued)
}

func TestAttempt_SkipsDisabledAndValidates(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ep := newEndpoint(t, http.StatusOK)
	sub := h.subscribe(t, "m1", EventGiftCardRedeemed, ep.srv.URL)
	sub.Enabled = false
	require.NoError(t, h.store.CreateSubscription(context.Background(), sub))

	deliveries, err := h.d.Attempt(context.Background(), redeemed("m1"))
	require.NoError(t, err)
	assert.Empty(t, deliveries)
	assert.Zero(t, ep.calls.Load())

	_, err = h.d.Attempt(context.Background(), Event{Type: EventGiftCardRedeemed})
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestAttempt_PermanentFailure(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ep := newEndpoint(t, http.StatusBadRequest)
	h.subscribe(t, "m1", EventGiftCardRedeemed, ep.srv.URL)

	deliveries, err := h.d.Attempt(context.Background(), redeemed("m1"))
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, StatusFailed, deliveries[0].Status)

	failures, err := h.engine.ListFailures(context.Background(), FailureFilter{})
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, 400, *failures[0].StatusCode)
	assert.Zero(t, failures[0].RetryCount)

	n, err := h.store.CountQueued(context.Background(), "m1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAttempt_BlockedEndpointIsPermanent(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.d.WithValidator(security.NewEndpointValidator(false))
	ep := newEndpoint(t, http.StatusOK)
	h.subscribe(t, "m1", EventGiftCardRedeemed, ep.srv.URL)

	deliveries, err := h.d.Attempt(context.Background(), redeemed("m1"))
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, StatusFailed, deliveries[0].Status)
	assert.Contains(t, deliveries[0].LastError, "blocked_endpoint")
	assert.Zero(t, ep.calls.Load())
}

// Scenario B: an endpoint that always answers 500 is retried after 30, 60,
// 120 and 240 seconds, then lands in the failure log once.
func TestRetry_BackoffUntilExhausted(t *testing.T) {
	cfg := DefaultConfig()
	h := newHarness(t, cfg)
	ep := newEndpoint(t, http.StatusInternalServerError)
	h.subscribe(t, "m1", EventGiftCardRedeemed, ep.srv.URL)
	ctx := context.Background()

	deliveries, err := h.d.Attempt(ctx, redeemed("m1"))
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	id := deliveries[0].ID
	assert.Equal(t, StatusQueued, deliveries[0].Status)

	entry, err := h.store.GetRetryEntry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, entry.RetryCount)
	assert.Equal(t, "500", entry.LastStatus)

	// nothing is due before the first delay elapses
	h.clock.set(entry.NextRetryAt.Add(-time.Second))
	res, err := h.engine.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)

	delays := []time.Duration{entry.NextRetryAt.Sub(t0)}
	last := entry.NextRetryAt
	for i := 1; i <= 3; i++ {
		h.clock.set(last)
		res, err := h.engine.ProcessDue(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, res.Rescheduled, "retry %d", i)

		entry, err = h.store.GetRetryEntry(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, i, entry.RetryCount)
		assert.Nil(t, entry.ClaimedAt)
		assert.True(t, entry.NextRetryAt.After(last))
		delays = append(delays, entry.NextRetryAt.Sub(last))
		last = entry.NextRetryAt
	}
	assert.Equal(t, []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second, 240 * time.Second}, delays)

	h.clock.set(last)
	res, err = h.engine.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, int32(5), ep.calls.Load())

	d, err := h.store.GetDelivery(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, d.Status)
	assert.Equal(t, 4, d.RetryCount)
	_, err = h.store.GetRetryEntry(ctx, id)
	assert.ErrorIs(t, err, ErrNotQueued)

	failures, err := h.engine.ListFailures(ctx, FailureFilter{})
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, id, failures[0].DeliveryID)
	assert.Equal(t, 500, *failures[0].StatusCode)
	assert.False(t, failures[0].Resolved)

	// a later pass finds nothing
	h.clock.set(last.Add(time.Hour))
	res, err = h.engine.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)
}

func TestRetry_DeliversAfterRecovery(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ep := newEndpoint(t, http.StatusServiceUnavailable)
	h.subscribe(t, "m1", EventGiftCardRedeemed, ep.srv.URL)
	ctx := context.Background()

	deliveries, err := h.d.Attempt(ctx, redeemed("m1"))
	require.NoError(t, err)
	id := deliveries[0].ID

	ep.status.Store(http.StatusOK)
	h.clock.set(t0.Add(time.Minute))
	res, err := h.engine.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)

	d, err := h.store.GetDelivery(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, d.Status)
	_, err = h.store.GetRetryEntry(ctx, id)
	assert.ErrorIs(t, err, ErrNotQueued)
	failures, err := h.engine.ListFailures(ctx, FailureFilter{})
	require.NoError(t, err)
	assert.Empty(t, failures)
}

// Scenario C: an operator force-retries a failed delivery once the endpoint
// is back. The failure entry is resolved and no second entry appears.
func TestForceRetry_FromFailed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 0
	h := newHarness(t, cfg)
	ep := newEndpoint(t, http.StatusInternalServerError)
	h.subscribe(t, "m1", EventGiftCardRedeemed, ep.srv.URL)
	ctx := context.Background()

	deliveries, err := h.d.Attempt(ctx, redeemed("m1"))
	require.NoError(t, err)
	id := deliveries[0].ID
	h.clock.set(t0.Add(time.Minute))
	_, err = h.engine.ProcessDue(ctx)
	require.NoError(t, err)

	d, err := h.engine.Delivery(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, d.Status)

	// still down: the same entry is reopened, not duplicated
	d, err = h.engine.ForceRetry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, d.Status)
	failures, err := h.engine.ListFailures(ctx, FailureFilter{})
	require.NoError(t, err)
	require.Len(t, failures, 1)
	failureID := failures[0].ID

	ep.status.Store(http.StatusOK)
	d, err = h.engine.ForceRetry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, d.Status)

	failures, err = h.engine.ListFailures(ctx, FailureFilter{})
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, failureID, failures[0].ID)
	assert.True(t, failures[0].Resolved)
	assert.NotNil(t, failures[0].ResolvedAt)

	// delivered: force retry is a no-op
	calls := ep.calls.Load()
	d, err = h.engine.ForceRetry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, d.Status)
	assert.Equal(t, calls, ep.calls.Load())

	_, err = h.engine.ForceRetry(ctx, "dlv_missing")
	assert.ErrorIs(t, err, ErrDeliveryNotFound)
}

func TestForceRetry_FromQueued(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ep := newEndpoint(t, http.StatusBadGateway)
	h.subscribe(t, "m1", EventGiftCardRedeemed, ep.srv.URL)
	ctx := context.Background()

	deliveries, err := h.d.Attempt(ctx, redeemed("m1"))
	require.NoError(t, err)
	id := deliveries[0].ID

	ep.status.Store(http.StatusOK)
	d, err := h.engine.ForceRetry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, d.Status)
	_, err = h.store.GetRetryEntry(ctx, id)
	assert.ErrorIs(t, err, ErrNotQueued)
}

// Two retry engines with their own dispatchers and lockers share one queue,
// as two server instances would. Every due entry is attempted exactly once.
func TestRetryEngine_ConcurrentEnginesShareQueue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 3
	h := newHarness(t, cfg)
	ep := newEndpoint(t, http.StatusInternalServerError)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 10; i++ {
		merchant := fmt.Sprintf("m%d", i)
		h.subscribe(t, merchant, EventGiftCardRedeemed, ep.srv.URL)
		deliveries, err := h.d.Attempt(ctx, redeemed(merchant))
		require.NoError(t, err)
		require.Len(t, deliveries, 1)
		require.Equal(t, StatusQueued, deliveries[0].Status)
		ids = append(ids, deliveries[0].ID)
	}
	require.Equal(t, int32(10), ep.calls.Load())

	other := NewDispatcher(h.store, cfg, quietLogger()).
		WithValidator(security.NewEndpointValidator(true)).
		WithBreaker(circuitbreaker.New(100, time.Minute)).
		WithClock(h.clock.now)
	engines := []*RetryEngine{
		NewRetryEngine(h.d, NewLocalLocker(), quietLogger()),
		NewRetryEngine(other, NewLocalLocker(), quietLogger()),
	}

	ep.status.Store(http.StatusOK)
	h.clock.set(t0.Add(time.Hour))

	var (
		wg        sync.WaitGroup
		delivered atomic.Int32
		start     = make(chan struct{})
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(e *RetryEngine) {
			defer wg.Done()
			<-start
			res, err := e.ProcessDue(ctx)
			assert.NoError(t, err)
			delivered.Add(int32(res.Delivered))
		}(engines[i%2])
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(20), ep.calls.Load())
	assert.Equal(t, int32(10), delivered.Load())
	for _, id := range ids {
		d, err := h.store.GetDelivery(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusDelivered, d.Status)
		_, err = h.store.GetRetryEntry(ctx, id)
		assert.ErrorIs(t, err, ErrNotQueued)
	}
}

func TestForceRetry_InFlightIsNoOp(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	locker := NewLocalLocker()
	h.engine = NewRetryEngine(h.d, locker, quietLogger())
	ep := newEndpoint(t, http.StatusInternalServerError)
	h.subscribe(t, "m1", EventGiftCardRedeemed, ep.srv.URL)
	ctx := context.Background()

	deliveries, err := h.d.Attempt(ctx, redeemed("m1"))
	require.NoError(t, err)
	id := deliveries[0].ID

	// another worker holds the delivery lock
	unlock, ok, err := locker.TryLock(ctx, id, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	d, err := h.engine.ForceRetry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, d.Status)
	assert.Equal(t, int32(1), ep.calls.Load())

	// the scheduler claims the entry but leaves it to the lock holder
	h.clock.set(t0.Add(time.Hour))
	res, err := h.engine.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Claimed)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, int32(1), ep.calls.Load())
	unlock()

	// a live scheduler claim also means an attempt is underway
	d, err = h.engine.ForceRetry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, d.Status)
	assert.Equal(t, int32(1), ep.calls.Load())

	// so does a PENDING delivery
	pending, err := h.store.GetDelivery(ctx, id)
	require.NoError(t, err)
	pending.Status = StatusPending
	require.NoError(t, h.store.UpdateDelivery(ctx, pending))

	d, err = h.engine.ForceRetry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, d.Status)
	assert.Equal(t, pending.RetryCount, d.RetryCount)
	assert.Equal(t, int32(1), ep.calls.Load())
}

func TestResolve_Idempotent(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ep := newEndpoint(t, http.StatusNotFound)
	h.subscribe(t, "m1", EventGiftCardRedeemed, ep.srv.URL)
	ctx := context.Background()

	_, err := h.d.Attempt(ctx, redeemed("m1"))
	require.NoError(t, err)
	failures, err := h.engine.ListFailures(ctx, FailureFilter{})
	require.NoError(t, err)
	require.Len(t, failures, 1)

	h.clock.set(t0.Add(time.Minute))
	first, err := h.engine.Resolve(ctx, failures[0].ID)
	require.NoError(t, err)
	assert.True(t, first.Resolved)

	h.clock.set(t0.Add(time.Hour))
	second, err := h.engine.Resolve(ctx, failures[0].ID)
	require.NoError(t, err)
	assert.Equal(t, first.ResolvedAt, second.ResolvedAt)

	resolved := false
	open, err := h.engine.ListFailures(ctx, FailureFilter{Resolved: &resolved})
	require.NoError(t, err)
	assert.Empty(t, open)

	_, err = h.engine.Resolve(ctx, "whf_missing")
	assert.ErrorIs(t, err, ErrFailureNotFound)
}

func TestAttempt_Backpressure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxQueuedPerMerchant = 1
	h := newHarness(t, cfg)
	ep := newEndpoint(t, http.StatusInternalServerError)
	h.subscribe(t, "m1", EventGiftCardRedeemed, ep.srv.URL+"/a")
	h.subscribe(t, "m1", EventGiftCardRedeemed, ep.srv.URL+"/b")

	deliveries, err := h.d.Attempt(context.Background(), redeemed("m1"))
	require.NoError(t, err)
	require.Len(t, deliveries, 2)

	statuses := map[DeliveryStatus]int{}
	for _, d := range deliveries {
		statuses[d.Status]++
	}
	assert.Equal(t, 1, statuses[StatusQueued])
	assert.Equal(t, 1, statuses[StatusFailed])

	failures, err := h.engine.ListFailures(context.Background(), FailureFilter{MerchantID: "m1"})
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].ErrorMessage, ErrQueueFull.Error())
}

func TestAttempt_CircuitOpenIsRetryable(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.d.WithBreaker(circuitbreaker.New(1, time.Hour))
	ep := newEndpoint(t, http.StatusInternalServerError)
	h.subscribe(t, "m1", EventGiftCardRedeemed, ep.srv.URL)
	ctx := context.Background()

	_, err := h.d.Attempt(ctx, redeemed("m1"))
	require.NoError(t, err)
	deliveries, err := h.d.Attempt(ctx, redeemed("m1"))
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	assert.Equal(t, StatusQueued, deliveries[0].Status)
	entry, err := h.store.GetRetryEntry(ctx, deliveries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "circuit_open", entry.LastStatus)
	assert.Equal(t, int32(1), ep.calls.Load())
}

func TestMemoryStore_ClaimDue(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for i, id := range []string{"d1", "d2", "d3"} {
		d := &Delivery{ID: id, MerchantID: "m1", Status: StatusQueued}
		require.NoError(t, store.CreateDelivery(ctx, d))
		require.NoError(t, store.Enqueue(ctx, d, &RetryEntry{MerchantID: "m1", NextRetryAt: t0.Add(time.Duration(i) * time.Minute)}, ""))
	}

	claimed, err := store.ClaimDue(ctx, t0.Add(90*time.Second), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "d1", claimed[0].DeliveryID)
	assert.Equal(t, "d2", claimed[1].DeliveryID)

	// live claims are not handed out twice
	again, err := store.ClaimDue(ctx, t0.Add(100*time.Second), 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again)
	_, err = store.ClaimOne(ctx, "d1", t0.Add(100*time.Second), time.Minute)
	assert.ErrorIs(t, err, ErrDeliveryBusy)

	// expired claims are
	expired, err := store.ClaimDue(ctx, t0.Add(3*time.Minute), 10, time.Minute)
	require.NoError(t, err)
	assert.Len(t, expired, 3)

	// a stale token cannot settle the entry
	d, err := store.GetDelivery(ctx, "d1")
	require.NoError(t, err)
	assert.ErrorIs(t, store.Complete(ctx, d, nil, claimed[0].ClaimToken), ErrClaimLost)
	assert.NoError(t, store.Complete(ctx, d, nil, expired[0].ClaimToken))
}

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	unlock, ok, err := l.TryLock(ctx, "dlv_1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, _ = l.TryLock(ctx, "dlv_1", time.Minute)
	assert.False(t, ok)
	other, ok, _ := l.TryLock(ctx, "dlv_2", time.Minute)
	assert.True(t, ok)
	other()

	unlock()
	unlock()
	again, ok, _ := l.TryLock(ctx, "dlv_1", time.Minute)
	assert.True(t, ok)
	again()
}

func TestRetryEngine_StartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	h := newHarness(t, cfg)

	done := make(chan struct{})
	go func() {
		h.engine.Start(context.Background())
		close(done)
	}()
	require.Eventually(t, h.engine.Running, time.Second, 5*time.Millisecond)
	h.engine.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("retry engine did not stop")
	}
	assert.False(t, h.engine.Running())
}

func TestEmitter_DefenseBlocked(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ep := newEndpoint(t, http.StatusOK)
	h.subscribe(t, "m1", EventDefenseBlocked, ep.srv.URL)

	NewEmitter(h.d, quietLogger()).DefenseBlocked(context.Background(), "m1", map[string]any{"ruleId": "rule_1"})
	NewEmitter(h.d, quietLogger()).DefenseBlocked(context.Background(), "", map[string]any{"ruleId": "rule_1"})

	require.Equal(t, int32(1), ep.calls.Load())
	var p map[string]any
	require.NoError(t, json.Unmarshal(ep.bodies[0], &p))
	assert.Equal(t, "defense.blocked", p["eventType"])
	assert.Equal(t, "rule_1", p["data"].(map[string]any)["ruleId"])
}

func TestHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := newHarness(t, DefaultConfig())
	ep := newEndpoint(t, http.StatusOK)

	r := gin.New()
	NewHandler(h.store, h.d).RegisterRoutes(r.Group("/v1"))
	do := func(method, path, body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		r.ServeHTTP(w, req)
		return w
	}

	w := do("POST", "/v1/merchants/m1/webhooks", `{"url":"`+ep.srv.URL+`","eventType":"giftcard.redeemed"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Webhook Subscription `json:"webhook"`
		Secret  string       `json:"secret"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Len(t, created.Secret, 64)
	assert.NotContains(t, w.Body.String(), `"Secret"`)

	w = do("POST", "/v1/webhooks/events", `{"eventType":"giftcard.redeemed","merchantId":"m1","gan":"7783-3200-0000-1234","amount":"10.00"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"DELIVERED"`)
	require.Equal(t, int32(1), ep.calls.Load())
	assert.True(t, Verify(ep.bodies[0], created.Secret, ep.headers[0].Get(HeaderSignature)))

	w = do("POST", "/v1/webhooks/events", `{"eventType":"giftcard.redeemed","merchantId":"m 1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do("POST", "/v1/webhooks/events", `{"merchantId":"m1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do("GET", "/v1/merchants/m1/webhooks", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), created.Webhook.ID)

	w = do("GET", "/v1/webhooks/deliveries/dlv_missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do("DELETE", "/v1/merchants/m2/webhooks/"+created.Webhook.ID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = do("DELETE", "/v1/merchants/m1/webhooks/"+created.Webhook.ID, "")
	assert.Equal(t, http.StatusOK, w.Code)
}
