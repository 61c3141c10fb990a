package webhooks

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/mbd888/giftguard/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_QueueLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	sub := &Subscription{
		ID: "wh_pg1", MerchantID: "m1", EventType: EventGiftCardRedeemed,
		URL: "https://example.com/hook", Secret: "s3cret", Enabled: true, CreatedAt: t0,
	}
	require.NoError(t, store.CreateSubscription(ctx, sub))
	subs, err := store.ListSubscriptions(ctx, "m1", EventGiftCardRedeemed)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "s3cret", subs[0].Secret)

	del := &Delivery{
		ID: "dlv_pg1", SubscriptionID: sub.ID, MerchantID: "m1", EventType: EventGiftCardRedeemed,
		Payload: []byte(`{"eventType":"giftcard.redeemed"}`), Status: StatusPending,
		CreatedAt: t0, UpdatedAt: t0,
	}
	require.NoError(t, store.CreateDelivery(ctx, del))

	del.Status = StatusQueued
	del.StatusCode = intPtr(503)
	require.NoError(t, store.Enqueue(ctx, del, &RetryEntry{
		MerchantID: "m1", NextRetryAt: t0.Add(30 * time.Second), LastStatus: "503",
	}, ""))

	n, err := store.CountQueued(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	claimed, err := store.ClaimDue(ctx, t0.Add(time.Minute), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	token := claimed[0].ClaimToken
	assert.NotEmpty(t, token)

	again, err := store.ClaimDue(ctx, t0.Add(90*time.Second), 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again)

	del.Status = StatusFailed
	del.RetryCount = 1
	failure := &FailureEntry{
		ID: "whf_pg1", DeliveryID: del.ID, MerchantID: "m1", EventType: del.EventType,
		StatusCode: intPtr(503), ErrorMessage: "HTTP 503", RetryCount: 1, FailedAt: t0.Add(time.Minute),
	}
	assert.ErrorIs(t, store.Complete(ctx, del, failure, "stale"), ErrClaimLost)
	require.NoError(t, store.Complete(ctx, del, failure, token))

	_, err = store.GetRetryEntry(ctx, del.ID)
	assert.ErrorIs(t, err, ErrNotQueued)
	got, err := store.GetDelivery(ctx, del.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.JSONEq(t, `{"eventType":"giftcard.redeemed"}`, string(got.Payload))

	// reopening writes over the same entry
	failure.ID = "whf_pg2"
	failure.ErrorMessage = "HTTP 500"
	require.NoError(t, store.Complete(ctx, del, failure, ""))
	list, err := store.ListFailures(ctx, FailureFilter{MerchantID: "m1"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "HTTP 500", list[0].ErrorMessage)

	changed, err := store.ResolveFailure(ctx, list[0].ID, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = store.ResolveFailure(ctx, list[0].ID, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestRedisLocker(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping integration test")
	}
	ctx := context.Background()
	client, err := ConnectRedis(ctx, url)
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	l := NewRedisLocker(client, "giftguard:test:lock:", quietLogger())
	key := "dlv_redis_" + time.Now().Format("150405.000000")

	unlock, ok, err := l.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	unlock()
	relock, ok, err := l.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	relock()
}
