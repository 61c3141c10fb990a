package defense

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/giftguard/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_Lifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	rule := &Rule{
		ID: "rule_pg1", Type: TypeIP, Value: "203.0.113.7", Reason: "invalid_gan",
		Confidence: 82.5, IsActive: true, Source: SourceCluster, CreatedAt: t0, UpdatedAt: t0,
	}
	require.NoError(t, store.Create(ctx, rule))

	dup := *rule
	dup.ID = "rule_pg2"
	assert.ErrorIs(t, store.Create(ctx, &dup), ErrDuplicateActive)

	require.NoError(t, store.RecordHit(ctx, rule.ID, t0.Add(time.Minute)))
	require.NoError(t, store.RecordHit(ctx, rule.ID, t0.Add(30*time.Second)))

	got, err := store.FindActive(ctx, TypeIP, "203.0.113.7")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.HitCount)
	require.NotNil(t, got.LastTriggered)
	assert.True(t, got.LastTriggered.Equal(t0.Add(time.Minute)))

	got.Confidence = 90
	got.UpdatedAt = t0.Add(time.Hour)
	require.NoError(t, store.Update(ctx, got))

	changed, err := store.Deactivate(ctx, rule.ID, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = store.Deactivate(ctx, rule.ID, t0.Add(3*time.Hour))
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = store.FindActive(ctx, TypeIP, "203.0.113.7")
	assert.ErrorIs(t, err, ErrRuleNotFound)

	// the pair is free again once the old rule is inactive
	require.NoError(t, store.Create(ctx, &dup))

	all, err := store.List(ctx, ListFilter{Type: TypeIP})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}
