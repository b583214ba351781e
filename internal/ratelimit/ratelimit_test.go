package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/270aldo/ngx-orchestrator/internal/errs"
)

func fixedTier(tier Tier) TierSource {
	return TierSourceFunc(func(context.Context, string) Tier { return tier })
}

func TestAllowWithinCapacity(t *testing.T) {
	limits := map[Tier]Limit{TierFree: {Capacity: 3, RefillPerSecond: 1}}
	l := NewLimiter(limits, fixedTier(TierFree), zaptest.NewLogger(t), nil)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, "u1", "blaze")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, TierFree, d.Tier)
	}
}

func TestDenyBeyondCapacity(t *testing.T) {
	limits := map[Tier]Limit{TierFree: {Capacity: 2, RefillPerSecond: 0.5}}
	rejected := 0
	l := NewLimiter(limits, fixedTier(TierFree), zaptest.NewLogger(t), func(Tier) { rejected++ })

	ctx := context.Background()
	l.Allow(ctx, "u1", "blaze")
	l.Allow(ctx, "u1", "blaze")

	d, err := l.Allow(ctx, "u1", "blaze")
	assert.False(t, d.Allowed)
	assert.Equal(t, 2*time.Second, d.RetryAfter)
	assert.Equal(t, 1, rejected)

	var rl *errs.RateLimited
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, "u1", rl.UserID)
	assert.Equal(t, "blaze", rl.Endpoint)
	assert.Equal(t, "free", rl.Tier)
	assert.Equal(t, 2*time.Second, rl.RetryAfter)
}

func TestBucketsAreIndependentPerUserAndEndpoint(t *testing.T) {
	limits := map[Tier]Limit{TierFree: {Capacity: 1, RefillPerSecond: 0.1}}
	l := NewLimiter(limits, fixedTier(TierFree), zaptest.NewLogger(t), nil)

	ctx := context.Background()
	d, _ := l.Allow(ctx, "u1", "blaze")
	require.True(t, d.Allowed)
	d, _ = l.Allow(ctx, "u1", "blaze")
	require.False(t, d.Allowed)

	// One user exhausting their bucket must not starve anyone else, nor the
	// same user on another agent.
	d, _ = l.Allow(ctx, "u2", "blaze")
	assert.True(t, d.Allowed)
	d, _ = l.Allow(ctx, "u1", "sage")
	assert.True(t, d.Allowed)
}

func TestRefillAdmitsAgain(t *testing.T) {
	limits := map[Tier]Limit{TierFree: {Capacity: 1, RefillPerSecond: 50}}
	l := NewLimiter(limits, fixedTier(TierFree), zaptest.NewLogger(t), nil)

	ctx := context.Background()
	d, _ := l.Allow(ctx, "u1", "blaze")
	require.True(t, d.Allowed)
	d, _ = l.Allow(ctx, "u1", "blaze")
	require.False(t, d.Allowed)

	time.Sleep(40 * time.Millisecond)
	d, _ = l.Allow(ctx, "u1", "blaze")
	assert.True(t, d.Allowed)
}

func TestTierChangeRebuildsBucket(t *testing.T) {
	limits := map[Tier]Limit{
		TierFree: {Capacity: 1, RefillPerSecond: 0.1},
		TierPro:  {Capacity: 10, RefillPerSecond: 1},
	}
	current := TierFree
	source := TierSourceFunc(func(context.Context, string) Tier { return current })
	l := NewLimiter(limits, source, zaptest.NewLogger(t), nil)

	ctx := context.Background()
	l.Allow(ctx, "u1", "blaze")
	d, _ := l.Allow(ctx, "u1", "blaze")
	require.False(t, d.Allowed)

	// Upgrade takes effect on the next check.
	current = TierPro
	d, _ = l.Allow(ctx, "u1", "blaze")
	assert.True(t, d.Allowed)
	assert.Equal(t, TierPro, d.Tier)
}

func TestUnknownTierFallsBackToFree(t *testing.T) {
	l := NewLimiter(nil, fixedTier(Tier("platinum")), zaptest.NewLogger(t), nil)
	d, err := l.Allow(context.Background(), "u1", "blaze")
	require.NoError(t, err)
	assert.Equal(t, TierFree, d.Tier)
}

func TestDefaultLimitsOrdering(t *testing.T) {
	limits := DefaultLimits()
	assert.Less(t, limits[TierFree].Capacity, limits[TierPro].Capacity)
	assert.Less(t, limits[TierPro].Capacity, limits[TierElite].Capacity)
	assert.Less(t, limits[TierElite].Capacity, limits[TierPrime].Capacity)
}

func TestWindowFor(t *testing.T) {
	assert.Equal(t, 10*time.Second, windowFor(Limit{Capacity: 5, RefillPerSecond: 0.5}))
	assert.Equal(t, time.Second, windowFor(Limit{Capacity: 1, RefillPerSecond: 100}))
	assert.Equal(t, time.Minute, windowFor(Limit{Capacity: 5}))
}
