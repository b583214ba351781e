package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestBoltTierPutGet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	tier, err := NewBoltTier(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer tier.Close()

	ctx := context.Background()
	require.NoError(t, tier.Put(ctx, testEntry("fp1", "hello", time.Minute)))

	e, ok := tier.Get(ctx, "fp1")
	require.True(t, ok)
	assert.Equal(t, "hello", e.Payload.Text)

	_, ok = tier.Get(ctx, "missing")
	assert.False(t, ok)
}

func TestBoltTierSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	logger := zaptest.NewLogger(t)

	tier, err := NewBoltTier(path, logger)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, tier.Put(ctx, testEntry("fp1", "persisted", time.Hour)))
	require.NoError(t, tier.Close())

	reopened, err := NewBoltTier(path, logger)
	require.NoError(t, err)
	defer reopened.Close()

	e, ok := reopened.Get(ctx, "fp1")
	require.True(t, ok, "entries must survive a restart")
	assert.Equal(t, "persisted", e.Payload.Text)
}

func TestBoltTierExpiresOnRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	tier, err := NewBoltTier(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer tier.Close()

	ctx := context.Background()
	e := testEntry("fp1", "stale", 10*time.Millisecond)
	e.StoredAt = time.Now().Add(-time.Second)
	require.NoError(t, tier.Put(ctx, e))

	_, ok := tier.Get(ctx, "fp1")
	assert.False(t, ok)
}

func TestBoltTierInvalidateTag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	tier, err := NewBoltTier(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer tier.Close()

	ctx := context.Background()
	a := testEntry("fp1", "one", time.Minute)
	b := testEntry("fp2", "two", time.Minute)
	b.Tags = []string{"user:u1", "agent:sage"}
	c := testEntry("fp3", "three", time.Minute)
	c.Tags = []string{"user:u2"}
	for _, e := range []*Entry{a, b, c} {
		require.NoError(t, tier.Put(ctx, e))
	}

	require.NoError(t, tier.InvalidateTag(ctx, "user:u1"))

	_, ok := tier.Get(ctx, "fp1")
	assert.False(t, ok)
	_, ok = tier.Get(ctx, "fp2")
	assert.False(t, ok)
	_, ok = tier.Get(ctx, "fp3")
	assert.True(t, ok)
}
