package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/270aldo/ngx-orchestrator/internal/envelope"
)

// fakeTier is an in-memory Tier with observable writes for manager tests.
type fakeTier struct {
	name string

	mu      sync.Mutex
	entries map[string]*Entry
	puts    int
}

func newFakeTier(name string) *fakeTier {
	return &fakeTier{name: name, entries: make(map[string]*Entry)}
}

func (t *fakeTier) Name() string { return t.name }

func (t *fakeTier) Get(_ context.Context, fp string) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[fp]
	return e, ok
}

func (t *fakeTier) Put(_ context.Context, e *Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	copy := *e
	t.entries[e.Fingerprint] = &copy
	t.puts++
	return nil
}

func (t *fakeTier) Delete(_ context.Context, fp string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, fp)
	return nil
}

func (t *fakeTier) InvalidateTag(_ context.Context, tag string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for fp, e := range t.entries {
		for _, et := range e.Tags {
			if et == tag {
				delete(t.entries, fp)
				break
			}
		}
	}
	return nil
}

func (t *fakeTier) Close() error { return nil }

func (t *fakeTier) putCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.puts
}

func testEntry(fp, text string, ttl time.Duration) *Entry {
	return &Entry{
		Fingerprint: fp,
		Payload:     envelope.Response{AgentID: "blaze", Text: text},
		StoredAt:    time.Now(),
		TTL:         ttl,
		Tags:        []string{"user:u1"},
	}
}

func TestManagerGetWalksTiers(t *testing.T) {
	fast := newFakeTier("memory")
	slow := newFakeTier("redis")
	m := NewManager([]Tier{fast, slow}, zaptest.NewLogger(t), nil)

	ctx := context.Background()
	require.NoError(t, slow.Put(ctx, testEntry("fp1", "hello", time.Minute)))

	e, ok := m.Get(ctx, "fp1")
	require.True(t, ok)
	assert.Equal(t, "hello", e.Payload.Text)
}

func TestManagerBackfillsFasterTiers(t *testing.T) {
	fast := newFakeTier("memory")
	slow := newFakeTier("redis")
	m := NewManager([]Tier{fast, slow}, zaptest.NewLogger(t), nil)

	ctx := context.Background()
	require.NoError(t, slow.Put(ctx, testEntry("fp1", "hello", time.Minute)))

	_, ok := m.Get(ctx, "fp1")
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		_, ok := fast.Get(ctx, "fp1")
		return ok
	}, time.Second, 10*time.Millisecond, "slower-tier hit should backfill the memory tier")

	// The backfilled copy carries the remaining TTL, never the original.
	e, _ := fast.Get(ctx, "fp1")
	assert.LessOrEqual(t, e.TTL, time.Minute)
	assert.Greater(t, e.TTL, time.Duration(0))
}

func TestManagerPutPropagates(t *testing.T) {
	fast := newFakeTier("memory")
	slow := newFakeTier("redis")
	m := NewManager([]Tier{fast, slow}, zaptest.NewLogger(t), nil)

	ctx := context.Background()
	require.NoError(t, m.Put(ctx, testEntry("fp1", "hello", time.Minute)))

	// Fastest tier is written synchronously.
	_, ok := fast.Get(ctx, "fp1")
	assert.True(t, ok)

	assert.Eventually(t, func() bool {
		_, ok := slow.Get(ctx, "fp1")
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestManagerSkipsExpiredEntries(t *testing.T) {
	fast := newFakeTier("memory")
	m := NewManager([]Tier{fast}, zaptest.NewLogger(t), nil)

	ctx := context.Background()
	e := testEntry("fp1", "stale", 10*time.Millisecond)
	e.StoredAt = time.Now().Add(-time.Second)
	require.NoError(t, fast.Put(ctx, e))

	_, ok := m.Get(ctx, "fp1")
	assert.False(t, ok)
}

func TestManagerInvalidateTag(t *testing.T) {
	fast := newFakeTier("memory")
	slow := newFakeTier("redis")
	m := NewManager([]Tier{fast, slow}, zaptest.NewLogger(t), nil)

	ctx := context.Background()
	require.NoError(t, m.Put(ctx, testEntry("fp1", "hello", time.Minute)))
	require.Eventually(t, func() bool {
		_, ok := slow.Get(ctx, "fp1")
		return ok
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, m.InvalidateTag(ctx, "user:u1"))

	_, ok := fast.Get(ctx, "fp1")
	assert.False(t, ok)
	assert.Eventually(t, func() bool {
		_, ok := slow.Get(ctx, "fp1")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestManagerObservesHitsAndMisses(t *testing.T) {
	fast := newFakeTier("memory")
	slow := newFakeTier("redis")

	type obs struct {
		tier string
		hit  bool
	}
	var mu sync.Mutex
	var seen []obs
	m := NewManager([]Tier{fast, slow}, zaptest.NewLogger(t), func(tier string, hit bool) {
		mu.Lock()
		seen = append(seen, obs{tier, hit})
		mu.Unlock()
	})

	ctx := context.Background()
	require.NoError(t, slow.Put(ctx, testEntry("fp1", "hello", time.Minute)))
	m.Get(ctx, "fp1")
	m.Get(ctx, "missing")

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, obs{"memory", false})
	assert.Contains(t, seen, obs{"redis", true})
	assert.Contains(t, seen, obs{"redis", false})
}

func TestEntryRemaining(t *testing.T) {
	e := &Entry{StoredAt: time.Now().Add(-30 * time.Second), TTL: time.Minute}
	rem := e.Remaining()
	assert.Greater(t, rem, 25*time.Second)
	assert.LessOrEqual(t, rem, 30*time.Second)

	e = &Entry{StoredAt: time.Now().Add(-2 * time.Minute), TTL: time.Minute}
	assert.True(t, e.Expired())
	assert.Equal(t, time.Duration(0), e.Remaining())
}
