package cache

import (
	"context"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

// MemoryConfig holds the in-process tier configuration.
type MemoryConfig struct {
	MaxCost     int64 // Maximum cache size in bytes
	NumCounters int64 // Counters for cost estimation
	BufferItems int64 // Keys per Get buffer
	TagIndexLen int   // Bounded size of the tag index
	TagIndexTTL time.Duration
}

// DefaultMemoryConfig returns sensible defaults.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		MaxCost:     64 * 1024 * 1024,
		NumCounters: 1e6,
		BufferItems: 64,
		TagIndexLen: 4096,
		TagIndexTTL: time.Hour,
	}
}

// MemoryTier is the fastest tier: a Ristretto cache with per-entry TTL plus
// a bounded LRU tag index for bulk invalidation.
type MemoryTier struct {
	cache  *ristretto.Cache
	logger *zap.Logger

	tagMu sync.Mutex
	tags  *expirable.LRU[string, map[string]struct{}]
}

// NewMemoryTier creates the in-process tier.
func NewMemoryTier(cfg MemoryConfig, logger *zap.Logger) (*MemoryTier, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
	})
	if err != nil {
		return nil, err
	}
	return &MemoryTier{
		cache:  c,
		logger: logger,
		tags:   expirable.NewLRU[string, map[string]struct{}](cfg.TagIndexLen, nil, cfg.TagIndexTTL),
	}, nil
}

// Name implements Tier.
func (t *MemoryTier) Name() string { return "memory" }

// Get implements Tier.
func (t *MemoryTier) Get(_ context.Context, fingerprint string) (*Entry, bool) {
	val, found := t.cache.Get(fingerprint)
	if !found {
		return nil, false
	}
	e, ok := val.(*Entry)
	if !ok || e.Expired() {
		return nil, false
	}
	return e, true
}

// Put implements Tier. The write is synchronous: Ristretto's buffered writes
// are flushed before returning so an immediate Get observes the entry.
func (t *MemoryTier) Put(_ context.Context, e *Entry) error {
	cost := int64(len(e.Payload.Text)) + 64
	t.cache.SetWithTTL(e.Fingerprint, e, cost, e.TTL)
	t.cache.Wait()

	if len(e.Tags) > 0 {
		t.tagMu.Lock()
		for _, tag := range e.Tags {
			set, ok := t.tags.Get(tag)
			if !ok {
				set = make(map[string]struct{})
			}
			set[e.Fingerprint] = struct{}{}
			t.tags.Add(tag, set)
		}
		t.tagMu.Unlock()
	}
	return nil
}

// Delete implements Tier.
func (t *MemoryTier) Delete(_ context.Context, fingerprint string) error {
	t.cache.Del(fingerprint)
	return nil
}

// InvalidateTag implements Tier.
func (t *MemoryTier) InvalidateTag(_ context.Context, tag string) error {
	t.tagMu.Lock()
	set, ok := t.tags.Get(tag)
	if ok {
		t.tags.Remove(tag)
	}
	t.tagMu.Unlock()
	if !ok {
		return nil
	}
	for fp := range set {
		t.cache.Del(fp)
	}
	return nil
}

// Close implements Tier.
func (t *MemoryTier) Close() error {
	t.cache.Close()
	return nil
}
