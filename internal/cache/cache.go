// Package cache implements the multi-tier response cache: an in-process
// memory tier backed by Ristretto, a distributed Redis tier and a durable
// bbolt tier. Reads walk tiers fastest-first and backfill faster tiers
// asynchronously; writes hit the fastest tier synchronously and propagate to
// slower tiers best-effort.
package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/270aldo/ngx-orchestrator/internal/envelope"
)

// Entry is one stored response.
type Entry struct {
	Fingerprint string            `json:"fingerprint"`
	Payload     envelope.Response `json:"payload"`
	StoredAt    time.Time         `json:"stored_at"`
	TTL         time.Duration     `json:"ttl"`
	Tags        []string          `json:"tags,omitempty"`
}

// Expired reports whether the entry has outlived its TTL.
func (e *Entry) Expired() bool {
	return e.TTL > 0 && time.Since(e.StoredAt) >= e.TTL
}

// Remaining returns the TTL left on the entry, or zero if expired.
func (e *Entry) Remaining() time.Duration {
	if e.TTL <= 0 {
		return 0
	}
	left := e.TTL - time.Since(e.StoredAt)
	if left < 0 {
		return 0
	}
	return left
}

// Tier is one cache layer. Implementations enforce their own TTL and
// capacity policy and must be safe for concurrent use.
type Tier interface {
	Name() string
	Get(ctx context.Context, fingerprint string) (*Entry, bool)
	Put(ctx context.Context, e *Entry) error
	Delete(ctx context.Context, fingerprint string) error
	InvalidateTag(ctx context.Context, tag string) error
	Close() error
}

// HitFunc observes tier hits and misses for metrics.
type HitFunc func(tier string, hit bool)

// Manager coordinates the tier stack, ordered fastest first.
type Manager struct {
	tiers  []Tier
	logger *zap.Logger
	onHit  HitFunc
}

// NewManager creates a cache manager over the given tiers, fastest first.
// onHit may be nil.
func NewManager(tiers []Tier, logger *zap.Logger, onHit HitFunc) *Manager {
	names := make([]string, len(tiers))
	for i, t := range tiers {
		names[i] = t.Name()
	}
	logger.Info("Cache manager initialized", zap.Strings("tiers", names))
	return &Manager{tiers: tiers, logger: logger, onHit: onHit}
}

// Get looks fingerprint up tier by tier. A hit in a slower tier backfills
// every faster tier asynchronously with the entry's remaining TTL; the
// caller never waits on backfill.
func (m *Manager) Get(ctx context.Context, fingerprint string) (*Entry, bool) {
	for i, tier := range m.tiers {
		e, ok := tier.Get(ctx, fingerprint)
		if !ok || e.Expired() {
			m.observe(tier.Name(), false)
			continue
		}
		m.observe(tier.Name(), true)

		if i > 0 {
			faster := m.tiers[:i]
			go m.backfill(faster, e)
		}
		return e, true
	}
	return nil, false
}

// Put writes the entry to the fastest tier synchronously, then propagates to
// slower tiers in the background. Correctness depends only on the tier an
// entry is read from honoring its own TTL, not on every tier converging.
func (m *Manager) Put(ctx context.Context, e *Entry) error {
	if len(m.tiers) == 0 {
		return nil
	}
	if e.StoredAt.IsZero() {
		e.StoredAt = time.Now()
	}
	if err := m.tiers[0].Put(ctx, e); err != nil {
		return err
	}
	for _, tier := range m.tiers[1:] {
		go func(t Tier) {
			wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := t.Put(wctx, e); err != nil {
				m.logger.Warn("Cache propagation failed",
					zap.String("tier", t.Name()),
					zap.String("fingerprint", e.Fingerprint),
					zap.Error(err))
			}
		}(tier)
	}
	return nil
}

// InvalidateTag removes all entries carrying tag: synchronously on the
// fastest tier, asynchronously on the rest.
func (m *Manager) InvalidateTag(ctx context.Context, tag string) error {
	if len(m.tiers) == 0 {
		return nil
	}
	if err := m.tiers[0].InvalidateTag(ctx, tag); err != nil {
		return err
	}
	for _, tier := range m.tiers[1:] {
		go func(t Tier) {
			wctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := t.InvalidateTag(wctx, tag); err != nil {
				m.logger.Warn("Tag invalidation failed",
					zap.String("tier", t.Name()),
					zap.String("tag", tag),
					zap.Error(err))
			}
		}(tier)
	}
	return nil
}

// Close shuts down every tier.
func (m *Manager) Close() {
	for _, t := range m.tiers {
		if err := t.Close(); err != nil {
			m.logger.Warn("Cache tier close failed", zap.String("tier", t.Name()), zap.Error(err))
		}
	}
}

func (m *Manager) backfill(faster []Tier, e *Entry) {
	remaining := e.Remaining()
	if remaining <= 0 && e.TTL > 0 {
		return
	}
	// Backfilled copies carry the remaining TTL so a fast tier can never
	// outlive the authoritative entry.
	copy := *e
	copy.TTL = remaining
	copy.StoredAt = time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, t := range faster {
		if err := t.Put(ctx, &copy); err != nil {
			m.logger.Debug("Cache backfill failed",
				zap.String("tier", t.Name()),
				zap.String("fingerprint", e.Fingerprint),
				zap.Error(err))
		}
	}
}

func (m *Manager) observe(tier string, hit bool) {
	if m.onHit != nil {
		m.onHit(tier, hit)
	}
}
