// Package ratelimit admits or denies requests per (user, endpoint) with
// token buckets differentiated by subscription tier. Buckets refill lazily;
// a denial carries a retry-after hint derived from the refill rate.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/270aldo/ngx-orchestrator/internal/errs"
)

// Tier is a user subscription level.
type Tier string

const (
	TierFree  Tier = "free"
	TierPro   Tier = "pro"
	TierElite Tier = "elite"
	TierPrime Tier = "prime"
)

// Limit is the bucket shape for one tier.
type Limit struct {
	// Capacity is the bucket size: the largest burst admitted from a full
	// bucket.
	Capacity int
	// RefillPerSecond is the steady-state admission rate.
	RefillPerSecond float64
}

// DefaultLimits returns the per-tier bucket configuration. Values are
// deployment configuration, not protocol.
func DefaultLimits() map[Tier]Limit {
	return map[Tier]Limit{
		TierFree:  {Capacity: 5, RefillPerSecond: 0.5},
		TierPro:   {Capacity: 20, RefillPerSecond: 2},
		TierElite: {Capacity: 60, RefillPerSecond: 6},
		TierPrime: {Capacity: 240, RefillPerSecond: 24},
	}
}

// TierSource resolves a user's tier, typically backed by the entitlement
// store. Unknown users resolve to TierFree.
type TierSource interface {
	TierOf(ctx context.Context, userID string) Tier
}

// TierSourceFunc adapts a function to the TierSource interface.
type TierSourceFunc func(ctx context.Context, userID string) Tier

// TierOf implements TierSource.
func (f TierSourceFunc) TierOf(ctx context.Context, userID string) Tier {
	return f(ctx, userID)
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Tier       Tier
	RetryAfter time.Duration
}

// Admitter is the admission-control contract consumed by the orchestrator.
type Admitter interface {
	// Allow checks and consumes one token for (userID, endpoint). A
	// denial returns a typed RateLimited error alongside the decision.
	Allow(ctx context.Context, userID, endpoint string) (Decision, error)
}

// RejectFunc observes denials, keyed by tier.
type RejectFunc func(tier Tier)

// Limiter is the in-process Admitter: one lazily created token bucket per
// (user, endpoint) key. Refill is handled by x/time/rate arithmetic on each
// check; no timers run per bucket.
type Limiter struct {
	limits   map[Tier]Limit
	tiers    TierSource
	logger   *zap.Logger
	onReject RejectFunc

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter *rate.Limiter
	tier    Tier
}

// NewLimiter creates an in-process limiter. limits may be nil for defaults;
// onReject may be nil.
func NewLimiter(limits map[Tier]Limit, tiers TierSource, logger *zap.Logger, onReject RejectFunc) *Limiter {
	if limits == nil {
		limits = DefaultLimits()
	}
	return &Limiter{
		limits:   limits,
		tiers:    tiers,
		logger:   logger,
		onReject: onReject,
		buckets:  make(map[string]*bucket),
	}
}

// Allow implements Admitter.
func (l *Limiter) Allow(ctx context.Context, userID, endpoint string) (Decision, error) {
	tier := TierFree
	if l.tiers != nil {
		tier = l.tiers.TierOf(ctx, userID)
	}
	limit, ok := l.limits[tier]
	if !ok {
		tier = TierFree
		limit = l.limits[TierFree]
	}

	key := userID + "|" + endpoint
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok || b.tier != tier {
		// New key, or the user's tier changed since the bucket was made.
		b = &bucket{
			limiter: rate.NewLimiter(rate.Limit(limit.RefillPerSecond), limit.Capacity),
			tier:    tier,
		}
		l.buckets[key] = b
	}
	l.mu.Unlock()

	if b.limiter.Allow() {
		return Decision{Allowed: true, Tier: tier}, nil
	}

	retryAfter := time.Duration(float64(time.Second) / limit.RefillPerSecond)
	l.logger.Debug("Rate limit denied",
		zap.String("user_id", userID),
		zap.String("endpoint", endpoint),
		zap.String("tier", string(tier)),
		zap.Duration("retry_after", retryAfter))
	if l.onReject != nil {
		l.onReject(tier)
	}

	d := Decision{Allowed: false, Tier: tier, RetryAfter: retryAfter}
	return d, &errs.RateLimited{
		UserID:     userID,
		Endpoint:   endpoint,
		Tier:       string(tier),
		RetryAfter: retryAfter,
	}
}

// Stats returns limiter statistics for the stats endpoint.
func (l *Limiter) Stats() map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return map[string]any{
		"buckets": len(l.buckets),
		"tiers":   len(l.limits),
	}
}
