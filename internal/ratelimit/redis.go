package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/270aldo/ngx-orchestrator/internal/errs"
)

// RedisLimiter is the shared-counter Admitter for multi-process deployments.
// It approximates each tier's bucket with a fixed window sized to the
// bucket's drain horizon: Capacity admissions per Capacity/RefillPerSecond
// seconds, window-aligned so every process agrees on bucket boundaries.
//
// Redis errors fail open: an unreachable counter store must not take down
// admission.
type RedisLimiter struct {
	client   *redis.Client
	limits   map[Tier]Limit
	tiers    TierSource
	logger   *zap.Logger
	onReject RejectFunc
}

// NewRedisLimiter creates a Redis-backed limiter. limits may be nil for
// defaults; onReject may be nil.
func NewRedisLimiter(client *redis.Client, limits map[Tier]Limit, tiers TierSource, logger *zap.Logger, onReject RejectFunc) *RedisLimiter {
	if limits == nil {
		limits = DefaultLimits()
	}
	return &RedisLimiter{
		client:   client,
		limits:   limits,
		tiers:    tiers,
		logger:   logger,
		onReject: onReject,
	}
}

// Allow implements Admitter.
func (l *RedisLimiter) Allow(ctx context.Context, userID, endpoint string) (Decision, error) {
	tier := TierFree
	if l.tiers != nil {
		tier = l.tiers.TierOf(ctx, userID)
	}
	limit, ok := l.limits[tier]
	if !ok {
		tier = TierFree
		limit = l.limits[TierFree]
	}

	window := windowFor(limit)
	now := time.Now()
	windowStart := now.Truncate(window)
	key := fmt.Sprintf("ratelimit:%s:%s:%d", userID, endpoint, windowStart.Unix())

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warn("Rate limit counter unavailable, failing open", zap.Error(err))
		return Decision{Allowed: true, Tier: tier}, nil
	}
	if count == 1 {
		// First hit in this window owns the expiry.
		l.client.Expire(ctx, key, window)
	}

	if count <= int64(limit.Capacity) {
		return Decision{Allowed: true, Tier: tier}, nil
	}

	retryAfter := windowStart.Add(window).Sub(now)
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

// Reset clears all counters for a user. Used by support tooling.
func (l *RedisLimiter) Reset(ctx context.Context, userID string) error {
	pattern := fmt.Sprintf("ratelimit:%s:*", userID)
	iter := l.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		l.client.Del(ctx, iter.Val())
	}
	return iter.Err()
}

// Stats returns limiter statistics for the stats endpoint.
func (l *RedisLimiter) Stats() map[string]any {
	return map[string]any{
		"backend": "redis",
		"tiers":   len(l.limits),
	}
}

func windowFor(limit Limit) time.Duration {
	if limit.RefillPerSecond <= 0 {
		return time.Minute
	}
	w := time.Duration(float64(limit.Capacity) / limit.RefillPerSecond * float64(time.Second))
	if w < time.Second {
		w = time.Second
	}
	return w
}
