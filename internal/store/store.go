// Package store is the boundary to the persistent key/value collaborator.
// The orchestration core only needs simple get/put access: the rate limiter
// reads user entitlements through it.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/270aldo/ngx-orchestrator/internal/ratelimit"
)

// ErrNotFound is returned when a key has no value.
var ErrNotFound = errors.New("store: key not found")

// KV is a minimal key-based get/put interface over the persistent store.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, value string, ttl time.Duration) error
}

// RedisKV backs KV with Redis.
type RedisKV struct {
	client *redis.Client
}

// NewRedisKV creates a Redis-backed KV.
func NewRedisKV(client *redis.Client) *RedisKV {
	return &RedisKV{client: client}
}

// Get implements KV.
func (s *RedisKV) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// Put implements KV.
func (s *RedisKV) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

// MemoryKV is an in-process KV for single-process deployments and tests.
type MemoryKV struct {
	mu sync.RWMutex
	m  map[string]memEntry
}

type memEntry struct {
	value     string
	expiresAt time.Time
}

// NewMemoryKV creates an empty in-memory KV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{m: make(map[string]memEntry)}
}

// Get implements KV.
func (s *MemoryKV) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	e, ok := s.m[key]
	s.mu.RUnlock()
	if !ok {
		return "", ErrNotFound
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.m, key)
		s.mu.Unlock()
		return "", ErrNotFound
	}
	return e.value, nil
}

// Put implements KV.
func (s *MemoryKV) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	s.mu.Lock()
	s.m[key] = memEntry{value: value, expiresAt: exp}
	s.mu.Unlock()
	return nil
}

// Entitlements resolves user subscription tiers from the persistent store.
// It implements ratelimit.TierSource.
type Entitlements struct {
	kv     KV
	logger *zap.Logger
}

// NewEntitlements creates a tier source reading from kv.
func NewEntitlements(kv KV, logger *zap.Logger) *Entitlements {
	return &Entitlements{kv: kv, logger: logger}
}

// TierKey is the store key holding a user's tier.
func TierKey(userID string) string {
	return "entitlement:tier:" + userID
}

// TierOf implements ratelimit.TierSource. Missing or unreadable entitlements
// resolve to the free tier.
func (e *Entitlements) TierOf(ctx context.Context, userID string) ratelimit.Tier {
	val, err := e.kv.Get(ctx, TierKey(userID))
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			e.logger.Warn("Entitlement lookup failed, defaulting to free tier",
				zap.String("user_id", userID), zap.Error(err))
		}
		return ratelimit.TierFree
	}
	switch t := ratelimit.Tier(val); t {
	case ratelimit.TierFree, ratelimit.TierPro, ratelimit.TierElite, ratelimit.TierPrime:
		return t
	}
	return ratelimit.TierFree
}
