package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/270aldo/ngx-orchestrator/internal/jsonx"
)

// RedisTier is the distributed tier shared by all orchestrator processes.
// Entries expire server-side via Redis TTLs; tags are kept as sets alongside
// the entries they index.
type RedisTier struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisTier creates the distributed tier.
func NewRedisTier(client *redis.Client, logger *zap.Logger) *RedisTier {
	return &RedisTier{client: client, logger: logger}
}

// Name implements Tier.
func (t *RedisTier) Name() string { return "redis" }

func entryKey(fingerprint string) string { return "cache:resp:" + fingerprint }
func tagKey(tag string) string           { return "cache:tag:" + tag }

// Get implements Tier.
func (t *RedisTier) Get(ctx context.Context, fingerprint string) (*Entry, bool) {
	data, err := t.client.Get(ctx, entryKey(fingerprint)).Result()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		t.logger.Warn("Redis cache read failed", zap.Error(err))
		return nil, false
	}
	var e Entry
	if err := jsonx.UnmarshalFromString(data, &e); err != nil {
		t.logger.Warn("Corrupt cache entry dropped", zap.String("fingerprint", fingerprint), zap.Error(err))
		t.client.Del(ctx, entryKey(fingerprint))
		return nil, false
	}
	if e.Expired() {
		return nil, false
	}
	return &e, true
}

// Put implements Tier.
func (t *RedisTier) Put(ctx context.Context, e *Entry) error {
	data, err := jsonx.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	pipe := t.client.Pipeline()
	pipe.Set(ctx, entryKey(e.Fingerprint), data, e.TTL)
	for _, tag := range e.Tags {
		pipe.SAdd(ctx, tagKey(tag), e.Fingerprint)
		// Tag sets outlive their newest member by the member's TTL.
		pipe.Expire(ctx, tagKey(tag), e.TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

// Delete implements Tier.
func (t *RedisTier) Delete(ctx context.Context, fingerprint string) error {
	return t.client.Del(ctx, entryKey(fingerprint)).Err()
}

// InvalidateTag implements Tier.
func (t *RedisTier) InvalidateTag(ctx context.Context, tag string) error {
	members, err := t.client.SMembers(ctx, tagKey(tag)).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to read tag set: %w", err)
	}

	pipe := t.client.Pipeline()
	for _, fp := range members {
		pipe.Del(ctx, entryKey(fp))
	}
	pipe.Del(ctx, tagKey(tag))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to invalidate tag %q: %w", tag, err)
	}
	return nil
}

// Close implements Tier. The Redis client is shared and closed by its owner.
func (t *RedisTier) Close() error { return nil }
