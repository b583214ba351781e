package cache

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/270aldo/ngx-orchestrator/internal/jsonx"
)

var (
	bucketEntries = []byte("entries")
	bucketTags    = []byte("tags")
)

// BoltTier is the durable tier: responses survive process restarts so a cold
// start does not begin with an empty cache. TTLs are enforced on read since
// bbolt has no native expiry.
type BoltTier struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// NewBoltTier opens (or creates) the durable tier at path.
func NewBoltTier(path string, logger *zap.Logger) (*BoltTier, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open durable cache: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketEntries); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketTags)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize durable cache buckets: %w", err)
	}
	return &BoltTier{db: db, logger: logger}, nil
}

// Name implements Tier.
func (t *BoltTier) Name() string { return "bolt" }

// Get implements Tier. Expired entries are deleted on read.
func (t *BoltTier) Get(_ context.Context, fingerprint string) (*Entry, bool) {
	var e *Entry
	err := t.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketEntries).Get([]byte(fingerprint))
		if data == nil {
			return nil
		}
		var decoded Entry
		if err := jsonx.Unmarshal(data, &decoded); err != nil {
			return err
		}
		e = &decoded
		return nil
	})
	if err != nil {
		t.logger.Warn("Durable cache read failed", zap.Error(err))
		return nil, false
	}
	if e == nil {
		return nil, false
	}
	if e.Expired() {
		if err := t.Delete(context.Background(), fingerprint); err != nil {
			t.logger.Debug("Failed to evict expired durable entry", zap.Error(err))
		}
		return nil, false
	}
	return e, true
}

// Put implements Tier.
func (t *BoltTier) Put(_ context.Context, e *Entry) error {
	data, err := jsonx.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	return t.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketEntries).Put([]byte(e.Fingerprint), data); err != nil {
			return err
		}
		tags := tx.Bucket(bucketTags)
		for _, tag := range e.Tags {
			if err := tags.Put(tagEntryKey(tag, e.Fingerprint), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete implements Tier.
func (t *BoltTier) Delete(_ context.Context, fingerprint string) error {
	return t.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Delete([]byte(fingerprint))
	})
}

// InvalidateTag implements Tier.
func (t *BoltTier) InvalidateTag(_ context.Context, tag string) error {
	prefix := tagEntryKey(tag, "")
	return t.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		tags := tx.Bucket(bucketTags)

		c := tags.Cursor()
		var stale [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			fp := k[len(prefix):]
			if err := entries.Delete(fp); err != nil {
				return err
			}
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := tags.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close implements Tier.
func (t *BoltTier) Close() error {
	return t.db.Close()
}

// tagEntryKey builds the composite tag index key. The zero byte separator
// cannot appear in tags or hex fingerprints.
func tagEntryKey(tag, fingerprint string) []byte {
	k := make([]byte, 0, len(tag)+1+len(fingerprint))
	k = append(k, tag...)
	k = append(k, 0)
	k = append(k, fingerprint...)
	return k
}
