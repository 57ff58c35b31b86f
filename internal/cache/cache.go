// Package cache provides the two-tier (in-process LRU + Redis) TTL cache
// behind the Credential Registry and the file-listing cache of the File
// Operations Engine.
// It collapses what would otherwise be a family of ad-hoc per-feature
// caches into one implementation whose TTLs are configuration, not code.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// Cache is a narrow TTL key-value store. Get reports (found, error); a miss
// is found=false, err=nil.
type Cache interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// TwoTier combines a bounded in-memory LRU (L1, sub-microsecond) with an
// optional Redis tier (L2, shared across process instances). Fallback
// strategy on read: L1 -> L2 -> miss. L2 is optional; a nil RedisClient
// makes TwoTier an L1-only cache, which is sufficient for a single-process
// deployment.
type TwoTier struct {
	l1     *lru.Cache[string, entry]
	redis  *redis.Client
	prefix string
	logger *slog.Logger
}

type entry struct {
	value   json.RawMessage
	expires time.Time
}

// NewTwoTier creates a two-tier cache. l1Size bounds the number of entries
// held in-process; redisClient may be nil.
func NewTwoTier(l1Size int, redisClient *redis.Client, keyPrefix string, logger *slog.Logger) (*TwoTier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if l1Size <= 0 {
		l1Size = 1000
	}

	l1, err := lru.New[string, entry](l1Size)
	if err != nil {
		return nil, err
	}

	return &TwoTier{l1: l1, redis: redisClient, prefix: keyPrefix, logger: logger}, nil
}

func (t *TwoTier) key(k string) string {
	return t.prefix + ":" + k
}

// Get looks up key, first in L1 then in L2, unmarshalling into dest.
func (t *TwoTier) Get(ctx context.Context, key string, dest any) (bool, error) {
	if e, ok := t.l1.Get(key); ok {
		if time.Now().Before(e.expires) {
			return true, json.Unmarshal(e.value, dest)
		}
		t.l1.Remove(key)
	}

	if t.redis == nil {
		return false, nil
	}

	raw, err := t.redis.Get(ctx, t.key(key)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		t.logger.Warn("cache L2 get failed", "key", key, "error", err)
		return false, nil
	}

	ttl, err := t.redis.TTL(ctx, t.key(key)).Result()
	if err != nil || ttl <= 0 {
		ttl = time.Minute
	}
	t.l1.Add(key, entry{value: raw, expires: time.Now().Add(ttl)})

	return true, json.Unmarshal(raw, dest)
}

// Set stores value in both tiers with the given TTL.
func (t *TwoTier) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}

	t.l1.Add(key, entry{value: raw, expires: time.Now().Add(ttl)})

	if t.redis == nil {
		return nil
	}
	if err := t.redis.Set(ctx, t.key(key), raw, ttl).Err(); err != nil {
		t.logger.Warn("cache L2 set failed", "key", key, "error", err)
	}
	return nil
}

// Delete evicts key from both tiers.
func (t *TwoTier) Delete(ctx context.Context, key string) error {
	t.l1.Remove(key)
	if t.redis == nil {
		return nil
	}
	return t.redis.Del(ctx, t.key(key)).Err()
}
