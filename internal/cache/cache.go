// Package cache stores model responses in Redis so re-running a week
// does not re-bill every conversation. The cache degrades to a no-op
// when Redis is unreachable; analysis never depends on it.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/chatlens/chatlens/internal/analyze"
)

const keyPrefix = "llm:cache:"

// Stats tracks cache effectiveness for the current process.
type Stats struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	TotalRequests int64   `json:"total_requests"`
	HitRate       float64 `json:"hit_rate"`
	SizeBytes     int64   `json:"size_bytes"`
	Entries       int64   `json:"entries"`
}

// Cache is a Redis-backed response cache keyed by chat id and model.
type Cache struct {
	client  *redis.Client
	model   string
	ttl     time.Duration
	enabled bool
	log     *logrus.Entry

	mu     sync.Mutex
	hits   int64
	misses int64
}

// New connects to Redis and verifies the connection with a ping. On
// any failure the cache comes back disabled and every operation is a
// cheap no-op for the rest of the process.
func New(url, model string, ttl time.Duration, enabled bool, log *logrus.Entry) *Cache {
	c := &Cache{model: model, ttl: ttl, log: log}
	if !enabled {
		log.Info("response cache disabled")
		return c
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		log.Warnf("invalid redis url: %v, cache disabled", err)
		return c
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 5 * time.Second
	opts.WriteTimeout = 5 * time.Second

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warnf("redis unreachable: %v, cache disabled", err)
		_ = client.Close()
		return c
	}

	c.client = client
	c.enabled = true
	log.Infof("response cache connected (ttl=%s)", ttl)
	return c
}

// Enabled reports whether the cache is operational.
func (c *Cache) Enabled() bool {
	return c.enabled
}

func (c *Cache) key(chatID string) string {
	sum := sha256.Sum256([]byte(chatID + ":" + c.model))
	return keyPrefix + hex.EncodeToString(sum[:])[:16]
}

// Get returns the cached analysis for a chat, if present. Errors are
// logged and reported as misses.
func (c *Cache) Get(ctx context.Context, chatID string) (*analyze.Analysis, bool) {
	if !c.enabled {
		return nil, false
	}

	raw, err := c.client.Get(ctx, c.key(chatID)).Result()
	if err != nil {
		if err != redis.Nil {
			c.log.Warnf("cache get failed for chat %s: %v", chatID, err)
		}
		c.record(false)
		return nil, false
	}

	var a analyze.Analysis
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		c.log.Warnf("cache entry corrupt for chat %s: %v", chatID, err)
		c.record(false)
		return nil, false
	}
	c.record(true)
	return &a, true
}

// Set stores an analysis under the chat's key with the configured TTL.
// Returns false on any failure; failures never propagate.
func (c *Cache) Set(ctx context.Context, chatID string, a *analyze.Analysis) bool {
	if !c.enabled || a == nil {
		return false
	}

	data, err := json.Marshal(a)
	if err != nil {
		c.log.Warnf("cache marshal failed for chat %s: %v", chatID, err)
		return false
	}
	if err := c.client.SetEx(ctx, c.key(chatID), data, c.ttl).Err(); err != nil {
		c.log.Warnf("cache set failed for chat %s: %v", chatID, err)
		return false
	}
	return true
}

// Delete removes one chat's cached analysis.
func (c *Cache) Delete(ctx context.Context, chatID string) bool {
	if !c.enabled {
		return false
	}
	n, err := c.client.Del(ctx, c.key(chatID)).Result()
	if err != nil {
		c.log.Warnf("cache delete failed for chat %s: %v", chatID, err)
		return false
	}
	return n > 0
}

// ClearAll removes every cached response and returns how many entries
// were deleted.
func (c *Cache) ClearAll(ctx context.Context) (int64, error) {
	if !c.enabled {
		return 0, nil
	}
	keys, err := c.client.Keys(ctx, keyPrefix+"*").Result()
	if err != nil {
		return 0, fmt.Errorf("list cache keys: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	deleted, err := c.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("delete cache keys: %w", err)
	}
	return deleted, nil
}

// Stats returns hit/miss counters plus the current size of the cache
// in Redis.
func (c *Cache) Stats(ctx context.Context) Stats {
	c.mu.Lock()
	s := Stats{
		Hits:          c.hits,
		Misses:        c.misses,
		TotalRequests: c.hits + c.misses,
	}
	c.mu.Unlock()
	if s.TotalRequests > 0 {
		s.HitRate = float64(s.Hits) / float64(s.TotalRequests)
	}

	if !c.enabled {
		return s
	}
	keys, err := c.client.Keys(ctx, keyPrefix+"*").Result()
	if err != nil {
		c.log.Warnf("cache stats failed: %v", err)
		return s
	}
	s.Entries = int64(len(keys))
	for _, k := range keys {
		if n, err := c.client.StrLen(ctx, k).Result(); err == nil {
			s.SizeBytes += n
		}
	}
	return s
}

// ResetStats zeroes the in-process hit/miss counters.
func (c *Cache) ResetStats() {
	c.mu.Lock()
	c.hits, c.misses = 0, 0
	c.mu.Unlock()
}

func (c *Cache) record(hit bool) {
	c.mu.Lock()
	if hit {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()
}
