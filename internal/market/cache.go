package market

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/tradecouncil/tradecouncil/internal/metrics"
)

const (
	// TickTTL bounds how stale a cached tick may get before readers
	// treat the instrument as dark.
	TickTTL = 5 * time.Minute
	// FuturesTTL bounds staleness of the cached derivatives snapshot.
	FuturesTTL = 5 * time.Minute

	// BundleKey holds the currently active rule bundle.
	BundleKey = "rule_bundle:active"

	cacheOpTimeout = 500 * time.Millisecond
)

// TickKey returns the cache key for an instrument's latest tick.
func TickKey(symbol string) string {
	return fmt.Sprintf("price:%s:latest", symbol)
}

// FuturesKey returns the cache key for an instrument's latest
// derivatives snapshot.
func FuturesKey(symbol string) string {
	return fmt.Sprintf("futures:%s:latest", symbol)
}

// Cache is the Redis key-value layer the loops share. All reads treat
// Redis failures as misses; writes report errors but callers generally
// log and move on.
type Cache struct {
	client *redis.Client

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewCache wraps a Redis client. A nil client returns a nil cache;
// every method on a nil cache degrades to a miss.
func NewCache(client *redis.Client) *Cache {
	if client == nil {
		return nil
	}
	return &Cache{client: client}
}

// SetTick stores the latest tick under price:<symbol>:latest.
func (c *Cache) SetTick(ctx context.Context, tick *Tick) error {
	if tick == nil {
		return fmt.Errorf("nil tick")
	}
	return c.SetJSON(ctx, TickKey(tick.Symbol), tick, TickTTL)
}

// GetTick returns the cached tick for the instrument, if present.
func (c *Cache) GetTick(ctx context.Context, symbol string) (*Tick, bool) {
	var tick Tick
	if !c.GetJSON(ctx, TickKey(symbol), &tick) {
		return nil, false
	}
	return &tick, true
}

// SetFutures stores the latest derivatives snapshot.
func (c *Cache) SetFutures(ctx context.Context, snap *FuturesSnapshot) error {
	if snap == nil {
		return fmt.Errorf("nil futures snapshot")
	}
	return c.SetJSON(ctx, FuturesKey(snap.Symbol), snap, FuturesTTL)
}

// GetFutures returns the cached derivatives snapshot, if present.
func (c *Cache) GetFutures(ctx context.Context, symbol string) (*FuturesSnapshot, bool) {
	var snap FuturesSnapshot
	if !c.GetJSON(ctx, FuturesKey(symbol), &snap) {
		return nil, false
	}
	return &snap, true
}

// SetJSON marshals v and stores it under key with the given TTL.
func (c *Cache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("cache not initialized")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry %s: %w", key, err)
	}

	opCtx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	if err := c.client.Set(opCtx, key, data, ttl).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to write cache entry")
		return err
	}

	metrics.RecordCacheOperation("set")
	log.Debug().Str("key", key).Dur("ttl", ttl).Msg("Cached entry")
	return nil
}

// GetJSON loads key into dest. Missing keys, Redis errors, and decode
// failures all read as a miss.
func (c *Cache) GetJSON(ctx context.Context, key string, dest any) bool {
	if c == nil || c.client == nil {
		return false
	}

	opCtx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	raw, err := c.client.Get(opCtx, key).Result()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Str("key", key).Msg("Redis get error, treating as cache miss")
		}
		c.recordMiss()
		return false
	}

	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to unmarshal cache entry")
		c.recordMiss()
		return false
	}

	c.recordHit()
	return true
}

// Delete removes a key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("cache not initialized")
	}

	opCtx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	if err := c.client.Del(opCtx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete cache key %s: %w", key, err)
	}
	metrics.RecordCacheOperation("delete")
	return nil
}

// Health pings Redis.
func (c *Cache) Health(ctx context.Context) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("cache not initialized")
	}

	opCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.client.Ping(opCtx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// HitRate returns the fraction of reads served from cache since start.
func (c *Cache) HitRate() float64 {
	if c == nil {
		return 0
	}
	hits := c.hits.Load()
	total := hits + c.misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

func (c *Cache) recordHit() {
	c.hits.Add(1)
	metrics.RecordCacheOperation("hit")
	metrics.CacheHitRate.Set(c.HitRate())
}

func (c *Cache) recordMiss() {
	if c == nil {
		return
	}
	c.misses.Add(1)
	metrics.RecordCacheOperation("miss")
	metrics.CacheHitRate.Set(c.HitRate())
}
