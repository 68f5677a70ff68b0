// Package cache provides caching implementations for repository interfaces.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"candle_sync/internal/feature/candles/domain/entity"
	"candle_sync/internal/feature/candles/usecase"
)

// CandleStore is the union of the write path used by the sync pipeline and the
// read path used by the query API.
type CandleStore interface {
	usecase.CandleStore
	usecase.CandleRepository
}

var _ CandleStore = (*CachingCandleRepository)(nil)

// CachingCandleRepository decorates a candle store with Redis caching.
// Reads go through the cache, writes invalidate every cached query of the
// affected table.
type CachingCandleRepository struct {
	inner      CandleStore
	rdb        *redis.Client
	ttl        time.Duration
	namespace  string
	timeframes map[string]entity.Timeframe
	now        func() time.Time
}

// NewCachingCandleRepository decorates a candle store with Redis caching.
// If ttl is 0, it defaults to 5 minutes. If namespace is empty, it uses "candles".
func NewCachingCandleRepository(rdb *redis.Client, ttl time.Duration, inner CandleStore, namespace string) *CachingCandleRepository {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if namespace == "" {
		namespace = "candles"
	}
	return &CachingCandleRepository{
		inner:      inner,
		rdb:        rdb,
		ttl:        ttl,
		namespace:  namespace,
		timeframes: map[string]entity.Timeframe{},
		now:        time.Now,
	}
}

// WithTimeframe registers the timeframe of table so that cached reads of it
// expire no later than the next candle close.
func (c *CachingCandleRepository) WithTimeframe(table string, tf entity.Timeframe) *CachingCandleRepository {
	c.timeframes[table] = tf
	return c
}

// ExistingTimestamps is never cached.
func (c *CachingCandleRepository) ExistingTimestamps(ctx context.Context, table string, window *entity.SyncWindow) (map[int64]struct{}, error) {
	return c.inner.ExistingTimestamps(ctx, table, window)
}

// InsertNew inserts new candles and invalidates related cache entries.
func (c *CachingCandleRepository) InsertNew(ctx context.Context, table string, candles []entity.Candle) ([]entity.Candle, error) {
	inserted, err := c.inner.InsertNew(ctx, table, candles)
	if err != nil {
		return nil, err
	}
	// Exit early if Redis is not configured or nothing changed
	if c.rdb == nil || len(inserted) == 0 {
		return inserted, nil
	}

	_ = c.deleteByPattern(ctx, c.cacheKeyPrefix(table)+"*") // Best effort: don't fail if cache deletion fails
	return inserted, nil
}

// Find retrieves candles, checking cache first then falling back to the database.
func (c *CachingCandleRepository) Find(ctx context.Context, table string, from, to time.Time, limit int) ([]entity.Candle, error) {
	// Bypass cache if Redis is not configured
	if c.rdb == nil {
		return c.inner.Find(ctx, table, from, to, limit)
	}

	key := c.cacheKey(table, from, to, limit)

	// 1) Check cache
	if b, err := c.rdb.Get(ctx, key).Bytes(); err == nil && len(b) > 0 {
		var out []entity.Candle
		if err := json.Unmarshal(b, &out); err == nil {
			return out, nil
		}
		// Delete corrupted cache entry
		_ = c.rdb.Del(ctx, key).Err()
	}

	// 2) Fallback to database
	out, err := c.inner.Find(ctx, table, from, to, limit)
	if err != nil {
		return nil, err
	}

	// 3) Store in cache (best effort)
	if b, err := json.Marshal(out); err == nil {
		_ = c.rdb.Set(ctx, key, b, c.ttlFor(table)).Err()
	}

	return out, nil
}

func (c *CachingCandleRepository) ttlFor(table string) time.Duration {
	tf, ok := c.timeframes[table]
	if !ok {
		return c.ttl
	}
	return min(c.ttl, TimeUntilNextClose(c.now(), tf))
}

// cacheKey generates a cache key for a specific query.
func (c *CachingCandleRepository) cacheKey(table string, from, to time.Time, limit int) string {
	var fromMs int64
	if !from.IsZero() {
		fromMs = from.UnixMilli()
	}
	return fmt.Sprintf("%s:%s:%d:%d:%d",
		c.namespace,
		safe(table),
		fromMs,
		to.UnixMilli(),
		limit,
	)
}

// cacheKeyPrefix generates a prefix for invalidating related cache entries.
func (c *CachingCandleRepository) cacheKeyPrefix(table string) string {
	return fmt.Sprintf("%s:%s:", c.namespace, safe(table))
}

// deleteByPattern deletes all cache keys matching a given pattern using SCAN.
func (c *CachingCandleRepository) deleteByPattern(ctx context.Context, pattern string) error {
	var cursor uint64
	for {
		keys, cur, err := c.rdb.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		cursor = cur
		if cursor == 0 {
			break
		}
	}
	return nil
}

// safe escapes characters that are problematic for Redis keys.
func safe(s string) string {
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, ":", "_")
	s = strings.ReplaceAll(s, "*", "_")
	return s
}
