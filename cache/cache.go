// Package cache implements the Redis read-through cache. Every lookup
// outcome which isn't a hit, whether absent, expired, unreachable, or
// breaker-rejected, is folded into ErrMiss: the cache never makes a
// request fail.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/feedline/feedline/breaker"
)

// ErrMiss is returned by Get when no usable cached value exists.
var ErrMiss = errors.New("cache miss")

// Cache is a JSON-codec cache over Redis, guarded by the redis breaker.
type Cache struct {
	rdb        redis.UniversalClient
	brk        *breaker.Breaker
	defaultTTL time.Duration
}

// New returns a Cache with the given default TTL for Set calls passing
// a zero TTL.
func New(rdb redis.UniversalClient, brk *breaker.Breaker, defaultTTL time.Duration) *Cache {
	return &Cache{rdb: rdb, brk: brk, defaultTTL: defaultTTL}
}

// Get unmarshals the cached value at key into `into`. All miss-like
// outcomes return ErrMiss.
func (c *Cache) Get(ctx context.Context, key string, into any) error {
	var raw string
	var err = c.brk.Do(func() error {
		var err error
		raw, err = c.rdb.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			raw = ""
			return nil
		}
		return err
	})
	if err != nil {
		if !errors.Is(err, breaker.ErrOpen) {
			log.WithFields(log.Fields{"key": key, "error": err}).Warn("cache get failed")
		}
		return ErrMiss
	}
	if raw == "" {
		return ErrMiss
	}
	if err = json.Unmarshal([]byte(raw), into); err != nil {
		log.WithFields(log.Fields{"key": key, "error": err}).Warn("cache held undecodable value")
		return ErrMiss
	}
	return nil
}

// Set stores value at key, best-effort. A zero ttl applies the default.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	var raw, err = json.Marshal(value)
	if err != nil {
		log.WithFields(log.Fields{"key": key, "error": err}).Warn("cache set: marshal failed")
		return
	}
	err = c.brk.Do(func() error {
		return c.rdb.Set(ctx, key, raw, ttl).Err()
	})
	if err != nil && !errors.Is(err, breaker.ErrOpen) {
		log.WithFields(log.Fields{"key": key, "error": err}).Warn("cache set failed")
	}
}

// Delete removes a single key, best-effort.
func (c *Cache) Delete(ctx context.Context, key string) {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		log.WithFields(log.Fields{"key": key, "error": err}).Warn("cache delete failed")
	}
}

// DeletePattern removes all keys matching the glob pattern, best-effort,
// and returns the count removed. It scans rather than blocking the
// server with KEYS.
func (c *Cache) DeletePattern(ctx context.Context, pattern string) int {
	var deleted int
	var iter = c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	var batch []string

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 100 {
			deleted += c.deleteBatch(ctx, batch)
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		log.WithFields(log.Fields{"pattern": pattern, "error": err}).Warn("cache delete pattern failed")
	}
	if len(batch) != 0 {
		deleted += c.deleteBatch(ctx, batch)
	}
	return deleted
}

func (c *Cache) deleteBatch(ctx context.Context, keys []string) int {
	var n, err = c.rdb.Del(ctx, keys...).Result()
	if err != nil {
		log.WithField("error", err).Warn("cache delete batch failed")
		return 0
	}
	return int(n)
}

// Ping reports whether Redis is reachable.
func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
