// Package cache is the cache and ephemeral store: a two-tier
// get/set/invalidate facade over an always-present in-process map and an
// optional Redis tier, plus the non-cache ephemeral stores (presence,
// PoW challenges, voice-room membership) and the pub/sub bridge the gateway
// rides for cross-instance fan-out.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type entry struct {
	value   []byte
	expires time.Time
}

// Cache is the two-tier facade. rdb may be nil, in which case the cache runs
// single-instance: the in-process tier alone serves reads/writes and
// pub/sub publishes are no-ops.
type Cache struct {
	mu    sync.RWMutex
	local map[string]entry
	rdb   *redis.Client
}

func New(rdb *redis.Client) *Cache {
	return &Cache{local: make(map[string]entry), rdb: rdb}
}

// Set writes to both tiers with the same TTL.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value for %s: %w", key, err)
	}

	c.mu.Lock()
	c.local[key] = entry{value: raw, expires: time.Now().Add(ttl)}
	c.mu.Unlock()

	if c.rdb != nil {
		if err := c.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
			return fmt.Errorf("redis set %s: %w", key, err)
		}
	}
	return nil
}

// Get serves from the in-process tier alone when no Redis tier is
// configured. With Redis configured, Redis decides: an unexpired local copy
// counts only while Redis still holds the key (otherwise the local copy is
// dropped, so a value invalidated by a peer instance is not served stale),
// and a local miss falls back to Redis and backfills the in-process tier
// with the key's remaining Redis TTL.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	c.mu.RLock()
	e, ok := c.local[key]
	c.mu.RUnlock()

	if ok && time.Now().Before(e.expires) {
		if c.rdb == nil {
			return true, json.Unmarshal(e.value, dest)
		}
		raw, err := c.rdb.Get(ctx, key).Bytes()
		if err == redis.Nil {
			c.invalidateLocal(key)
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("redis get %s: %w", key, err)
		}
		return true, json.Unmarshal(raw, dest)
	}

	if ok {
		c.invalidateLocal(key)
	}

	if c.rdb == nil {
		return false, nil
	}
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get %s: %w", key, err)
	}
	ttl, err := c.rdb.TTL(ctx, key).Result()
	if err == nil && ttl > 0 {
		c.mu.Lock()
		c.local[key] = entry{value: raw, expires: time.Now().Add(ttl)}
		c.mu.Unlock()
	}
	return true, json.Unmarshal(raw, dest)
}

func (c *Cache) Invalidate(ctx context.Context, key string) error {
	c.invalidateLocal(key)
	if c.rdb != nil {
		if err := c.rdb.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("redis del %s: %w", key, err)
		}
	}
	return nil
}

func (c *Cache) invalidateLocal(key string) {
	c.mu.Lock()
	delete(c.local, key)
	c.mu.Unlock()
}

// InvalidatePattern deletes every key with the given prefix from both
// tiers. prefix should not include a trailing "*" — it is appended for the
// Redis SCAN/KEYS match and matched as a Go string prefix locally.
func (c *Cache) InvalidatePattern(ctx context.Context, prefix string) error {
	c.mu.Lock()
	for k := range c.local {
		if strings.HasPrefix(k, prefix) {
			delete(c.local, k)
		}
	}
	c.mu.Unlock()

	if c.rdb == nil {
		return nil
	}
	iter := c.rdb.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := c.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("redis del during pattern invalidate %s: %w", prefix, err)
		}
	}
	return iter.Err()
}

// Sweep evicts expired entries from the in-process tier; run once a minute
// by the cleanup schedule.
func (c *Cache) Sweep() {
	now := time.Now()
	c.mu.Lock()
	for k, e := range c.local {
		if now.After(e.expires) {
			delete(c.local, k)
		}
	}
	c.mu.Unlock()
}

// Key namespaces for cached entities.
func UserKey(id string) string        { return "user:" + id }
func ServerKey(id string) string      { return "server:" + id }
func PermsKey(server, user string) string { return fmt.Sprintf("perms:%s:%s", server, user) }
func PermsServerPrefix(server string) string { return "perms:" + server + ":" }

const (
	UserTTL  = 5 * time.Minute
	ServerTTL = 5 * time.Minute
	PermsTTL = 2 * time.Minute
)
