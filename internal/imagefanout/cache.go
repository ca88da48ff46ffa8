package imagefanout

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/panelforge/engine/internal/domain"
	"github.com/panelforge/engine/internal/platform/logger"
)

// Cache is the content-addressed image result store shared across sessions
// (spec.md §4.2, §5 "Shared resources"): the same cache key always maps to
// the same ImageResult; concurrent producers racing on the same key is
// harmless because writes are idempotent by key.
type Cache interface {
	Get(ctx context.Context, key string) (domain.ImageResult, bool, error)
	Put(ctx context.Context, key string, result domain.ImageResult, ttl time.Duration) error
}

// redisCache is grounded on internal/realtime/bus/redis_bus.go's client
// init pattern (env-driven addr, ping on construction, one shared client).
type redisCache struct {
	log *logger.Logger
	rdb *goredis.Client
}

func NewRedisCache(log *logger.Logger, addr string) (Cache, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if addr == "" {
		return nil, fmt.Errorf("redis addr required")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &redisCache{log: log.With("component", "imagefanout.cache"), rdb: rdb}, nil
}

func cacheRedisKey(key string) string { return "panelforge:imgcache:" + key }

func (c *redisCache) Get(ctx context.Context, key string) (domain.ImageResult, bool, error) {
	var out domain.ImageResult
	raw, err := c.rdb.Get(ctx, cacheRedisKey(key)).Bytes()
	if err == goredis.Nil {
		return out, false, nil
	}
	if err != nil {
		return out, false, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, false, err
	}
	return out, true, nil
}

func (c *redisCache) Put(ctx context.Context, key string, result domain.ImageResult, ttl time.Duration) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, cacheRedisKey(key), raw, ttl).Err()
}

func (c *redisCache) Close() error { return c.rdb.Close() }

// InMemoryCache is a process-local Cache for tests and single-process
// deployments without Redis. The default production cache whenever Redis
// is off, so entries is guarded by a mutex: executor.Run fans a panel's
// image tasks out across up to PerSessionCap concurrent goroutines, all
// Get/Put-ing the same *InMemoryCache instance.
type InMemoryCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	result    domain.ImageResult
	expiresAt time.Time
}

func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{entries: make(map[string]cacheEntry)}
}

func (c *InMemoryCache) Get(ctx context.Context, key string) (domain.ImageResult, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return domain.ImageResult{}, false, nil
	}
	if time.Now().After(e.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return domain.ImageResult{}, false, nil
	}
	return e.result, true, nil
}

func (c *InMemoryCache) Put(ctx context.Context, key string, result domain.ImageResult, ttl time.Duration) error {
	c.mu.Lock()
	c.entries[key] = cacheEntry{result: result, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// TTLForQuality maps a quality level to its configured cache TTL (spec.md
// §4.2 "Cache TTL depends on quality level"), defaulting to the medium
// tier's TTL when the quality string is unrecognized.
func TTLForQuality(byQuality map[string]time.Duration, quality domain.Quality) time.Duration {
	if ttl, ok := byQuality[string(quality)]; ok {
		return ttl
	}
	return byQuality["medium"]
}
