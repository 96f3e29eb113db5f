// Package cache holds the encoded state view between writes.
package cache

import (
	"context"
	"time"
	"unsafe"

	"github.com/coocood/freecache"
	"github.com/redis/go-redis/v9"

	"amaliyah/internal/metrics"
)

// StateKey is the key of the cached GET /state payload.
const StateKey = "state:main"

// Cache stores opaque byte values. Misses and backend failures both report
// ok == false; the cache is never the source of truth.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte)
	Delete(ctx context.Context, key string)
}

// Memory is an in-process cache backed by freecache.
type Memory struct {
	cache *freecache.Cache
	ttl   int
}

// NewMemory allocates sizeMB megabytes. ttl is rounded up to whole seconds;
// zero means entries never expire.
func NewMemory(sizeMB int, ttl time.Duration) *Memory {
	secs := int(ttl / time.Second)
	if ttl > 0 && ttl%time.Second != 0 {
		secs++
	}
	return &Memory{
		cache: freecache.NewCache(max(sizeMB, 1) * 1024 * 1024),
		ttl:   secs,
	}
}

// keyBytes converts without allocation; freecache copies keys internally.
func keyBytes(s string) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	val, err := m.cache.Get(keyBytes(key))
	if err != nil {
		return nil, false
	}
	return val, true
}

func (m *Memory) Set(_ context.Context, key string, value []byte) {
	_ = m.cache.Set(keyBytes(key), value, m.ttl)
}

func (m *Memory) Delete(_ context.Context, key string) {
	m.cache.Del(keyBytes(key))
}

// Redis shares the cached view between API instances.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, prefix: "amaliyah:cache:", ttl: ttl}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		return nil, false
	}
	return val, true
}

func (r *Redis) Set(ctx context.Context, key string, value []byte) {
	_ = r.client.Set(ctx, r.prefix+key, value, r.ttl).Err()
}

func (r *Redis) Delete(ctx context.Context, key string) {
	_ = r.client.Del(ctx, r.prefix+key).Err()
}

// Noop never holds anything.
type Noop struct{}

func (Noop) Get(context.Context, string) ([]byte, bool) { return nil, false }
func (Noop) Set(context.Context, string, []byte) {}
func (Noop) Delete(context.Context, string) {}

// Instrumented counts hits and misses of an inner cache.
type Instrumented struct {
	inner   Cache
	metrics metrics.Recorder
}

func NewInstrumented(inner Cache, rec metrics.Recorder) *Instrumented {
	return &Instrumented{inner: inner, metrics: rec}
}

func (c *Instrumented) Get(ctx context.Context, key string) ([]byte, bool) {
	val, ok := c.inner.Get(ctx, key)
	if ok {
		c.metrics.IncCacheHit()
	} else {
		c.metrics.IncCacheMiss()
	}
	return val, ok
}

func (c *Instrumented) Set(ctx context.Context, key string, value []byte) {
	c.inner.Set(ctx, key, value)
}

func (c *Instrumented) Delete(ctx context.Context, key string) {
	c.inner.Delete(ctx, key)
}
