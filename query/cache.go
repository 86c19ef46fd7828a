package query

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ResultCache stores encoded query results shared between clients of the same
// namespace.
type ResultCache interface {
	Load(ctx context.Context, namespace string, key Key) ([]byte, bool)
	Store(ctx context.Context, namespace string, key Key, data []byte)
	Evict(ctx context.Context, namespace string, prefix Key)
}

// RedisCache is a ResultCache backed by Redis. Failures are treated as misses.
type RedisCache struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewRedisCache creates a cache using the provided Redis client and TTL. A
// zero TTL disables writes.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if client == nil {
		panic("query.NewRedisCache: redis client is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &RedisCache{redis: client, ttl: ttl}
}

func (c *RedisCache) Load(ctx context.Context, namespace string, key Key) ([]byte, bool) {
	k := cacheKey(namespace, key)
	data, err := c.redis.Get(ctx, k).Bytes()
	if err != nil {
		if err != redis.Nil {
			_ = c.redis.Del(ctx, k).Err()
		}
		return nil, false
	}
	return data, true
}

func (c *RedisCache) Store(ctx context.Context, namespace string, key Key, data []byte) {
	if c.ttl == 0 {
		return
	}
	_ = c.redis.Set(ctx, cacheKey(namespace, key), data, c.ttl).Err()
}

// Evict removes the entry stored under prefix and every entry below it.
func (c *RedisCache) Evict(ctx context.Context, namespace string, prefix Key) {
	exact := cacheKey(namespace, prefix)
	keys := []string{}
	if len(prefix) > 0 {
		keys = append(keys, exact)
	}
	iter := c.redis.Scan(ctx, 0, escapeGlob(exact)+":*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if len(keys) == 0 {
		return
	}
	_, _ = c.redis.Del(ctx, keys...).Result()
}

func cacheKey(namespace string, key Key) string {
	var b strings.Builder
	b.WriteString("kuva:q:")
	b.WriteString(namespace)
	for _, part := range key {
		b.WriteByte(':')
		b.WriteString(part)
	}
	return b.String()
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}
