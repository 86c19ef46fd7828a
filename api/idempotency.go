package api

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// HeaderIdempotencyKey lets clients retry creating requests without
// creating twice.
const HeaderIdempotencyKey = "Idempotency-Key"

// RedisDeduper stores idempotency keys in Redis so all instances see the
// same claims.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(userID, scope, key string) string {
	return fmt.Sprintf("kuva:idem:%s:%s:%s", userID, scope, key)
}

// Claim records the key and reports whether it was newly recorded.
func (r *RedisDeduper) Claim(ctx context.Context, userID, scope, key string) (bool, error) {
	return r.client.SetNX(ctx, r.key(userID, scope, key), 1, r.ttl).Result()
}

// Release deletes a claimed key so a failed request may be retried.
func (r *RedisDeduper) Release(ctx context.Context, userID, scope, key string) error {
	return r.client.Del(ctx, r.key(userID, scope, key)).Err()
}
