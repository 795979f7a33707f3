package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares counters between ingress replicas.
type RedisStore struct {
	client redis.Cmdable
}

func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Incr bumps the window counter and sets its TTL unless one is already set.
// EXPIRE NX runs on every call, so a key left without a TTL by a failed or
// interrupted call gets one on the next request. Requires Redis 7.
func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}

	if err := s.client.ExpireNX(ctx, key, ttl).Err(); err != nil {
		return count, err
	}
	return count, nil
}
