package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"orderflow/backend/internal/domain"
)

type RedisUnreadCache struct {
	client *redis.Client
}

func NewRedisUnreadCache(addr string, password string, db int) *RedisUnreadCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisUnreadCache{client: client}
}

func (c *RedisUnreadCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisUnreadCache) Close() error {
	return c.client.Close()
}

func (c *RedisUnreadCache) Get(ctx context.Context, scope domain.NotificationScope) (int64, Generation, bool, error) {
	gen, err := c.generation(ctx, scope)
	if err != nil {
		return 0, 0, false, err
	}
	val, err := c.client.Get(ctx, countKey(scope, gen)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, gen, false, nil
	}
	if err != nil {
		return 0, gen, false, err
	}
	return val, gen, true, nil
}

// Set writes under gen's key. After an Invalidate that key is no longer read,
// so a late write of a stale count is harmless and simply expires.
func (c *RedisUnreadCache) Set(ctx context.Context, scope domain.NotificationScope, gen Generation, count int64, ttl time.Duration) error {
	return c.client.Set(ctx, countKey(scope, gen), count, ttl).Err()
}

func (c *RedisUnreadCache) Invalidate(ctx context.Context, scope domain.NotificationScope) error {
	return c.client.Incr(ctx, generationKey(scope)).Err()
}

func (c *RedisUnreadCache) generation(ctx context.Context, scope domain.NotificationScope) (Generation, error) {
	gen, err := c.client.Get(ctx, generationKey(scope)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return Generation(gen), nil
}

func generationKey(scope domain.NotificationScope) string {
	return UnreadKey(scope) + ":gen"
}

func countKey(scope domain.NotificationScope, gen Generation) string {
	return fmt.Sprintf("%s:g%d", UnreadKey(scope), gen)
}
