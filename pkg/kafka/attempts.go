package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	gocache "github.com/patrickmn/go-cache"
)

const attemptsTTL = 24 * time.Hour

// RedisAttempts 用 Redis INCR 计数，计数在 24 小时后过期。
type RedisAttempts struct {
	rdb *redis.Client
}

func NewRedisAttempts(rdb *redis.Client) *RedisAttempts {
	return &RedisAttempts{rdb: rdb}
}

func (a *RedisAttempts) Incr(ctx context.Context, key string) (int64, error) {
	n, err := a.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	_ = a.rdb.Expire(ctx, key, attemptsTTL).Err()
	return n, nil
}

func (a *RedisAttempts) Reset(ctx context.Context, key string) error {
	return a.rdb.Del(ctx, key).Err()
}

// MemoryAttempts 是单进程内的计数实现。
type MemoryAttempts struct {
	mu    sync.Mutex
	store *gocache.Cache
}

func NewMemoryAttempts() *MemoryAttempts {
	return &MemoryAttempts{store: gocache.New(attemptsTTL, 10*time.Minute)}
}

func (a *MemoryAttempts) Incr(_ context.Context, key string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.store.Get(key); !ok {
		a.store.Set(key, int64(0), gocache.DefaultExpiration)
	}
	return a.store.IncrementInt64(key, 1)
}

func (a *MemoryAttempts) Reset(_ context.Context, key string) error {
	a.store.Delete(key)
	return nil
}
