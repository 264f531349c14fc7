package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"lumina-iq/pkg/cache"
)

// jsonKV 在 cache.Store（Redis 或进程内）之上存取 JSON 值。
// 与 cache.Cache 不同，这里的后端错误会原样返回给调用方。
type jsonKV struct {
	store  cache.Store
	prefix string
}

func (kv jsonKV) key(parts ...string) string {
	k := kv.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (kv jsonKV) get(ctx context.Context, key string, dest any) (bool, error) {
	raw, ok, err := kv.store.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

func (kv jsonKV) set(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return kv.store.Set(ctx, key, raw, ttl)
}
