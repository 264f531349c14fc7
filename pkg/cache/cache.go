// Package cache 提供 cache-aside 读写。后端任何错误都只记日志并按未命中处理，不会让调用方失败。
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"lumina-iq/pkg/log"
	"lumina-iq/pkg/metrics"
)

// Store 是缓存后端。Get 未命中时返回 (nil, false, nil)。
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeletePattern(ctx context.Context, pattern string) (int, error)
	Ping(ctx context.Context) error
	Name() string
}

// Stats 是命中计数快照。
type Stats struct {
	Backend string  `json:"backend"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Errors  int64   `json:"errors"`
	HitRate float64 `json:"hit_rate"`
}

// Cache 在 Store 之上加 JSON 编解码、键前缀、单次调用超时与计数。
type Cache struct {
	store   Store
	prefix  string
	timeout time.Duration

	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
}

// New 创建 Cache。store 为 nil 时等同于禁用缓存。
func New(store Store, prefix string, timeout time.Duration) *Cache {
	if store == nil {
		store = Disabled{}
	}
	return &Cache{store: store, prefix: prefix, timeout: timeout}
}

// Key 生成 "<prefix>:<namespace>:<sha256(parts)>" 形式的键。
func (c *Cache) Key(namespace string, parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	sum := hex.EncodeToString(h.Sum(nil))
	if c.prefix == "" {
		return namespace + ":" + sum
	}
	return c.prefix + ":" + namespace + ":" + sum
}

func (c *Cache) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func namespaceOf(key string) string {
	parts := strings.Split(key, ":")
	if len(parts) >= 3 {
		return parts[len(parts)-2]
	}
	return "default"
}

// GetJSON 读取并解码到 dest，返回是否命中。
func (c *Cache) GetJSON(ctx context.Context, key string, dest any) bool {
	ns := namespaceOf(key)
	cctx, cancel := c.withTimeout(ctx)
	defer cancel()

	raw, ok, err := c.store.Get(cctx, key)
	if err != nil {
		c.errors.Add(1)
		metrics.CacheRequests.WithLabelValues(ns, "error").Inc()
		log.Warnf("[Cache] 读取缓存失败，按未命中处理, key=%s, error=%v", key, err)
		return false
	}
	if !ok {
		c.misses.Add(1)
		metrics.CacheRequests.WithLabelValues(ns, "miss").Inc()
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		c.errors.Add(1)
		metrics.CacheRequests.WithLabelValues(ns, "error").Inc()
		log.Warnf("[Cache] 缓存内容无法解码，丢弃, key=%s, error=%v", key, err)
		_ = c.store.Delete(cctx, key)
		return false
	}
	c.hits.Add(1)
	metrics.CacheRequests.WithLabelValues(ns, "hit").Inc()
	return true
}

// SetJSON 编码并写入，失败只记日志。
func (c *Cache) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) {
	raw, err := json.Marshal(value)
	if err != nil {
		log.Warnf("[Cache] 编码缓存值失败, key=%s, error=%v", key, err)
		return
	}
	cctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.store.Set(cctx, key, raw, ttl); err != nil {
		c.errors.Add(1)
		log.Warnf("[Cache] 写入缓存失败, key=%s, error=%v", key, err)
	}
}

// Delete 删除若干键。
func (c *Cache) Delete(ctx context.Context, keys ...string) {
	cctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.store.Delete(cctx, keys...); err != nil {
		log.Warnf("[Cache] 删除缓存失败, keys=%v, error=%v", keys, err)
	}
}

// ClearNamespace 删除某个命名空间下的全部键，返回删除数量。
func (c *Cache) ClearNamespace(ctx context.Context, namespace string) int {
	pattern := namespace + ":*"
	if c.prefix != "" {
		pattern = c.prefix + ":" + pattern
	}
	n, err := c.store.DeletePattern(ctx, pattern)
	if err != nil {
		log.Warnf("[Cache] 清理命名空间失败, namespace=%s, error=%v", namespace, err)
	}
	return n
}

// Ping 探测后端是否可用。
func (c *Cache) Ping(ctx context.Context) error {
	return c.store.Ping(ctx)
}

// Stats 返回计数快照。
func (c *Cache) Stats() Stats {
	s := Stats{
		Backend: c.store.Name(),
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Errors:  c.errors.Load(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// Disabled 是永远未命中的后端。
type Disabled struct{}

func (Disabled) Get(context.Context, string) ([]byte, bool, error)        { return nil, false, nil }
func (Disabled) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (Disabled) Delete(context.Context, ...string) error                  { return nil }
func (Disabled) DeletePattern(context.Context, string) (int, error)       { return 0, nil }
func (Disabled) Ping(context.Context) error                               { return nil }
func (Disabled) Name() string                                             { return "disabled" }
