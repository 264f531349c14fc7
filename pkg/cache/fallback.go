package cache

import (
	"context"
	"time"

	"lumina-iq/pkg/log"
)

// Fallback 把共享后端 (通常是 Redis) 与进程内后端叠在一起。
// 写入两层都写，读取优先共享后端；共享后端出错或未命中时读进程内副本。
// 共享后端故障期间会话与任务仍可在本实例内解析，只有跨实例共享退化。
type Fallback struct {
	primary   Store
	secondary Store
}

// NewFallback 创建两层后端。secondary 的错误会返回给调用方，primary 的错误只记录日志。
func NewFallback(primary, secondary Store) *Fallback {
	return &Fallback{primary: primary, secondary: secondary}
}

func (f *Fallback) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, ok, err := f.primary.Get(ctx, key)
	if err == nil && ok {
		return raw, true, nil
	}
	if err != nil {
		log.Warnf("[Cache] %s 读取失败，改读 %s, key=%s, error=%v", f.primary.Name(), f.secondary.Name(), key, err)
	}
	return f.secondary.Get(ctx, key)
}

func (f *Fallback) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := f.primary.Set(ctx, key, value, ttl); err != nil {
		log.Warnf("[Cache] %s 写入失败，仅保存在 %s, key=%s, error=%v", f.primary.Name(), f.secondary.Name(), key, err)
	}
	return f.secondary.Set(ctx, key, value, ttl)
}

func (f *Fallback) Delete(ctx context.Context, keys ...string) error {
	if err := f.primary.Delete(ctx, keys...); err != nil {
		log.Warnf("[Cache] %s 删除失败, keys=%v, error=%v", f.primary.Name(), keys, err)
	}
	return f.secondary.Delete(ctx, keys...)
}

func (f *Fallback) DeletePattern(ctx context.Context, pattern string) (int, error) {
	n, err := f.primary.DeletePattern(ctx, pattern)
	if err != nil {
		log.Warnf("[Cache] %s 按模式删除失败, pattern=%s, error=%v", f.primary.Name(), pattern, err)
	}
	m, err := f.secondary.DeletePattern(ctx, pattern)
	if m > n {
		n = m
	}
	return n, err
}

// Ping 只检查共享后端，进程内后端总是可用。
func (f *Fallback) Ping(ctx context.Context) error { return f.primary.Ping(ctx) }

func (f *Fallback) Name() string { return f.primary.Name() + "+" + f.secondary.Name() }
