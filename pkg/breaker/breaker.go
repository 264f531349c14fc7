// Package breaker 实现按时间窗口计数的熔断器。
package breaker

import (
	"sync"
	"time"

	"lumina-iq/pkg/apperr"
	"lumina-iq/pkg/log"
	"lumina-iq/pkg/metrics"
)

// Breaker 在 window 内累计 maxFailures 次失败后打开；最后一次失败超过 window 后自动复位，
// 任意一次成功立即复位。
type Breaker struct {
	name        string
	maxFailures int
	window      time.Duration
	now         func() time.Time

	mu       sync.Mutex
	failures []time.Time
}

func New(name string, maxFailures int, window time.Duration) *Breaker {
	if maxFailures <= 0 {
		maxFailures = 3
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Breaker{name: name, maxFailures: maxFailures, window: window, now: time.Now}
}

// Open 报告熔断器当前是否处于打开状态。
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openLocked()
}

func (b *Breaker) openLocked() bool {
	if len(b.failures) < b.maxFailures {
		return false
	}
	last := b.failures[len(b.failures)-1]
	if b.now().Sub(last) > b.window {
		b.failures = nil
		metrics.BreakerOpen.WithLabelValues(b.name).Set(0)
		log.Infof("[Breaker] %s 熔断窗口已过，自动复位", b.name)
		return false
	}
	return true
}

// Success 清空失败记录。
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.failures) > 0 {
		b.failures = nil
		metrics.BreakerOpen.WithLabelValues(b.name).Set(0)
	}
}

// Failure 记录一次失败，并丢弃窗口外的旧记录。
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	cutoff := now.Add(-b.window)
	kept := b.failures[:0]
	for _, f := range b.failures {
		if f.After(cutoff) {
			kept = append(kept, f)
		}
	}
	b.failures = append(kept, now)
	if len(b.failures) == b.maxFailures {
		metrics.BreakerOpen.WithLabelValues(b.name).Set(1)
		log.Warnf("[Breaker] %s 在 %s 内连续失败 %d 次，熔断器打开", b.name, b.window, len(b.failures))
	}
}

// Do 在熔断器关闭时执行 fn。只有上游类错误计入失败，调用方的参数错误不会触发熔断。
func (b *Breaker) Do(fn func() error) error {
	if b.Open() {
		return apperr.New(apperr.UpstreamUnavailable, "breaker."+b.name, "service temporarily unavailable, please retry later")
	}
	err := fn()
	switch {
	case err == nil:
		b.Success()
	case apperr.Retryable(err):
		b.Failure()
	}
	return err
}
