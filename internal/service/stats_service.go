package service

import (
	"sort"
	"sync"
	"time"

	"lumina-iq/internal/embedder"
	"lumina-iq/pkg/breaker"
	"lumina-iq/pkg/cache"
)

const latencyWindow = 1000

// LatencySummary 汇总最近请求的耗时，单位毫秒。
type LatencySummary struct {
	Requests int64   `json:"requests"`
	Window   int     `json:"window"`
	AvgMS    float64 `json:"avg_ms"`
	P50MS    float64 `json:"p50_ms"`
	P95MS    float64 `json:"p95_ms"`
	MaxMS    float64 `json:"max_ms"`
}

// BreakerState 是熔断器状态快照。
type BreakerState struct {
	Name string `json:"name"`
	Open bool   `json:"open"`
}

// PerformanceStats 是 /api/chat/performance-stats 的返回体。
type PerformanceStats struct {
	Latency   LatencySummary  `json:"latency"`
	Cache     cache.Stats     `json:"cache"`
	Embedding *embedder.Stats `json:"embedding,omitempty"`
	Breaker   *BreakerState   `json:"breaker,omitempty"`
}

// StatsService 记录请求耗时并给出性能快照。
type StatsService struct {
	cache    *cache.Cache
	embedder *embedder.Embedder
	breaker  *breaker.Breaker
	name     string

	mu      sync.Mutex
	samples []time.Duration
	next    int
	total   int64
}

// NewStatsService 创建统计服务，参数均可以为 nil。
func NewStatsService(c *cache.Cache, e *embedder.Embedder, br *breaker.Breaker, breakerName string) *StatsService {
	if c == nil {
		c = cache.New(nil, "", 0)
	}
	return &StatsService{cache: c, embedder: e, breaker: br, name: breakerName, samples: make([]time.Duration, 0, latencyWindow)}
}

// Observe 记录一次请求耗时，只保留最近 1000 条。
func (s *StatsService) Observe(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	if len(s.samples) < latencyWindow {
		s.samples = append(s.samples, d)
		return
	}
	s.samples[s.next] = d
	s.next = (s.next + 1) % latencyWindow
}

func (s *StatsService) Snapshot() PerformanceStats {
	out := PerformanceStats{Latency: s.latency(), Cache: s.cache.Stats()}
	if s.embedder != nil {
		st := s.embedder.Stats()
		out.Embedding = &st
	}
	if s.breaker != nil {
		out.Breaker = &BreakerState{Name: s.name, Open: s.breaker.Open()}
	}
	return out
}

func (s *StatsService) latency() LatencySummary {
	s.mu.Lock()
	sorted := append([]time.Duration(nil), s.samples...)
	total := s.total
	s.mu.Unlock()

	sum := LatencySummary{Requests: total, Window: len(sorted)}
	if len(sorted) == 0 {
		return sum
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var acc time.Duration
	for _, d := range sorted {
		acc += d
	}
	sum.AvgMS = ms(acc / time.Duration(len(sorted)))
	sum.P50MS = ms(sorted[percentileIndex(len(sorted), 0.50)])
	sum.P95MS = ms(sorted[percentileIndex(len(sorted), 0.95)])
	sum.MaxMS = ms(sorted[len(sorted)-1])
	return sum
}

// percentileIndex 使用 nearest-rank 法。
func percentileIndex(n int, p float64) int {
	idx := int(float64(n)*p+0.999999) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return idx
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
