package service

import (
	"context"
	"sync"
	"time"

	"lumina-iq/pkg/log"
	"lumina-iq/pkg/metrics"
)

const pingTimeout = 3 * time.Second

// Dependency 是一个就绪检查目标。
// Optional 的依赖失败时只把整体状态标记为 degraded，不影响就绪。
type Dependency struct {
	Name     string
	Ping     func(ctx context.Context) error
	Optional bool
}

// DependencyStatus 是单个依赖的探测结果。
type DependencyStatus struct {
	Status    string `json:"status"`
	Backend   string `json:"backend,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// ReadinessReport 是 /health/ready 的返回体。
type ReadinessReport struct {
	Status       string                      `json:"status"`
	Dependencies map[string]DependencyStatus `json:"dependencies"`
	CheckedAt    time.Time                   `json:"checked_at"`
}

// HealthService 提供存活与就绪检查。
type HealthService interface {
	Live() map[string]any
	// Ready 并发检查所有依赖，任一必需依赖失败则 ready 为 false。
	Ready(ctx context.Context) (*ReadinessReport, bool)
}

type healthService struct {
	deps    []Dependency
	started time.Time
}

// NewHealthService 创建健康检查服务。
func NewHealthService(deps ...Dependency) HealthService {
	return &healthService{deps: deps, started: time.Now()}
}

func (s *healthService) Live() map[string]any {
	return map[string]any{
		"status":         "alive",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	}
}

func (s *healthService) Ready(ctx context.Context) (*ReadinessReport, bool) {
	report := &ReadinessReport{
		Status:       "ready",
		Dependencies: make(map[string]DependencyStatus, len(s.deps)),
		CheckedAt:    time.Now(),
	}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	ready, degraded := true, false
	for _, dep := range s.deps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, pingTimeout)
			defer cancel()
			start := time.Now()
			err := dep.Ping(pctx)
			st := DependencyStatus{Status: "up", LatencyMS: time.Since(start).Milliseconds()}
			gauge := 1.0
			if err != nil {
				st.Status = "down"
				st.Error = err.Error()
				gauge = 0
				log.Warnf("[HealthService] 依赖不可用, name: %s, error: %v", dep.Name, err)
			}
			metrics.DependencyUp.WithLabelValues(dep.Name).Set(gauge)

			mu.Lock()
			defer mu.Unlock()
			report.Dependencies[dep.Name] = st
			switch {
			case err == nil:
			case dep.Optional:
				degraded = true
			default:
				ready = false
			}
		}()
	}
	wg.Wait()
	switch {
	case !ready:
		report.Status = "not_ready"
	case degraded:
		report.Status = "degraded"
	}
	return report, ready
}
