package database

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Probe 单个依赖的健康检查
type Probe func(ctx context.Context) error

// ComponentStatus 单个依赖的检查结果
type ComponentStatus struct {
	Healthy      bool   `json:"healthy"`
	Error        string `json:"error,omitempty"`
	ResponseTime string `json:"response_time"`
}

// HealthReport 汇总检查结果
type HealthReport struct {
	Status     string                     `json:"status"`
	Components map[string]ComponentStatus `json:"components"`
	CheckedAt  time.Time                  `json:"checked_at"`
}

type namedProbe struct {
	name  string
	probe Probe
}

// HealthChecker 依赖健康检查器
type HealthChecker struct {
	mu      sync.RWMutex
	probes  []namedProbe
	timeout time.Duration
	last    HealthReport
	logger  *zap.Logger
}

// NewHealthChecker 创建健康检查器，单个探测默认超时 5 秒
func NewHealthChecker(logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthChecker{timeout: 5 * time.Second, logger: logger}
}

// Register 注册探测，同名覆盖
func (hc *HealthChecker) Register(name string, probe Probe) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	for i, p := range hc.probes {
		if p.name == name {
			hc.probes[i].probe = probe
			return
		}
	}
	hc.probes = append(hc.probes, namedProbe{name: name, probe: probe})
}

// SQLProbe 数据库 ping
func SQLProbe(db *sql.DB) Probe {
	return func(ctx context.Context) error {
		return db.PingContext(ctx)
	}
}

// RedisProbe Redis ping
func RedisProbe(client *redis.Client) Probe {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

// Check 依次执行所有探测；任一失败时状态为 degraded
func (hc *HealthChecker) Check(ctx context.Context) HealthReport {
	hc.mu.RLock()
	probes := append([]namedProbe(nil), hc.probes...)
	hc.mu.RUnlock()

	report := HealthReport{
		Status:     "healthy",
		Components: make(map[string]ComponentStatus, len(probes)),
		CheckedAt:  time.Now(),
	}
	for _, p := range probes {
		pctx, cancel := context.WithTimeout(ctx, hc.timeout)
		start := time.Now()
		err := p.probe(pctx)
		cancel()

		status := ComponentStatus{Healthy: err == nil, ResponseTime: time.Since(start).String()}
		if err != nil {
			status.Error = err.Error()
			report.Status = "degraded"
			hc.logger.Warn("Health check failed", zap.String("component", p.name), zap.Error(err))
		}
		report.Components[p.name] = status
	}

	hc.mu.Lock()
	hc.last = report
	hc.mu.Unlock()
	return report
}

// IsHealthy 最近一次检查是否全部通过
func (hc *HealthChecker) IsHealthy() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.last.Status == "healthy"
}

// LastReport 最近一次检查结果
func (hc *HealthChecker) LastReport() HealthReport {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.last
}
