package controllers

import (
	"context"
	"net/http"

	"github.com/aihub/rag-assistant/internal/database"
	"github.com/aihub/rag-assistant/internal/rag"
)

// StatsAPI 流水线统计
type StatsAPI interface {
	Stats(ctx context.Context) (*rag.PipelineStats, error)
}

// HealthAPI 依赖健康检查
type HealthAPI interface {
	Check(ctx context.Context) database.HealthReport
}

// RootController 服务信息
type RootController struct {
	BaseController
}

// Index 返回服务名和入口
func (c *RootController) Index() {
	c.JSONSuccess(map[string]interface{}{
		"service": "rag-assistant",
		"endpoints": []string{
			"POST /api/chat",
			"POST /api/chat/stream",
			"GET /api/conversations",
			"GET /api/stats",
			"GET /health",
			"GET /metrics",
		},
	})
}

// StatsController 索引统计接口
type StatsController struct {
	BaseController
	Pipeline StatsAPI
}

// Get 返回向量索引统计、top-k 和生成模型
func (c *StatsController) Get() {
	stats, err := c.Pipeline.Stats(c.Ctx.Request.Context())
	if err != nil {
		c.RespondError(err)
		return
	}
	c.JSONSuccess(stats)
}

// HealthController 健康检查接口
type HealthController struct {
	BaseController
	Checker HealthAPI
}

// Health 全部依赖可用时返回 200，否则 503
func (c *HealthController) Health() {
	report := c.Checker.Check(c.Ctx.Request.Context())
	status := http.StatusOK
	if report.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

// MetricsController Prometheus 指标
type MetricsController struct {
	BaseController
	Handler http.Handler
}

// Metrics 返回Prometheus格式的指标
func (c *MetricsController) Metrics() {
	c.Handler.ServeHTTP(c.Ctx.ResponseWriter, c.Ctx.Request)
}
