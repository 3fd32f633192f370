package middleware

import (
	"time"

	"github.com/beego/beego/v2/server/web/context"
	"go.uber.org/zap"
)

const startTimeKey = "request_start"

// RequestStart 记录请求开始时间
func RequestStart(ctx *context.Context) {
	ctx.Input.SetData(startTimeKey, time.Now())
}

// NewRequestLogger 请求结束后输出访问日志
func NewRequestLogger(logger *zap.Logger) func(*context.Context) {
	return func(ctx *context.Context) {
		fields := []zap.Field{
			zap.String("method", ctx.Input.Method()),
			zap.String("path", ctx.Input.URL()),
			zap.Int("status", ctx.ResponseWriter.Status),
			zap.String("ip", ctx.Input.IP()),
		}
		if start, ok := ctx.Input.GetData(startTimeKey).(time.Time); ok {
			fields = append(fields, zap.Duration("latency", time.Since(start)))
		}
		if owner := ctx.Input.Header("X-User-Id"); owner != "" {
			fields = append(fields, zap.String("owner_id", owner))
		}
		logger.Info("HTTP request", fields...)
	}
}
