package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/beego/beego/v2/server/web/context"
	"golang.org/x/time/rate"
)

// RateLimiter 按调用方限流，调用方由 X-User-Id 或客户端IP区分
type RateLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
	limiters map[string]*clientLimiter
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter 创建限流器，rps<=0 时不限流
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limit:    rate.Limit(rps),
		burst:    burst,
		idleTTL:  10 * time.Minute,
		limiters: make(map[string]*clientLimiter),
	}
}

// Allow 检查是否允许请求
func (rl *RateLimiter) Allow(key string) bool {
	if rl.limit <= 0 {
		return true
	}
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	cl, ok := rl.limiters[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[key] = cl
	}
	cl.lastSeen = now

	// 顺带清理长时间未活动的调用方
	if len(rl.limiters) > 1024 {
		for k, v := range rl.limiters {
			if now.Sub(v.lastSeen) > rl.idleTTL {
				delete(rl.limiters, k)
			}
		}
	}
	return cl.limiter.AllowN(now, 1)
}

// Filter 返回 beego 过滤器，超限时返回 429
func (rl *RateLimiter) Filter() func(*context.Context) {
	return func(ctx *context.Context) {
		key := ctx.Input.Header("X-User-Id")
		if key == "" {
			key = ctx.Input.IP()
		}
		if rl.Allow(key) {
			return
		}
		ctx.Output.SetStatus(http.StatusTooManyRequests)
		_ = ctx.Output.JSON(map[string]interface{}{
			"success": false,
			"error":   "rate limit exceeded",
			"code":    "TOO_MANY_REQUESTS",
		}, false, false)
	}
}
