package database

import (
	"context"
	"fmt"
	"time"

	"github.com/aihub/rag-assistant/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// OpenRedis 创建 Redis 客户端并验证连通性
func OpenRedis(ctx context.Context, cfg config.RedisConfig, log *zap.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Info("Redis connected", zap.String("addr", cfg.Addr()))
	return rdb, nil
}
