package bootstrap

import (
	"io"
	"log"

	"github.com/aihub/rag-assistant/app/middleware"
	"github.com/aihub/rag-assistant/app/router"
	"github.com/aihub/rag-assistant/internal/config"
	"github.com/aihub/rag-assistant/internal/database"
	"github.com/aihub/rag-assistant/internal/di"
	"github.com/aihub/rag-assistant/internal/kafka"
	"github.com/aihub/rag-assistant/internal/knowledge"
	"github.com/aihub/rag-assistant/internal/logger"
	"github.com/aihub/rag-assistant/internal/rag"
	"github.com/aihub/rag-assistant/internal/services"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/dig"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// App encapsulates lifecycle resources that need to be cleaned up on shutdown.
type App struct {
	Config   *config.Config
	Pipeline *rag.Pipeline
	Index    knowledge.VectorIndex
	Chat     *services.ChatService
	Health   *database.HealthChecker
	Registry *prometheus.Registry

	cleanupTasks []func() error
}

type resources struct {
	dig.In

	Pipeline *rag.Pipeline
	Index    knowledge.VectorIndex
	Health   *database.HealthChecker
	Chat     *services.ChatService `optional:"true"`
	DB       *gorm.DB              `optional:"true"`
	Producer *kafka.Producer       `optional:"true"`
}

// Init bootstraps configuration, logger, the dependency container and the
// shared infrastructure required by the Beego application.
func Init() (*App, error) {
	// Load environment variables from .env if present (non-fatal if missing).
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	if err := logger.InitLogger(); err != nil {
		return nil, err
	}
	zlog := logger.GetLogger()

	loader := config.NewLoader()
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	config.AppConfig = cfg
	logger.SetLevel(cfg.Server.LogLevel)

	// 配置文件变更时只热更新日志级别，其余配置需要重启
	loader.Watch(func(newCfg *config.Config, err error) {
		if err != nil {
			zlog.Warn("Ignoring invalid configuration change", zap.Error(err))
			return
		}
		logger.SetLevel(newCfg.Server.LogLevel)
		zlog.Info("Configuration reloaded", zap.String("log_level", newCfg.Server.LogLevel))
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	container, err := di.InitContainer(cfg, zlog, registry)
	if err != nil {
		return nil, err
	}

	app := &App{Config: cfg, Registry: registry}
	err = container.Invoke(func(r resources) {
		app.Pipeline = r.Pipeline
		app.Index = r.Index
		app.Health = r.Health
		app.Chat = r.Chat
		if r.Chat != nil {
			app.cleanupTasks = append(app.cleanupTasks, func() error {
				r.Chat.Close()
				return nil
			})
		}
		if r.DB != nil {
			app.cleanupTasks = append(app.cleanupTasks, func() error {
				return database.ClosePostgres(r.DB)
			})
		}
		if r.Producer != nil {
			app.cleanupTasks = append(app.cleanupTasks, r.Producer.Close)
		}
		if closer, ok := r.Index.(io.Closer); ok {
			app.cleanupTasks = append(app.cleanupTasks, closer.Close)
		}
	})
	if err != nil {
		return nil, err
	}

	if app.Chat == nil {
		zlog.Warn("Database not configured, conversation endpoints are disabled")
	}
	return app, nil
}

// Routes 注册全部路由
func (a *App) Routes() {
	deps := router.Dependencies{
		Stats:       a.Pipeline,
		Documents:   a.Index,
		Health:      a.Health,
		Metrics:     promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}),
		Logger:      logger.GetLogger(),
		CORSOrigins: a.Config.Server.CORSOrigins,
		RateLimiter: middleware.NewRateLimiter(a.Config.Server.RateLimitRPS, a.Config.Server.RateLimitBurst),
	}
	// 避免把 nil 指针包装成非 nil 接口
	if a.Chat != nil {
		deps.Chat = a.Chat
	}
	router.Init(deps)
}

// Shutdown flushes/logs and closes resources gracefully.
func (a *App) Shutdown() {
	// Execute cleanup tasks in reverse order (best effort).
	for i := len(a.cleanupTasks) - 1; i >= 0; i-- {
		if err := a.cleanupTasks[i](); err != nil {
			log.Printf("Cleanup error: %v\n", err)
		}
	}

	// Flush logger buffers.
	logger.Sync()
}
