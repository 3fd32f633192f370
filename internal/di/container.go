package di

import (
	"github.com/aihub/rag-assistant/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/dig"
	"go.uber.org/zap"
)

// Container 是依赖注入容器的全局实例
var Container *dig.Container

// InitContainer 按配置创建容器并注册全部提供者
func InitContainer(cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*dig.Container, error) {
	c := dig.New()
	if err := RegisterProviders(c, cfg, logger, reg); err != nil {
		return nil, err
	}
	Container = c
	return c, nil
}

// GetContainer 获取依赖注入容器实例
func GetContainer() *dig.Container {
	return Container
}

// Invoke 封装dig.Invoke
func Invoke(function interface{}, opts ...dig.InvokeOption) error {
	return Container.Invoke(function, opts...)
}
