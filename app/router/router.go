package router

import (
	"net/http"

	"github.com/aihub/rag-assistant/app/controllers"
	"github.com/aihub/rag-assistant/app/middleware"
	"github.com/beego/beego/v2/server/web"
	"go.uber.org/zap"
)

// Dependencies 路由需要的服务；Chat 为 nil 时会话接口返回 503
type Dependencies struct {
	Chat        controllers.ChatAPI
	Stats       controllers.StatsAPI
	Documents   controllers.DocumentIndexAPI
	Health      controllers.HealthAPI
	Metrics     http.Handler
	Logger      *zap.Logger
	CORSOrigins []string
	RateLimiter *middleware.RateLimiter
}

// Init registers all routes. Must be called after config is loaded.
func Init(deps Dependencies) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	web.InsertFilter("/*", web.BeforeRouter, middleware.RequestStart)
	web.InsertFilter("/*", web.BeforeRouter, middleware.NewCORSFilter(deps.CORSOrigins))
	if deps.RateLimiter != nil {
		web.InsertFilter("/api/chat", web.BeforeRouter, deps.RateLimiter.Filter())
		web.InsertFilter("/api/chat/*", web.BeforeRouter, deps.RateLimiter.Filter())
	}
	web.InsertFilter("/*", web.FinishRouter, middleware.NewRequestLogger(deps.Logger.Named("http")), web.WithReturnOnOutput(false))

	web.Router("/", &controllers.RootController{}, "get:Index")
	web.Router("/health", &controllers.HealthController{Checker: deps.Health}, "get:Health")
	if deps.Metrics != nil {
		web.Router("/metrics", &controllers.MetricsController{Handler: deps.Metrics}, "get:Metrics")
	}

	web.Router("/api/stats", &controllers.StatsController{Pipeline: deps.Stats}, "get:Get")

	chatController := controllers.NewChatController(deps.Chat)
	web.Router("/api/chat", chatController, "post:Post")
	web.Router("/api/chat/stream", chatController, "post:Stream")

	documentController := controllers.NewDocumentController(deps.Documents)
	web.Router("/api/documents", documentController, "get:List")
	web.Router("/api/documents/:id", documentController, "get:Get;delete:Delete")

	conversationController := controllers.NewConversationController(deps.Chat)
	web.Router("/api/conversations", conversationController, "get:List")
	web.Router("/api/conversations/:id", conversationController, "get:Get;delete:Delete")
}
