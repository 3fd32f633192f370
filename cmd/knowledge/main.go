package main

import (
	"log"
	"strconv"

	"github.com/aihub/rag-assistant/app/bootstrap"
	"github.com/aihub/rag-assistant/internal/logger"
	"github.com/beego/beego/v2/server/web"
	"go.uber.org/zap"
)

func main() {
	app, err := bootstrap.Init()
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer app.Shutdown()

	port, err := strconv.Atoi(app.Config.Server.Port)
	if err != nil {
		log.Fatalf("invalid server port %q: %v", app.Config.Server.Port, err)
	}

	app.Routes()

	web.BConfig.AppName = "RAG Assistant"
	web.BConfig.CopyRequestBody = true
	web.BConfig.WebConfig.AutoRender = false
	web.BConfig.Listen.HTTPPort = port
	if app.Config.Server.Env == "production" {
		web.BConfig.RunMode = web.PROD
	}

	logger.GetLogger().Info("Starting RAG assistant", zap.Int("port", port), zap.String("env", app.Config.Server.Env))
	web.Run()
}
