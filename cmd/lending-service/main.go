// cmd/lending-service/main.go
package main

import (
	"context"

	"circulation/internal/pkg/bootstrap"
	"circulation/internal/pkg/logger"

	"github.com/gin-gonic/gin"
)

// main 函数是应用的"组装根" (Composition Root)
// 它的核心职责是：创建并组装所有依赖项，然后启动应用。
func main() {
	cfg := bootstrap.Init()
	logger.Init(cfg.App.Name, cfg.App.LogLevel)
	if cfg.App.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	app, err := assemble(context.Background(), cfg)
	if err != nil {
		logger.L().Fatal().Err(err).Msg("Failed to assemble lending service")
	}

	err = bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: cfg.App.Name,
		Port:        cfg.App.Port,
		Handler:     app.handler,
		OnShutdown:  app.closers,
	})
	if err != nil {
		logger.L().Fatal().Err(err).Msg("Lending service exited with error")
	}
}
