// internal/pkg/bootstrap/app.go
package bootstrap

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"circulation/internal/pkg/logger"
	"circulation/internal/pkg/tracing"

	"golang.org/x/sync/errgroup"
)

// ShutdownFunc 是关停阶段按注册的逆序执行的清理函数
type ShutdownFunc func(ctx context.Context) error

// AppInfo 包含了启动一个服务所需的所有特定信息。
type AppInfo struct {
	ServiceName string
	Port        int
	// Handler 是服务对外的 HTTP 入口（路由、/metrics、/healthz 由调用方组装）
	Handler http.Handler
	// OnShutdown 中的清理函数按后进先出的顺序执行
	OnShutdown []ShutdownFunc
}

// StartService 封装了通用的启动和优雅关停逻辑，阻塞直到收到退出信号。
func StartService(info AppInfo) error {
	cfg := GetCurrentConfig()

	// 1. Tracer
	tp, err := tracing.InitTracerProvider(info.ServiceName, cfg.Infra.Jaeger.Endpoint, cfg.Infra.Jaeger.SampleRatio)
	if err != nil {
		return err
	}

	// 2. 创建 HTTP Server
	server := &http.Server{
		Addr:              ":" + strconv.Itoa(info.Port),
		Handler:           info.Handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.L().Info().Str("service", info.ServiceName).Int("port", info.Port).Msg("✅ HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// 3. 优雅关停
	g.Go(func() error {
		// 阻塞，直到接收到退出信号或 server 异常退出
		<-gctx.Done()
		logger.L().Info().Str("service", info.ServiceName).Msg("Shutting down service...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// a. 先关闭 HTTP 服务器，不再接收新的借还请求
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.L().Error().Err(err).Msg("Error shutting down http server")
		}

		// b. 关闭各类基础设施连接 (后进先出)
		for i := len(info.OnShutdown) - 1; i >= 0; i-- {
			if err := info.OnShutdown[i](shutdownCtx); err != nil {
				logger.L().Error().Err(err).Msg("Error during shutdown hook")
			}
		}

		// c. 关闭 Tracer Provider，确保所有缓冲的 trace 都被发送出去
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.L().Error().Err(err).Msg("Error shutting down tracer provider")
		}
		return nil
	})

	err = g.Wait()
	logger.L().Info().Str("service", info.ServiceName).Msg("Service gracefully shut down.")
	return err
}
