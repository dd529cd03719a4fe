// cmd/stock-auditor/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"circulation/internal/pkg/bootstrap"
	"circulation/internal/pkg/logger"
	"circulation/internal/pkg/redis"
	"circulation/internal/service/lending/application"
	"circulation/internal/service/lending/domain"
	"circulation/internal/service/lending/domain/port"
	"circulation/internal/service/lending/infrastructure/audit"
	"circulation/internal/service/lending/infrastructure/persistence"
	"circulation/internal/service/lending/infrastructure/stock"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// stock-auditor 周期性核对 available 与 total - 进行中借阅数 是否一致。
// -interval 为 0 时只运行一次，发现偏差以非零状态退出，便于挂在 cron 上。
func main() {
	source := flag.String("source", "sql", "drift source: sql | ledger")
	interval := flag.Duration("interval", 0, "audit interval, 0 runs once")
	metricsAddr := flag.String("metrics-addr", "", "expose /metrics on this address while running periodically")
	flag.Parse()

	cfg := bootstrap.Init()
	logger.Init("stock-auditor", cfg.App.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scanner, closeFn, err := newScanner(ctx, *source, cfg)
	if err != nil {
		logger.L().Fatal().Err(err).Str("source", *source).Msg("Failed to build drift scanner")
	}
	defer closeFn()

	auditor := application.NewStockAuditor(scanner)

	if *interval <= 0 {
		code := 0
		drifts, err := auditor.Audit(ctx)
		switch {
		case err != nil:
			logger.L().Error().Err(err).Msg("Stock audit failed")
			code = 2
		case len(drifts) > 0:
			code = 1
		}
		// os.Exit 不会执行 defer
		stop()
		closeFn()
		os.Exit(code)
	}

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.L().Error().Err(err).Msg("Metrics server exited")
			}
		}()
		defer server.Close()
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		if _, err := auditor.Audit(ctx); err != nil {
			logger.L().Error().Err(err).Msg("Stock audit failed")
		}
		select {
		case <-ctx.Done():
			logger.L().Info().Msg("Stock auditor stopped")
			return
		case <-ticker.C:
		}
	}
}

// newScanner sql 直接在数据库上做聚合；ledger 通过账本接口逐个比对，
// 可以覆盖库存在 redis、借阅记录在数据库的组合。
func newScanner(ctx context.Context, source string, cfg *bootstrap.Config) (port.DriftScanner, func(), error) {
	switch source {
	case "sql":
		db, dialect, err := audit.Connect(ctx, cfg.Infra.Database.Driver, cfg.Infra.Database.DSN)
		if err != nil {
			return nil, nil, err
		}
		return audit.NewSQLDriftScanner(db, dialect), func() { _ = db.Close() }, nil

	case "ledger":
		db, err := persistence.Open(cfg.Infra.Database)
		if err != nil {
			return nil, nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		closers := []func(){func() { _ = sqlDB.Close() }}

		var stockLedger domain.StockLedger = persistence.NewGormStockLedger(db)
		if cfg.App.StockBackend == "redis" {
			rc, err := redis.NewClient(cfg.Infra.Redis.Addrs)
			if err != nil {
				_ = sqlDB.Close()
				return nil, nil, err
			}
			closers = append(closers, func() { _ = rc.Close() })
			rs, err := stock.NewRedisStockLedger(rc)
			if err != nil {
				for _, c := range closers {
					c()
				}
				return nil, nil, err
			}
			stockLedger = rs
		}
		closeAll := func() {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		}
		return application.NewLedgerDriftScanner(stockLedger, persistence.NewGormLoanLedger(db)), closeAll, nil
	}
	return nil, nil, errors.New("unknown drift source " + source)
}
