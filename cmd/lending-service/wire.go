package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"circulation/internal/pkg/bootstrap"
	"circulation/internal/pkg/logger"
	"circulation/internal/pkg/mq"
	"circulation/internal/pkg/redis"
	"circulation/internal/pkg/zookeeper"
	"circulation/internal/service/lending/application"
	"circulation/internal/service/lending/domain"
	"circulation/internal/service/lending/domain/port"
	"circulation/internal/service/lending/infrastructure/cache"
	"circulation/internal/service/lending/infrastructure/lock"
	"circulation/internal/service/lending/infrastructure/memory"
	"circulation/internal/service/lending/infrastructure/messaging"
	"circulation/internal/service/lending/infrastructure/persistence"
	"circulation/internal/service/lending/infrastructure/policy"
	"circulation/internal/service/lending/infrastructure/stock"
	"circulation/internal/service/lending/interfaces"

	"gorm.io/gorm"
)

const cacheKeyPrefix = "circulation:"

type app struct {
	handler http.Handler
	closers []bootstrap.ShutdownFunc
}

// accountStore 是可写的账户目录，用于初始化数据
type accountStore interface {
	domain.AccountDirectory
	Upsert(ctx context.Context, account domain.Account) error
}

// assemble 按配置选择各个端口的实现，并把它们显式地注入协调器
func assemble(ctx context.Context, cfg *bootstrap.Config) (*app, error) {
	a := &app{}

	// 1. 基础设施连接
	var db *gorm.DB
	if cfg.App.StockBackend == "gorm" || cfg.App.LedgerBackend == "gorm" {
		var err error
		if db, err = persistence.Open(cfg.Infra.Database); err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return sqlDB.Close() })
		logger.L().Info().Str("driver", cfg.Infra.Database.Driver).Msg("Database connected")
	}

	var rc *redis.Client
	if cfg.App.StockBackend == "redis" || cfg.App.CacheBackend == "redis" {
		var err error
		if rc, err = redis.NewClient(cfg.Infra.Redis.Addrs); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return rc.Close() })
		logger.L().Info().Str("addrs", cfg.Infra.Redis.Addrs).Msg("Redis connected")
	}

	// 2. 账本
	var stockLedger domain.StockLedger
	switch cfg.App.StockBackend {
	case "gorm":
		stockLedger = persistence.NewGormStockLedger(db)
	case "redis":
		s, err := stock.NewRedisStockLedger(rc)
		if err != nil {
			return nil, err
		}
		stockLedger = s
	default:
		stockLedger = memory.NewStockLedger()
	}

	var loanLedger domain.LoanLedger
	var accounts accountStore
	switch cfg.App.LedgerBackend {
	case "gorm":
		loanLedger = persistence.NewGormLoanLedger(db)
		accounts = persistence.NewGormAccountDirectory(db)
	default:
		loanLedger = memory.NewLoanLedger()
		accounts = memory.NewAccountDirectory()
	}

	// 3. 缓存
	var lendingCache port.Cache
	if cfg.App.CacheBackend == "redis" {
		lendingCache = cache.NewRedisCache(rc, cacheKeyPrefix)
	} else {
		lendingCache = memory.NewCache()
	}
	opts := []application.Option{application.WithCacheTTL(cfg.Cache.TitleTTL, cfg.Cache.AccountTTL)}

	// 4. 可选组件：资格策略、按 key 加锁、事件
	if cfg.App.EligibilityRule != "" {
		p, err := policy.NewCELEligibilityPolicy(cfg.App.EligibilityRule)
		if err != nil {
			return nil, err
		}
		opts = append(opts, application.WithEligibilityPolicy(p))
	}

	switch cfg.App.LockBackend {
	case "memory":
		opts = append(opts, application.WithKeyLocker(memory.NewKeyLocker()))
	case "zookeeper":
		conn, err := zookeeper.Connect(cfg.Infra.Zookeeper.Servers, cfg.Infra.Zookeeper.SessionTimeout)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { conn.Close(); return nil })
		locker, err := lock.NewZookeeperKeyLocker(conn, cfg.Infra.Zookeeper.LockRoot)
		if err != nil {
			return nil, err
		}
		opts = append(opts, application.WithKeyLocker(locker))
	}

	if cfg.Infra.Kafka.Enabled {
		writer := mq.NewKafkaWriter(bootstrap.SplitList(cfg.Infra.Kafka.Brokers), cfg.Infra.Kafka.LoanTopic)
		publisher := messaging.NewLoanEventKafkaAdapter(writer)
		a.closers = append(a.closers, func(context.Context) error { return publisher.Close() })
		opts = append(opts, application.WithEventPublisher(publisher))
	}

	coordinator := application.NewLendingCoordinator(stockLedger, loanLedger, accounts, lendingCache, opts...)

	// 5. 初始数据
	if err := seed(ctx, cfg.Seed, coordinator, accounts, lendingCache); err != nil {
		return nil, err
	}

	a.handler = interfaces.NewRouter(interfaces.NewLendingHandler(coordinator, cfg.App.RequestTimeout))
	return a, nil
}

// seed 写入配置中的初始书目和账户，已存在的书目会被跳过，因此可以重复执行。
// 账户是覆盖写入，写入后让缓存中的账户失效
func seed(ctx context.Context, data bootstrap.SeedConfig, coordinator *application.LendingCoordinator, accounts accountStore, lendingCache port.Cache) error {
	for _, t := range data.Titles {
		title := &domain.Title{
			ID:              t.ID,
			Name:            t.Name,
			Author:          t.Author,
			ISBN:            t.ISBN,
			TotalCopies:     t.Copies,
			AvailableCopies: t.Copies,
			Status:          domain.TitleStatusActive,
		}
		err := coordinator.RegisterTitle(ctx, title)
		if errors.Is(err, domain.ErrAlreadyExists) {
			logger.L().Debug().Str("title_id", t.ID).Msg("Seed title already registered, skipped")
			continue
		}
		if err != nil {
			return fmt.Errorf("seed title %s: %w", t.ID, err)
		}
	}
	for _, acc := range data.Accounts {
		err := accounts.Upsert(ctx, domain.Account{ID: acc.ID, Role: domain.Role(acc.Role), Active: acc.Active})
		if err != nil {
			return fmt.Errorf("seed account %s: %w", acc.ID, err)
		}
		// 共享缓存中可能还有旧的账户状态
		if err := lendingCache.Invalidate(ctx, domain.AccountCacheKey(acc.ID)); err != nil {
			return fmt.Errorf("invalidate account %s: %w", acc.ID, err)
		}
	}
	logger.L().Info().Int("titles", len(data.Titles)).Int("accounts", len(data.Accounts)).Msg("Seed data loaded")
	return nil
}
