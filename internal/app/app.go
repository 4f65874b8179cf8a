package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"trade-router/internal/backend"
	"trade-router/internal/config"
	"trade-router/internal/journal"
	"trade-router/internal/router"
	"trade-router/internal/statecache"
	"trade-router/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 组装交易所、路由器与周边服务，然后阻塞等待退出信号。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("交易路由器已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("primary", a.cfg.Exchanges.Primary),
		zap.Strings("failovers", a.cfg.Exchanges.Failovers),
	)

	names := a.cfg.Exchanges.Names()
	backends := make([]backend.Backend, 0, len(names))
	for _, name := range names {
		acct, ok := a.cfg.Exchanges.Account(name)
		if !ok {
			return fmt.Errorf("缺少交易所 %s 的账户配置", name)
		}
		b, err := backend.NewCCXTBackend(acct, a.logger)
		if err != nil {
			return err
		}
		backends = append(backends, b)
	}

	journalSvc, err := journal.NewService(a.store, a.logger)
	if err != nil {
		return err
	}

	rt, err := router.New(router.Config{
		Router:   a.cfg.Router,
		Health:   a.cfg.Health,
		Backends: backends,
		Sink:     journalSvc,
	}, a.logger)
	if err != nil {
		return err
	}

	if err := rt.Initialize(ctx); err != nil {
		return err
	}
	if rt.Status().State == router.StateError {
		journalSvc.RecordError(ctx, "所有交易所初始探测均失败", router.ErrNoHealthyBackend, map[string]interface{}{
			"primary":   a.cfg.Exchanges.Primary,
			"failovers": a.cfg.Exchanges.Failovers,
		})
	}

	if a.cfg.Monitor.Enabled {
		startStatusServer(ctx, rt, journalSvc, a.cfg.Monitor.Listen, a.logger)
	}

	if a.cfg.StateCache.Addr != "" {
		publisher := statecache.NewPublisher(a.cfg.StateCache, rt, a.logger)
		go publisher.Run(ctx)
		a.logger.Info("状态缓存发布已启动", zap.String("addr", a.cfg.StateCache.Addr))
	}

	<-ctx.Done()
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		_ = rt.Stop()
		return fmt.Errorf("系统异常退出: %w", err)
	}

	a.logger.Info("系统收到退出信号，正在停止")
	if err := rt.Stop(); err != nil {
		journalSvc.RecordError(context.Background(), "路由器停止超时", err, nil)
		return err
	}
	return nil
}
