package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kangbot/internal/broker"
	"kangbot/internal/config"
	"kangbot/internal/lifecycle"
	"kangbot/internal/market"
	"kangbot/internal/metrics"
	"kangbot/internal/notify"
	"kangbot/internal/ratelimit"
	"kangbot/internal/risk"
	"kangbot/internal/signal"
	"kangbot/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, st *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  st,
	}
}

// Run 组装依赖并并发驱动开仓循环与持仓管理循环。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("交易系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("exchange", a.cfg.Exchange.Name),
		zap.String("symbol", a.cfg.Exchange.Symbol),
		zap.String("mode", a.cfg.App.Mode),
		zap.Bool("simulation", a.cfg.Execution.Simulation),
	)

	mgr, events, err := a.build(ctx)
	if err != nil {
		return err
	}

	if err := mgr.Recover(ctx); err != nil {
		a.logger.Warn("启动对账失败", zap.Error(err))
	}

	if a.cfg.App.MetricsPort > 0 {
		metrics.Serve(ctx, a.cfg.App.MetricsPort, a.logger)
	}
	startEventServer(ctx, events, a.cfg.App.MetricsPort+1, a.logger)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		ticker := time.NewTicker(a.cfg.Scheduler.LoopInterval)
		defer ticker.Stop()

		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				if err := mgr.TryOpen(groupCtx); err != nil {
					a.logger.Error("开仓决策失败", zap.Error(err))
				}
			}
		}
	})

	group.Go(func() error {
		ticker := time.NewTicker(a.cfg.Scheduler.ManageInterval)
		defer ticker.Stop()

		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				if err := mgr.ManageTick(groupCtx); err != nil {
					a.logger.Error("持仓管理失败", zap.Error(err))
				}
			}
		}
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}

	a.logger.Info("系统收到退出信号，正在停止")
	return nil
}

// build 按配置组装行情、下单通道、风控与生命周期管理器。
func (a *App) build(_ context.Context) (*lifecycle.Manager, *store.EventLog, error) {
	exchangeCfg := a.cfg.Exchange
	if a.cfg.Risk.DefaultTestnet {
		exchangeCfg.UseSandbox = true
	}

	client, err := market.NewClient(exchangeCfg, a.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("初始化行情客户端失败: %w", err)
	}

	limiter := ratelimit.PerMinute(a.cfg.RateLimit.BrokerCallsPerMinute)
	instrument := broker.DefaultInstrument()

	var channel broker.Broker
	if a.cfg.Execution.Simulation {
		channel = broker.NewPaper(a.cfg.Risk.StartingCapital, instrument,
			func(ctx context.Context, symbol string) (float64, error) {
				candles, err := client.Fetch(ctx, symbol, a.cfg.Exchange.Timeframe, 1)
				if err != nil || len(candles) == 0 {
					return 0, fmt.Errorf("无法取得最新标价: %w", err)
				}
				return candles[len(candles)-1].Close, nil
			}, a.logger)
	} else {
		channel, err = broker.NewCCXT(client, instrument, limiter, a.logger)
		if err != nil {
			return nil, nil, fmt.Errorf("初始化下单通道失败: %w", err)
		}
	}

	stateStore, err := store.NewStateStore(a.store, risk.State{
		Testnet:         a.cfg.Risk.DefaultTestnet,
		Equity:          a.cfg.Risk.StartingCapital,
		StartingCapital: a.cfg.Risk.StartingCapital,
	})
	if err != nil {
		return nil, nil, err
	}

	ledger, err := store.NewLedger(a.store)
	if err != nil {
		return nil, nil, err
	}

	events, err := store.NewEventLog(a.store)
	if err != nil {
		return nil, nil, err
	}

	sink := notify.NewTelegram(a.cfg.Telegram, a.logger)

	gate, err := risk.NewGate(a.cfg.Risk, stateStore, ledger, nil, sink, a.logger)
	if err != nil {
		return nil, nil, err
	}

	mode := a.cfg.TradingMode()
	scorer := signal.NewRuleScorer(mode, a.cfg.Modes, a.cfg.Risk.DefaultLeverage, a.logger)
	adjuster := signal.NewAdjuster(mode, a.cfg.Modes, a.logger)

	var confirmer lifecycle.Confirmer
	if a.cfg.OpenAI.Confirm {
		scorerLimiter := ratelimit.PerMinute(a.cfg.RateLimit.ScorerCallsPerMinute)
		c, err := signal.NewConfirmer(a.cfg.OpenAI, scorerLimiter, a.logger)
		if err != nil {
			return nil, nil, err
		}
		confirmer = c
	}

	mgr, err := lifecycle.NewManager(a.cfg, lifecycle.Deps{
		Broker:    channel,
		Gate:      gate,
		Sizer:     risk.NewSizer(a.cfg.Risk),
		Scorer:    scorer,
		Adjuster:  adjuster,
		Confirmer: confirmer,
		Source:    client,
		Ledger:    ledger,
		Events:    events,
		Sink:      sink,
		Logger:    a.logger,
	})
	if err != nil {
		return nil, nil, err
	}

	return mgr, events, nil
}
