package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"kangbot/internal/config"
	"kangbot/internal/notify"
)

// 闸门拒绝原因，供调用方与指标统计使用。
const (
	ReasonEquityFloor = "equity_floor"
	ReasonCooldown    = "cooldown"
	ReasonPaused      = "paused"
	ReasonDailyLoss   = "daily_loss_halt"
)

// Authorization 为闸门评估结论。
type Authorization struct {
	OK     bool
	Reason string
	// State 为评估后的最新风控状态快照。
	State State
}

// Gate 在每次开仓前依次执行资金下限、连亏冷却、暂停与日亏检查。
// 所有状态变更在单个事务内落库，评估本身永不下单。
type Gate struct {
	cfg    config.RiskConfig
	store  StateStore
	ledger Ledger
	syncer Syncer
	sink   notify.Sink
	logger *zap.Logger
	now    func() time.Time
}

// NewGate 创建风控闸门。syncer 可为 nil。
func NewGate(cfg config.RiskConfig, store StateStore, ledger Ledger, syncer Syncer, sink notify.Sink, logger *zap.Logger) (*Gate, error) {
	if store == nil {
		return nil, errors.New("risk: store 不能为空")
	}
	if ledger == nil {
		return nil, errors.New("risk: ledger 不能为空")
	}
	if sink == nil {
		sink = notify.NopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Gate{
		cfg:    cfg,
		store:  store,
		ledger: ledger,
		syncer: syncer,
		sink:   sink,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Authorize 以当前净值评估是否允许开仓。
// 检查顺序固定: 资金下限(实盘) -> 外部账本同步 -> 连亏冷却 -> 冷却生效 -> 暂停标志 -> 日亏限制。
func (g *Gate) Authorize(ctx context.Context, equity float64) (Authorization, error) {
	now := g.now().UTC()

	// 同步失败只降级为日志，不阻断评估。
	if g.syncer != nil {
		if err := g.syncer.SyncClosedPnL(ctx); err != nil {
			g.logger.Warn("同步交易所平仓记录失败，使用本地账本", zap.Error(err))
		}
	}

	streak, lastLossClose, err := g.lossStreak(ctx)
	if err != nil {
		return Authorization{}, err
	}

	pnl24, err := g.ledger.SumPnLSince(ctx, now.Add(-24*time.Hour))
	if err != nil {
		return Authorization{}, err
	}

	var (
		reason   string
		messages []string
	)

	updated, err := g.store.Update(ctx, func(st *State) error {
		reason = ""
		messages = messages[:0]

		if st.StartingCapital <= 0 {
			st.StartingCapital = g.cfg.StartingCapital
		}
		if equity > 0 {
			st.Equity = equity
		}
		st.LossStreak = streak
		st.UpdatedAt = now

		// 1. 实盘资金下限: 跌破后强制切换沙盒并拒绝本次开仓。
		if !st.Testnet && g.cfg.EquityFloor > 0 && st.Equity < g.cfg.EquityFloor {
			st.Testnet = true
			reason = ReasonEquityFloor
			messages = append(messages, fmt.Sprintf(
				"净值 %.2f 跌破下限 %.2f，已切换至沙盒模式", st.Equity, g.cfg.EquityFloor))
			return nil
		}

		// 2. 连亏触发冷却。窗口自最近一笔亏损的平仓时刻起算，
		// 已在冷却期内不重复起算，截止已过的陈旧连亏不再触发。
		if g.cfg.LossStreakPause > 0 && streak >= g.cfg.LossStreakPause && !st.CooldownActive(now) {
			anchor := lastLossClose
			if anchor.IsZero() || anchor.After(now) {
				anchor = now
			}
			deadline := anchor.Add(time.Duration(g.cfg.CooldownMinutes) * time.Minute)
			if deadline.After(now) {
				st.CooldownUntil = deadline
				st.CooldownNotified = true
				messages = append(messages, fmt.Sprintf(
					"连续亏损 %d 笔，冷却 %d 分钟", streak, g.cfg.CooldownMinutes))
			}
		}

		// 3. 冷却期内拒绝; 冷却结束补发一次解除通知。
		if st.CooldownActive(now) {
			reason = ReasonCooldown
			return nil
		}
		if st.CooldownNotified {
			st.CooldownNotified = false
			st.CooldownUntil = time.Time{}
			messages = append(messages, "冷却期结束，恢复开仓")
		}

		// 4. 显式暂停。
		if st.Paused {
			reason = ReasonPaused
			return nil
		}

		// 5. 滚动 24 小时亏损超过净值基数比例时暂停，直至人工恢复。
		base := st.Equity
		if st.StartingCapital > base {
			base = st.StartingCapital
		}
		if g.cfg.MaxDailyLoss > 0 && -pnl24 > g.cfg.MaxDailyLoss*base {
			st.Paused = true
			reason = ReasonDailyLoss
			messages = append(messages, fmt.Sprintf(
				"24 小时亏损 %.2f 超过限额 %.2f，暂停开仓", -pnl24, g.cfg.MaxDailyLoss*base))
			return nil
		}

		return nil
	})
	if err != nil {
		return Authorization{}, fmt.Errorf("risk: 更新风控状态失败: %w", err)
	}

	for _, msg := range messages {
		g.logger.Warn("风控状态变更", zap.String("detail", msg))
		g.sink.Send(ctx, msg)
	}

	auth := Authorization{OK: reason == "", Reason: reason, State: updated}
	if !auth.OK {
		g.logger.Info("风控闸门拒绝开仓",
			zap.String("reason", reason),
			zap.Float64("equity", updated.Equity),
			zap.Int("loss_streak", updated.LossStreak),
		)
	}
	return auth, nil
}

// Resume 清除暂停标志与冷却状态。
func (g *Gate) Resume(ctx context.Context) error {
	_, err := g.store.Update(ctx, func(st *State) error {
		st.Paused = false
		st.CooldownUntil = time.Time{}
		st.CooldownNotified = false
		st.UpdatedAt = g.now().UTC()
		return nil
	})
	return err
}

// lossStreak 从最近平仓记录回溯，遇到首笔非亏损即停止，
// 同时返回最近一笔亏损的平仓时刻作为冷却起算点。
func (g *Gate) lossStreak(ctx context.Context) (int, time.Time, error) {
	limit := g.cfg.LossStreakPause * 2
	if limit < 10 {
		limit = 10
	}

	trades, err := g.ledger.RecentClosed(ctx, limit)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("risk: 查询平仓记录失败: %w", err)
	}

	streak := 0
	var lastLossClose time.Time
	for _, tr := range trades {
		if tr.PnL >= 0 {
			break
		}
		if streak == 0 {
			lastLossClose = tr.ClosedAt
		}
		streak++
	}
	return streak, lastLossClose, nil
}
