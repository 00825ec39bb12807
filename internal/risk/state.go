package risk

import (
	"context"
	"time"
)

// State 为账户级风控状态，单行持久化，随每次闸门评估原子更新。
type State struct {
	// Testnet 表示当前是否运行在沙盒。净值跌破下限后会被强制置位。
	Testnet bool
	// Paused 为显式暂停开仓标志，日内亏损超限时置位，需人工或日切恢复。
	Paused bool
	// CooldownUntil 为冷却期截止时间，零值表示无冷却。
	CooldownUntil time.Time
	// CooldownNotified 表示冷却开始通知是否已发出，避免重复推送。
	CooldownNotified bool
	// LossStreak 为最近一次评估得到的连亏次数。
	LossStreak int
	// Equity 为最近已知账户净值。
	Equity float64
	// StartingCapital 为初始资金，日亏基数取 max(Equity, StartingCapital)。
	StartingCapital float64
	UpdatedAt       time.Time
}

// CooldownActive 判断给定时刻是否处于冷却期内。
func (s State) CooldownActive(now time.Time) bool {
	return !s.CooldownUntil.IsZero() && now.Before(s.CooldownUntil)
}

// StateStore 提供风控状态的原子读改写。
// Update 的回调在单个事务内执行，回调返回错误时整体回滚。
type StateStore interface {
	Load(ctx context.Context) (State, error)
	Update(ctx context.Context, fn func(*State) error) (State, error)
}

// ClosedTrade 为账本中一笔已平仓交易的摘要。
type ClosedTrade struct {
	PnL      float64
	ClosedAt time.Time
}

// Ledger 提供已平仓记录查询。
type Ledger interface {
	// RecentClosed 按平仓时间从新到旧返回最多 limit 笔平仓摘要。
	RecentClosed(ctx context.Context, limit int) ([]ClosedTrade, error)
	// SumPnLSince 返回 since 之后平仓的盈亏金额合计。
	SumPnLSince(ctx context.Context, since time.Time) (float64, error)
}

// Syncer 把交易所侧的已平仓记录同步进本地账本。失败不阻断闸门评估。
type Syncer interface {
	SyncClosedPnL(ctx context.Context) error
}
