package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"kangbot/internal/broker"
	"kangbot/internal/config"
	"kangbot/internal/market"
	"kangbot/internal/metrics"
	"kangbot/internal/notify"
	"kangbot/internal/risk"
	"kangbot/internal/signal"
	"kangbot/internal/store"
)

// State 为持仓状态机的状态。
type State uint8

const (
	// StateIdle 无持仓。
	StateIdle State = iota
	// StateOpen 已开仓，TP1 尚未触发。
	StateOpen
	// StateBreakeven TP1 已触发，止损移至保本并开始追踪。
	StateBreakeven
)

// 平仓结果。
const (
	ResultTP   = "TP"
	ResultSL   = "SL"
	ResultNone = "NONE"
)

// stopMoveEpsilon 追踪止损只在新目标严格优于当前值时移动。
const stopMoveEpsilon = 1e-8

// Trade 为当前活跃交易。
type Trade struct {
	UID          string
	Symbol       string
	Side         string
	Entry        float64
	Qty          float64
	TPFrac       float64
	SLFrac       float64
	TrailingFrac float64
	StopPrice    float64
	OpenedAt     time.Time
	Ticks        int
}

// Authorizer 为开仓前的风控闸门。
type Authorizer interface {
	Authorize(ctx context.Context, equity float64) (risk.Authorization, error)
}

// Confirmer 为低信心信号的复核器。
type Confirmer interface {
	Confirm(ctx context.Context, req signal.ConfirmRequest) signal.Verdict
}

// Ledger 为生命周期使用的账本子集。
type Ledger interface {
	OpenPlaceholder(ctx context.Context, rec store.TradeRecord) (string, error)
	Reconcile(ctx context.Context, uid, result string, pnl float64, barsHeld int, closedAt time.Time) error
	OpenTrades(ctx context.Context) ([]store.TradeRecord, error)
}

// EventRecorder 记录生命周期事件，失败降级为日志。
type EventRecorder interface {
	Record(ctx context.Context, tradeUID, eventType, message, details string) error
}

// Deps 汇总管理器依赖。
type Deps struct {
	Broker    broker.Broker
	Gate      Authorizer
	Sizer     *risk.Sizer
	Scorer    signal.Scorer
	Adjuster  *signal.Adjuster
	Confirmer Confirmer
	Source    market.Source
	Ledger    Ledger
	Events    EventRecorder
	Sink      notify.Sink
	Logger    *zap.Logger
}

// Manager 驱动单交易对的完整订单生命周期:
// 闸门 -> 信号 -> 仓位 -> 下单 -> 分批止盈/保本/追踪 -> 平仓对账。
// 同一时刻最多持有一笔交易。
type Manager struct {
	cfg    *config.Config
	mode   config.Mode
	params config.ModeParams
	deps   Deps
	logger *zap.Logger

	mu          sync.Mutex
	state       State
	trade       *Trade
	killsLogged bool
}

// NewManager 创建生命周期管理器。
func NewManager(cfg *config.Config, deps Deps) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("lifecycle: 配置不能为空")
	}
	if deps.Broker == nil || deps.Gate == nil || deps.Scorer == nil ||
		deps.Adjuster == nil || deps.Source == nil || deps.Ledger == nil {
		return nil, errors.New("lifecycle: 依赖不完整")
	}
	if deps.Sizer == nil {
		deps.Sizer = risk.NewSizer(cfg.Risk)
	}
	if deps.Sink == nil {
		deps.Sink = notify.NopSink{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	mode := cfg.TradingMode()
	return &Manager{
		cfg:    cfg,
		mode:   mode,
		params: mode.Params(cfg.Modes),
		deps:   deps,
		logger: deps.Logger,
		state:  StateIdle,
	}, nil
}

// State 返回当前状态。
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ActiveTrade 返回当前交易的副本，无持仓时返回 nil。
func (m *Manager) ActiveTrade() *Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.trade == nil {
		return nil
	}
	t := *m.trade
	return &t
}

// Recover 启动时对账: 账本中遗留的 OPEN 记录若交易所已无仓位，
// 按零盈亏关闭; 若仓位仍在，恢复为活跃交易继续管理。
func (m *Manager) Recover(ctx context.Context) error {
	open, err := m.deps.Ledger.OpenTrades(ctx)
	if err != nil {
		return fmt.Errorf("lifecycle: 读取遗留记录失败: %w", err)
	}
	if len(open) == 0 {
		return nil
	}

	symbol := m.cfg.Exchange.Symbol
	positions, err := m.deps.Broker.Positions(ctx, symbol)
	if err != nil {
		return fmt.Errorf("lifecycle: 启动对账查询仓位失败: %w", err)
	}

	for i, rec := range open {
		if len(positions) > 0 && i == len(open)-1 {
			pos := positions[0]
			side := broker.SideBuy
			if pos.Side == "short" {
				side = broker.SideSell
			}

			m.mu.Lock()
			m.trade = &Trade{
				UID:          rec.UID,
				Symbol:       symbol,
				Side:         side,
				Entry:        rec.EntryPrice,
				Qty:          pos.Size,
				TPFrac:       rec.TPFrac,
				SLFrac:       rec.SLFrac,
				TrailingFrac: m.params.TrailingOverride,
				StopPrice:    stopFromEntry(side, rec.EntryPrice, rec.SLFrac),
				OpenedAt:     rec.OpenedAt,
			}
			m.state = StateOpen
			m.mu.Unlock()

			m.logger.Info("恢复遗留持仓", zap.String("uid", rec.UID))
			continue
		}

		if err := m.deps.Ledger.Reconcile(ctx, rec.UID, ResultNone, 0, 0, time.Now().UTC()); err != nil {
			m.logger.Warn("关闭遗留占位记录失败", zap.String("uid", rec.UID), zap.Error(err))
		}
	}

	return nil
}

// TryOpen 执行一次完整的开仓决策。无信号或被拦截时静默返回。
func (m *Manager) TryOpen(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if !tradingEnabled() {
		m.mu.Lock()
		logged := m.killsLogged
		m.killsLogged = true
		m.mu.Unlock()
		if !logged {
			m.recordEvent(ctx, "", store.EventKillSwitch, "ENABLE_TRADING 关闭，暂停开仓", "")
			m.logger.Warn("开仓总开关已关闭", zap.String("env", "ENABLE_TRADING"))
		}
		return nil
	}
	m.mu.Lock()
	m.killsLogged = false
	m.mu.Unlock()

	symbol := m.cfg.Exchange.Symbol

	equity, err := m.deps.Broker.Equity(ctx)
	if err != nil {
		m.logger.Warn("读取净值失败，跳过本轮", zap.Error(err))
		return nil
	}
	metrics.SetEquity(equity)

	auth, err := m.deps.Gate.Authorize(ctx, equity)
	if err != nil {
		return fmt.Errorf("lifecycle: 风控评估失败: %w", err)
	}
	metrics.SetLossStreak(auth.State.LossStreak)
	if !auth.OK {
		metrics.RiskBlocked(auth.Reason)
		return nil
	}

	candles, err := m.deps.Source.Fetch(ctx, symbol, m.cfg.Exchange.Timeframe, signal.MinContextBars*3)
	if err != nil {
		m.logger.Warn("拉取行情失败，跳过本轮", zap.Error(err))
		return nil
	}

	snap, err := signal.Extract(symbol, candles)
	if err != nil {
		m.logger.Debug("特征提取失败", zap.Error(err))
		return nil
	}

	raw, err := m.deps.Scorer.Score(ctx, snap)
	if err != nil {
		m.logger.Warn("信号评分失败", zap.Error(err))
		return nil
	}

	sig := m.deps.Adjuster.Adjust(raw, snap)
	if sig.Action == signal.ActionSkip {
		return nil
	}

	qty := m.deps.Sizer.Size(auth.State.Equity, snap.Close, sig.SLFrac)
	if qty <= 0 {
		m.logger.Debug("仓位计算为零，跳过", zap.Float64("equity", auth.State.Equity))
		return nil
	}

	side := broker.SideBuy
	if sig.Action == signal.ActionSell {
		side = broker.SideSell
	}

	// 信心不足时请求大模型复核，否决即放弃。
	if m.deps.Confirmer != nil && m.cfg.OpenAI.Confirm && sig.Confidence < m.cfg.OpenAI.ConfirmMinConf {
		verdict := m.deps.Confirmer.Confirm(ctx, signal.ConfirmRequest{
			Symbol:     symbol,
			Side:       side,
			Qty:        qty,
			Vol:        snap.Vol,
			Confidence: sig.Confidence,
		})
		if !verdict.OK {
			m.logger.Info("复核否决信号", zap.String("why", verdict.Why))
			return nil
		}
	}

	// 杠杆设置失败不阻断开仓。
	if err := m.deps.Broker.SetLeverage(ctx, symbol, sig.Leverage); err != nil {
		m.logger.Warn("设置杠杆失败", zap.Int("leverage", sig.Leverage), zap.Error(err))
	}

	uid, err := m.deps.Ledger.OpenPlaceholder(ctx, store.TradeRecord{
		Mode:       m.mode.String(),
		Symbol:     symbol,
		Side:       side,
		EntryPrice: snap.Close,
		Qty:        qty,
		TPFrac:     sig.TPFrac,
		SLFrac:     sig.SLFrac,
	})
	if err != nil {
		return fmt.Errorf("lifecycle: 写入占位记录失败: %w", err)
	}

	order, err := m.deps.Broker.PlaceMarket(ctx, symbol, side, qty, false)
	if err != nil {
		m.recordEvent(ctx, uid, store.EventOrderRejected, fmt.Sprintf("开仓失败: %v", err), "")
		if recErr := m.deps.Ledger.Reconcile(ctx, uid, ResultNone, 0, 0, time.Now().UTC()); recErr != nil {
			m.logger.Warn("回滚占位记录失败", zap.String("uid", uid), zap.Error(recErr))
		}
		return fmt.Errorf("lifecycle: 开仓失败: %w", err)
	}

	entry := order.Price
	if entry <= 0 {
		entry = snap.Close
	}

	trade := &Trade{
		UID:          uid,
		Symbol:       symbol,
		Side:         side,
		Entry:        entry,
		Qty:          order.Qty,
		TPFrac:       sig.TPFrac,
		SLFrac:       sig.SLFrac,
		TrailingFrac: sig.TrailingFrac,
		StopPrice:    stopFromEntry(side, entry, sig.SLFrac),
		OpenedAt:     time.Now().UTC(),
	}

	m.placeExitOrders(ctx, trade)

	m.mu.Lock()
	m.trade = trade
	m.state = StateOpen
	m.mu.Unlock()

	metrics.TradeOpened(side)
	m.recordEvent(ctx, uid, store.EventOrderPlaced,
		fmt.Sprintf("%s %s qty=%.6f entry=%.2f tp=%.4f sl=%.4f",
			side, symbol, trade.Qty, entry, sig.TPFrac, sig.SLFrac), "")
	m.deps.Sink.Send(ctx, fmt.Sprintf("开仓 %s %s 数量 %.6f 价格 %.2f", side, symbol, trade.Qty, entry))

	m.logger.Info("开仓完成",
		zap.String("uid", uid),
		zap.String("side", side),
		zap.Float64("qty", trade.Qty),
		zap.Float64("entry", entry),
		zap.Float64("confidence", sig.Confidence),
	)

	return nil
}

// ManageTick 管理活跃持仓: 检测平仓、触发保本、推进追踪止损。
func (m *Manager) ManageTick(ctx context.Context) error {
	m.mu.Lock()
	if m.trade == nil {
		m.mu.Unlock()
		return nil
	}
	trade := *m.trade
	state := m.state
	m.mu.Unlock()

	positions, err := m.deps.Broker.Positions(ctx, trade.Symbol)
	if err != nil {
		m.logger.Warn("查询仓位失败", zap.Error(err))
		return nil
	}

	price, err := m.deps.Broker.LastPrice(ctx, trade.Symbol)
	if err != nil {
		m.logger.Warn("读取最新价失败", zap.Error(err))
		return nil
	}

	if len(positions) == 0 {
		return m.closeTrade(ctx, trade, price)
	}

	profit := profitFraction(trade.Side, trade.Entry, price)

	// TP1 触发前每轮幂等补挂减仓单，开仓时失败的挂单在此重试。
	if state == StateOpen {
		m.placeExitOrders(ctx, &trade)
	}

	// TP1 触发: 移动止损到保本价。数量侧由挂好的减仓单自行成交。
	if state == StateOpen && profit >= trade.TPFrac*m.params.BreakevenTrigger {
		if err := m.deps.Broker.SetStop(ctx, trade.Symbol, broker.OppositeSide(trade.Side), positions[0].Size, trade.Entry); err != nil {
			m.logger.Warn("移动保本止损失败", zap.Error(err))
		} else {
			m.mu.Lock()
			if m.trade != nil && m.trade.UID == trade.UID {
				m.trade.StopPrice = trade.Entry
				m.state = StateBreakeven
			}
			m.mu.Unlock()

			m.recordEvent(ctx, trade.UID, store.EventTP1Filled,
				fmt.Sprintf("TP1 触发 price=%.2f", price), "")
			m.recordEvent(ctx, trade.UID, store.EventBreakeven,
				fmt.Sprintf("保本止损已激活 entry=%.2f", trade.Entry), "")
			m.deps.Sink.Send(ctx, fmt.Sprintf("%s 保本止损已激活", trade.Symbol))
			state = StateBreakeven
			trade.StopPrice = trade.Entry
		}
	}

	// 追踪止损: 只单向收紧，永不劣于保本价。
	if state == StateBreakeven && trade.TrailingFrac > 0 {
		target := trailingTarget(trade.Side, trade.Entry, price, trade.TrailingFrac)
		if betterStop(trade.Side, target, trade.StopPrice) {
			if err := m.deps.Broker.SetStop(ctx, trade.Symbol, broker.OppositeSide(trade.Side), positions[0].Size, target); err != nil {
				m.logger.Warn("推进追踪止损失败", zap.Error(err))
			} else {
				m.mu.Lock()
				if m.trade != nil && m.trade.UID == trade.UID {
					m.trade.StopPrice = target
				}
				m.mu.Unlock()

				m.recordEvent(ctx, trade.UID, store.EventTrailAdjust,
					fmt.Sprintf("追踪止损移动至 %.2f", target), "")
			}
		}
	}

	m.mu.Lock()
	if m.trade != nil && m.trade.UID == trade.UID {
		m.trade.Ticks++
	}
	m.mu.Unlock()

	return nil
}

// placeExitOrders 挂 TP1/TP2 只减仓限价单与初始止损。
// 已有等价挂单时跳过，保证重复调用幂等。
func (m *Manager) placeExitOrders(ctx context.Context, trade *Trade) {
	exitSide := broker.OppositeSide(trade.Side)

	open, err := m.deps.Broker.OpenOrders(ctx, trade.Symbol)
	if err != nil {
		m.logger.Warn("查询挂单失败", zap.Error(err))
		open = nil
	}

	tp1Price := takeProfitPrice(trade.Side, trade.Entry, trade.TPFrac*m.params.TP1Part)
	tp2Price := takeProfitPrice(trade.Side, trade.Entry, trade.TPFrac)
	tp1Qty := trade.Qty * m.params.TP1Part
	tp2Qty := trade.Qty * m.params.TP2Part
	if tp1Qty+tp2Qty > trade.Qty {
		tp2Qty = trade.Qty - tp1Qty
	}

	if !broker.HasMatchingOrder(open, exitSide, tp1Qty, tp1Price) {
		if _, err := m.deps.Broker.PlaceReduceOnlyLimit(ctx, trade.Symbol, exitSide, tp1Qty, tp1Price); err != nil {
			m.logger.Warn("挂 TP1 失败", zap.Error(err))
		}
	}
	if tp2Qty > 0 && !broker.HasMatchingOrder(open, exitSide, tp2Qty, tp2Price) {
		if _, err := m.deps.Broker.PlaceReduceOnlyLimit(ctx, trade.Symbol, exitSide, tp2Qty, tp2Price); err != nil {
			m.logger.Warn("挂 TP2 失败", zap.Error(err))
		}
	}

	hasStop := false
	for _, o := range open {
		if o.StopPrice > 0 {
			hasStop = true
			break
		}
	}
	if !hasStop {
		if err := m.deps.Broker.SetStop(ctx, trade.Symbol, exitSide, trade.Qty, trade.StopPrice); err != nil {
			m.logger.Warn("挂初始止损失败", zap.Error(err))
		}
	}
}

// closeTrade 处理仓位消失: 对账账本、累计净值、清理挂单。
func (m *Manager) closeTrade(ctx context.Context, trade Trade, lastPrice float64) error {
	pnlFrac := profitFraction(trade.Side, trade.Entry, lastPrice)
	result := ResultSL
	if pnlFrac > 0 {
		result = ResultTP
	}
	pnlAmount := pnlFrac * trade.Entry * trade.Qty

	if err := m.deps.Ledger.Reconcile(ctx, trade.UID, result, pnlAmount, trade.Ticks, time.Now().UTC()); err != nil {
		m.logger.Warn("平仓对账失败", zap.String("uid", trade.UID), zap.Error(err))
	}

	// 撤掉残留挂单，失败留给下一轮。
	if open, err := m.deps.Broker.OpenOrders(ctx, trade.Symbol); err == nil {
		for _, o := range open {
			if err := m.deps.Broker.CancelOrder(ctx, o.ID, trade.Symbol); err != nil {
				m.logger.Warn("撤销残留挂单失败", zap.String("order_id", o.ID), zap.Error(err))
			}
		}
	}

	m.mu.Lock()
	m.trade = nil
	m.state = StateIdle
	m.mu.Unlock()

	metrics.TradeClosed(result)
	m.recordEvent(ctx, trade.UID, store.EventClosed,
		fmt.Sprintf("平仓 result=%s pnl=%.4f", result, pnlAmount), "")
	m.deps.Sink.Send(ctx, fmt.Sprintf("平仓 %s %s 盈亏 %.4f", trade.Symbol, result, pnlAmount))

	m.logger.Info("持仓已关闭",
		zap.String("uid", trade.UID),
		zap.String("result", result),
		zap.Float64("pnl", pnlAmount),
	)

	return nil
}

func (m *Manager) recordEvent(ctx context.Context, uid, eventType, message, details string) {
	if m.deps.Events == nil {
		return
	}
	if err := m.deps.Events.Record(ctx, uid, eventType, message, details); err != nil {
		m.logger.Warn("写入事件失败", zap.String("event", eventType), zap.Error(err))
	}
}

// tradingEnabled 检查 ENABLE_TRADING 总开关，未设置视为开启。
func tradingEnabled() bool {
	switch strings.ToLower(os.Getenv("ENABLE_TRADING")) {
	case "false", "0", "no":
		return false
	}
	return true
}

// profitFraction 返回方向调整后的浮动盈亏比例。
func profitFraction(side string, entry, price float64) float64 {
	if entry <= 0 {
		return 0
	}
	frac := (price - entry) / entry
	if side == broker.SideSell {
		frac = -frac
	}
	return frac
}

// stopFromEntry 按止损比例推导初始止损价。
func stopFromEntry(side string, entry, slFrac float64) float64 {
	if side == broker.SideSell {
		return entry * (1 + slFrac)
	}
	return entry * (1 - slFrac)
}

// takeProfitPrice 按止盈比例推导目标价。
func takeProfitPrice(side string, entry, tpFrac float64) float64 {
	if side == broker.SideSell {
		return entry * (1 - tpFrac)
	}
	return entry * (1 + tpFrac)
}

// trailingTarget 返回追踪止损候选价，且永不劣于保本价。
func trailingTarget(side string, entry, price, trailingFrac float64) float64 {
	if side == broker.SideSell {
		candidate := price * (1 + trailingFrac)
		return math.Min(candidate, entry)
	}
	candidate := price * (1 - trailingFrac)
	return math.Max(candidate, entry)
}

// betterStop 判断新止损是否严格优于当前止损。
func betterStop(side string, target, current float64) bool {
	if side == broker.SideSell {
		return target < current-stopMoveEpsilon
	}
	return target > current+stopMoveEpsilon
}
