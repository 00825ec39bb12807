package backtest

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"kangbot/internal/config"
	"kangbot/internal/market"
	"kangbot/internal/signal"
	"kangbot/internal/sim"
)

// minOffset 为首个可评估下标的下限，保证指标有足够历史。
const minOffset = 50

// Config 控制走样回测的窗口切分与成本模型。
type Config struct {
	Mode        config.Mode
	Overrides   config.ModesConfig
	Symbol      string
	Timeframe   string
	TrainBars   int
	TestBars    int
	StepBars    int
	HorizonBars int
	// FeeRT 与 SlipRT 为单边来回的费率与滑点，合计成本 fee + 2*slip。
	FeeRT         float64
	SlipRT        float64
	InitialEquity float64
	Leverage      int
}

func (c Config) normalize() Config {
	if c.TrainBars < minOffset {
		c.TrainBars = minOffset
	}
	if c.TestBars <= 0 {
		c.TestBars = 300
	}
	if c.StepBars <= 0 {
		c.StepBars = c.TestBars
	}
	if c.HorizonBars <= 0 {
		c.HorizonBars = 96
	}
	if c.InitialEquity <= 0 {
		c.InitialEquity = 1
	}
	if c.Leverage < 1 {
		c.Leverage = 1
	}
	return c
}

// TradeLogEntry 为回测中的一笔成交。
type TradeLogEntry struct {
	Index     int     `json:"index"`
	Timestamp string  `json:"timestamp"`
	Action    string  `json:"action"`
	Result    string  `json:"result"`
	Bars      int     `json:"bars"`
	PnLGross  float64 `json:"pnl_gross"`
	PnLNet    float64 `json:"pnl_net"`
	Equity    float64 `json:"equity"`
}

// Report 为一次走样回测的汇总。
type Report struct {
	Mode        string          `json:"mode"`
	Symbol      string          `json:"symbol"`
	Timeframe   string          `json:"timeframe"`
	GeneratedAt time.Time       `json:"generated_at"`
	Bars        int             `json:"bars"`
	Windows     int             `json:"windows"`
	Trades      int             `json:"trades"`
	Wins        int             `json:"wins"`
	Winrate     float64         `json:"winrate"`
	PnLSum      float64         `json:"pnl_sum"`
	AvgPnL      float64         `json:"avg_pnl"`
	EquityFinal float64         `json:"equity_final"`
	TradeLog    []TradeLogEntry `json:"trade_log"`
}

// Engine 在历史K线上按滚动窗口重放信号并用路径模拟器结算。
// 信号链与实盘完全一致: 特征提取、规则评分、模式调整。
type Engine struct {
	cfg      Config
	scorer   signal.Scorer
	adjuster *signal.Adjuster
	logger   *zap.Logger
}

// NewEngine 构建回测引擎。scorer 为空时使用规则信号源。
func NewEngine(cfg Config, scorer signal.Scorer, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg = cfg.normalize()
	if scorer == nil {
		scorer = signal.NewRuleScorer(cfg.Mode, cfg.Overrides, cfg.Leverage, logger)
	}

	return &Engine{
		cfg:      cfg,
		scorer:   scorer,
		adjuster: signal.NewAdjuster(cfg.Mode, cfg.Overrides, logger),
		logger:   logger,
	}, nil
}

// Run 执行走样回测。数据不足以形成一个窗口时返回错误。
func (e *Engine) Run(ctx context.Context, candles []market.Candle) (Report, error) {
	report := Report{
		Mode:        e.cfg.Mode.String(),
		Symbol:      e.cfg.Symbol,
		Timeframe:   e.cfg.Timeframe,
		GeneratedAt: time.Now().UTC(),
		Bars:        len(candles),
		EquityFinal: e.cfg.InitialEquity,
	}

	start := e.cfg.TrainBars
	if start < minOffset {
		start = minOffset
	}
	if len(candles) <= start+e.cfg.HorizonBars+1 {
		return report, errors.New("backtest: K线数量不足以形成评估窗口")
	}

	cost := e.cfg.FeeRT + 2*e.cfg.SlipRT
	equity := e.cfg.InitialEquity
	lastIndex := len(candles) - e.cfg.HorizonBars - 1

	for windowStart := start; windowStart <= lastIndex; windowStart += e.cfg.StepBars {
		windowEnd := windowStart + e.cfg.TestBars
		if windowEnd > lastIndex+1 {
			windowEnd = lastIndex + 1
		}
		report.Windows++

		// 每个下标独立评估: 持仓期间的后续K线照常产生新交易。
		for j := windowStart; j < windowEnd; j++ {
			if err := ctx.Err(); err != nil {
				return report, err
			}

			entry, outcome, ok := e.evaluateBar(ctx, candles, j)
			if !ok {
				continue
			}

			pnlNet := outcome.PnLFraction - cost
			equity *= 1 + pnlNet

			report.Trades++
			report.PnLSum += pnlNet
			if pnlNet > 0 {
				report.Wins++
			}

			report.TradeLog = append(report.TradeLog, TradeLogEntry{
				Index:     j,
				Timestamp: candles[j].Timestamp.UTC().Format(time.RFC3339),
				Action:    entry,
				Result:    string(outcome.Result),
				Bars:      outcome.BarsToExit,
				PnLGross:  outcome.PnLFraction,
				PnLNet:    pnlNet,
				Equity:    equity,
			})
		}
	}

	report.EquityFinal = equity
	if report.Trades > 0 {
		report.Winrate = float64(report.Wins) / float64(report.Trades)
		report.AvgPnL = report.PnLSum / float64(report.Trades)
	}

	e.logger.Info("回测完成",
		zap.String("mode", report.Mode),
		zap.Int("windows", report.Windows),
		zap.Int("trades", report.Trades),
		zap.Float64("winrate", report.Winrate),
		zap.Float64("equity_final", report.EquityFinal),
	)

	return report, nil
}

// evaluateBar 在下标 j 上评估信号，只使用 j 及之前的K线。
// 有效信号用 j 之后的路径结算。
func (e *Engine) evaluateBar(ctx context.Context, candles []market.Candle, j int) (string, sim.Outcome, bool) {
	snap, err := signal.Extract(e.cfg.Symbol, candles[:j+1])
	if err != nil {
		return "", sim.Outcome{}, false
	}

	raw, err := e.scorer.Score(ctx, snap)
	if err != nil {
		e.logger.Debug("回测评分失败", zap.Int("index", j), zap.Error(err))
		return "", sim.Outcome{}, false
	}

	sig := e.adjuster.Adjust(raw, snap)
	if sig.Action == signal.ActionSkip {
		return "", sim.Outcome{}, false
	}

	side := sim.SideBuy
	if sig.Action == signal.ActionSell {
		side = sim.SideSell
	}

	path := make([]sim.Bar, 0, e.cfg.HorizonBars)
	for _, c := range candles[j+1 : j+1+e.cfg.HorizonBars] {
		path = append(path, sim.Bar{High: c.High, Low: c.Low, Close: c.Close})
	}

	outcome := sim.Simulate(path, snap.Close, side, sig.TPFrac, sig.SLFrac, sim.TieBreakTPFirst)
	return string(sig.Action), outcome, true
}
