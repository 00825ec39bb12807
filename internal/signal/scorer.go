package signal

import (
	"context"
	"math"

	"go.uber.org/zap"

	"kangbot/internal/config"
)

// RuleScorer 为确定性规则信号源: EMA 快慢线方向与 MACD 柱同向时给出信号。
// 回测与实盘共用，保证走样验证与线上行为一致。
type RuleScorer struct {
	params config.ModeParams
	// DefaultLeverage 为原始信号的基准杠杆，之后由 Adjuster 收紧。
	defaultLeverage int
	logger          *zap.Logger
}

var _ Scorer = (*RuleScorer)(nil)

// NewRuleScorer 创建规则信号源。
func NewRuleScorer(mode config.Mode, overrides config.ModesConfig, defaultLeverage int, logger *zap.Logger) *RuleScorer {
	if defaultLeverage < 1 {
		defaultLeverage = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RuleScorer{
		params:          mode.Params(overrides),
		defaultLeverage: defaultLeverage,
		logger:          logger,
	}
}

// Score 依据特征快照给出原始信号。
func (s *RuleScorer) Score(_ context.Context, snap Snapshot) (Signal, error) {
	if snap.Close <= 0 || math.IsNaN(snap.EMAFast) || math.IsNaN(snap.EMASlow) {
		return Skip(), nil
	}

	var action Action
	switch {
	case snap.EMAFast > snap.EMASlow && snap.MACDHist > 0:
		action = ActionBuy
	case snap.EMAFast < snap.EMASlow && snap.MACDHist < 0:
		action = ActionSell
	default:
		return Skip(), nil
	}

	gap := math.Abs(snap.EMAFast-snap.EMASlow) / snap.Close
	confidence := clamp(0.5+gap*40, 0.5, 0.95)

	return Signal{
		Action:     action,
		TPFrac:     s.params.BaseTakeProfit,
		SLFrac:     s.params.BaseStopLoss,
		Leverage:   s.defaultLeverage,
		Confidence: confidence,
	}, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
