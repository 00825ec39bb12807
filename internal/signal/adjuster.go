package signal

import (
	"go.uber.org/zap"

	"kangbot/internal/config"
)

// Adjuster 对原始信号做波动率闸门与模式化 TP/SL/杠杆/追踪变换。
// 调整后的信号在当个决策周期内不再修改。
type Adjuster struct {
	mode   config.Mode
	params config.ModeParams
	logger *zap.Logger
}

// NewAdjuster 创建信号调整器。
func NewAdjuster(mode config.Mode, overrides config.ModesConfig, logger *zap.Logger) *Adjuster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adjuster{
		mode:   mode,
		params: mode.Params(overrides),
		logger: logger,
	}
}

// Mode 返回调整器绑定的交易模式。
func (a *Adjuster) Mode() config.Mode {
	return a.mode
}

// Adjust 应用波动率闸门与模式参数，返回最终信号。
func (a *Adjuster) Adjust(raw Signal, snap Snapshot) Signal {
	if raw.Action == ActionSkip {
		return Skip()
	}

	if snap.Vol < a.params.VolGateMin || snap.Vol > a.params.VolGateMax {
		a.logger.Debug("波动率超出模式区间，放弃信号",
			zap.String("mode", a.mode.String()),
			zap.Float64("vol", snap.Vol),
			zap.Float64("gate_min", a.params.VolGateMin),
			zap.Float64("gate_max", a.params.VolGateMax),
		)
		return Skip()
	}

	adjusted := raw

	// ATR 扩宽: TP/SL 不得窄于按 ATR 推导的最小幅度，SL 系数减半收紧。
	if snap.ATRFrac > 0 {
		if widened := a.params.KTakeProfit * snap.ATRFrac; widened > adjusted.TPFrac {
			adjusted.TPFrac = widened
		}
		if widened := a.params.KStopLoss * snap.ATRFrac * 0.5; widened > adjusted.SLFrac {
			adjusted.SLFrac = widened
		}
	}

	if a.params.MaxTakeProfit > 0 && adjusted.TPFrac > a.params.MaxTakeProfit {
		adjusted.TPFrac = a.params.MaxTakeProfit
	}
	if a.params.MaxStopLoss > 0 && adjusted.SLFrac > a.params.MaxStopLoss {
		adjusted.SLFrac = a.params.MaxStopLoss
	}

	if adjusted.Leverage < 1 {
		adjusted.Leverage = 1
	}
	if a.params.LeverageCap > 0 && adjusted.Leverage > a.params.LeverageCap {
		adjusted.Leverage = a.params.LeverageCap
	}

	if a.params.TrailingOverride > 0 {
		adjusted.TrailingFrac = a.params.TrailingOverride
	} else {
		adjusted.TrailingFrac = DynamicTrailing(snap.Vol)
	}

	return adjusted
}

// DynamicTrailing 按波动率推导追踪止损比例，限制在 [0.2%, 1.5%]。
func DynamicTrailing(vol float64) float64 {
	v := clamp(vol, 0, 0.03)
	return clamp(0.002+20*v, 0.002, 0.015)
}
