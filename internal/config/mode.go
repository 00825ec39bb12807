package config

import (
	"fmt"
	"strings"
)

// Mode 表示交易模式，使用封闭枚举避免字符串分发。
type Mode uint8

const (
	// ModeScalping 为快节奏模式，止盈止损更紧。
	ModeScalping Mode = iota
	// ModeAdaptive 为自适应模式，参数更宽松。
	ModeAdaptive
)

// String 返回模式名称。
func (m Mode) String() string {
	switch m {
	case ModeScalping:
		return "scalping"
	case ModeAdaptive:
		return "adaptive"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseMode 解析模式名称。
func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "scalping":
		return ModeScalping, nil
	case "adaptive":
		return ModeAdaptive, nil
	default:
		return ModeScalping, fmt.Errorf("未知交易模式: %q", raw)
	}
}

// ModeParams 汇总单个模式的全部可调参数。
type ModeParams struct {
	// 波动率闸门可接受区间。
	VolGateMin float64
	VolGateMax float64
	// ATR 缩放系数，止损系数乘以 0.5 后生效。
	KTakeProfit float64
	KStopLoss   float64
	// 调整后 TP/SL 的上限，0 表示不设限。
	MaxTakeProfit float64
	MaxStopLoss   float64
	// 默认 TP/SL 基准。
	BaseTakeProfit float64
	BaseStopLoss   float64
	// 杠杆硬上限。
	LeverageCap int
	// 分批止盈比例与保本触发比例。
	TP1Part          float64
	TP2Part          float64
	BreakevenTrigger float64
	// 追踪止损覆盖值，0 表示按波动率动态推导。
	TrailingOverride float64
}

// Params 返回模式参数，config 中的覆盖值优先于内置默认。
// switch 保持穷举，新增模式时编译器会强制补全。
func (m Mode) Params(overrides ModesConfig) ModeParams {
	var p ModeParams
	switch m {
	case ModeScalping:
		p = ModeParams{
			VolGateMin:       0.002,
			VolGateMax:       0.025,
			KTakeProfit:      0.8,
			KStopLoss:        1.2,
			MaxTakeProfit:    0.025,
			MaxStopLoss:      0.012,
			BaseTakeProfit:   0.02,
			BaseStopLoss:     0.01,
			LeverageCap:      10,
			TP1Part:          0.5,
			TP2Part:          0.5,
			BreakevenTrigger: 0.5,
		}
		p.apply(overrides.Scalping)
	case ModeAdaptive:
		p = ModeParams{
			VolGateMin:       0.0015,
			VolGateMax:       0.03,
			KTakeProfit:      1.2,
			KStopLoss:        1.0,
			BaseTakeProfit:   0.02,
			BaseStopLoss:     0.01,
			LeverageCap:      20,
			TP1Part:          0.5,
			TP2Part:          0.5,
			BreakevenTrigger: 0.5,
		}
		p.apply(overrides.Adaptive)
	}
	return p
}

func (p *ModeParams) apply(o ModeOverrides) {
	if o.VolGateMin > 0 {
		p.VolGateMin = o.VolGateMin
	}
	if o.VolGateMax > 0 {
		p.VolGateMax = o.VolGateMax
	}
	if o.TakeProfit > 0 {
		p.BaseTakeProfit = o.TakeProfit
	}
	if o.StopLoss > 0 {
		p.BaseStopLoss = o.StopLoss
	}
	if o.LeverageCap > 0 {
		p.LeverageCap = o.LeverageCap
	}
	if o.TP1Part > 0 {
		p.TP1Part = o.TP1Part
	}
	if o.TP2Part > 0 {
		p.TP2Part = o.TP2Part
	}
	if o.BreakevenTrigger > 0 {
		p.BreakevenTrigger = o.BreakevenTrigger
	}
	if o.TrailingFrac > 0 {
		p.TrailingOverride = o.TrailingFrac
	}
}
