package risk

import "kangbot/internal/config"

// epsilon 防止止损距离或价格为零导致除零。
const epsilon = 1e-6

// Quantity 按固定比例风险计算下单数量:
//
//	qty = equity * riskFrac * (1 - sizeBuffer) / max(price * max(slFrac, eps), eps)
//
// 止损越近数量越大，风险金额保持恒定。入参非法时返回 0。
func Quantity(equity, riskFrac, sizeBuffer, price, slFrac float64) float64 {
	if equity <= 0 || riskFrac <= 0 || price <= 0 {
		return 0
	}
	if sizeBuffer < 0 {
		sizeBuffer = 0
	}
	if sizeBuffer >= 1 {
		return 0
	}

	sl := slFrac
	if sl < epsilon {
		sl = epsilon
	}
	denom := price * sl
	if denom < epsilon {
		denom = epsilon
	}

	return equity * riskFrac * (1 - sizeBuffer) / denom
}

// Sizer 绑定配置后的仓位计算器。
type Sizer struct {
	cfg config.RiskConfig
}

// NewSizer 创建仓位计算器。
func NewSizer(cfg config.RiskConfig) *Sizer {
	return &Sizer{cfg: cfg}
}

// Size 按配置的单笔风险与缓冲比例计算数量。
func (s *Sizer) Size(equity, price, slFrac float64) float64 {
	return Quantity(equity, s.cfg.RiskPerTrade, s.cfg.SizeBuffer, price, slFrac)
}
