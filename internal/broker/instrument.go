package broker

import (
	"fmt"
	"math"
)

// Instrument 描述合约的最小报价与数量步长。
// 交易所会拒绝未对齐的订单，因此所有数量与价格先在本地对齐。
type Instrument struct {
	TickSize    float64
	QtyStep     float64
	MinQty      float64
	MinNotional float64
}

// DefaultInstrument 为 Binance USDⓈ-M BTC 永续的常见精度。
func DefaultInstrument() Instrument {
	return Instrument{
		TickSize:    0.1,
		QtyStep:     0.001,
		MinQty:      0.001,
		MinNotional: 5,
	}
}

// RoundPrice 把价格向下对齐到最小报价单位。
func (i Instrument) RoundPrice(price float64) float64 {
	if i.TickSize <= 0 {
		return price
	}
	return math.Floor(price/i.TickSize) * i.TickSize
}

// RoundQty 把数量向下对齐到步长。向下取整保证不超过风险额度。
func (i Instrument) RoundQty(qty float64) float64 {
	if i.QtyStep <= 0 {
		return qty
	}
	return math.Floor(qty/i.QtyStep) * i.QtyStep
}

// Validate 检查对齐后的订单是否满足交易所最小限制。
func (i Instrument) Validate(qty, price float64) error {
	if i.MinQty > 0 && qty < i.MinQty {
		return fmt.Errorf("数量 %.8f 低于最小下单量 %.8f", qty, i.MinQty)
	}
	if i.MinNotional > 0 && qty*price < i.MinNotional {
		return fmt.Errorf("名义价值 %.4f 低于最小限制 %.4f", qty*price, i.MinNotional)
	}
	return nil
}
