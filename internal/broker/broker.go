package broker

import (
	"context"
	"math"
)

// 订单与仓位方向。
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// 幂等比对用的容差，价格与数量分别判断。
const (
	PriceTolerance = 1e-8
	QtyTolerance   = 1e-6
)

// Order 为标准化后的订单视图。
type Order struct {
	ID         string
	Symbol     string
	Side       string
	Type       string
	Qty        float64
	Price      float64
	StopPrice  float64
	ReduceOnly bool
	Status     string
}

// Position 为标准化后的仓位视图。
type Position struct {
	Symbol     string
	Side       string
	Size       float64
	EntryPrice float64
	MarkPrice  float64
	Unrealized float64
	Leverage   float64
}

// Broker 抽象下单通道，真实通道与模拟通道共用。
// 所有方法都可能因网络原因失败，调用方自行决定降级策略。
type Broker interface {
	// PlaceMarket 市价开平仓。reduceOnly 为真时只减仓。
	PlaceMarket(ctx context.Context, symbol, side string, qty float64, reduceOnly bool) (Order, error)
	// PlaceReduceOnlyLimit 挂只减仓限价单，用于分批止盈。
	PlaceReduceOnlyLimit(ctx context.Context, symbol, side string, qty, price float64) (Order, error)
	// SetStop 重置止损触发价: 先撤旧止损再挂新单。
	SetStop(ctx context.Context, symbol, side string, qty, stopPrice float64) error
	// OpenOrders 返回当前挂单。
	OpenOrders(ctx context.Context, symbol string) ([]Order, error)
	// CancelOrder 撤销指定订单。
	CancelOrder(ctx context.Context, id, symbol string) error
	// Positions 返回指定合约的非零仓位。
	Positions(ctx context.Context, symbol string) ([]Position, error)
	// Equity 返回账户净值。
	Equity(ctx context.Context) (float64, error)
	// LastPrice 返回最新成交价。
	LastPrice(ctx context.Context, symbol string) (float64, error)
	// SetLeverage 设置合约杠杆，失败不阻断开仓。
	SetLeverage(ctx context.Context, symbol string, leverage int) error
}

// HasMatchingOrder 在挂单列表中寻找同方向且价格数量都在容差内的订单。
// 用于保证减仓单的幂等性，避免重复挂单。
func HasMatchingOrder(orders []Order, side string, qty, price float64) bool {
	for _, o := range orders {
		if o.Side != side || !o.ReduceOnly {
			continue
		}
		if math.Abs(o.Qty-qty) <= QtyTolerance && math.Abs(o.Price-price) <= PriceTolerance {
			return true
		}
	}
	return false
}

// OppositeSide 返回反方向。
func OppositeSide(side string) string {
	if side == SideBuy {
		return SideSell
	}
	return SideBuy
}
