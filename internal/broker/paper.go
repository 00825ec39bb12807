package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PriceFunc 为模拟通道的标价来源。
type PriceFunc func(ctx context.Context, symbol string) (float64, error)

// Paper 为内存模拟下单通道，成交价取最新标价，无滑点。
// 用于模拟模式与集成测试，接口语义与真实通道一致。
type Paper struct {
	mu         sync.Mutex
	instrument Instrument
	lastPrice  PriceFunc
	logger     *zap.Logger

	equity    float64
	orders    map[string]Order
	positions map[string]*Position
	leverage  map[string]int
}

var _ Broker = (*Paper)(nil)

// NewPaper 创建模拟通道。
func NewPaper(startingEquity float64, instrument Instrument, lastPrice PriceFunc, logger *zap.Logger) *Paper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Paper{
		instrument: instrument,
		lastPrice:  lastPrice,
		logger:     logger,
		equity:     startingEquity,
		orders:     make(map[string]Order),
		positions:  make(map[string]*Position),
		leverage:   make(map[string]int),
	}
}

// PlaceMarket 立即按最新标价成交。
func (p *Paper) PlaceMarket(ctx context.Context, symbol, side string, qty float64, reduceOnly bool) (Order, error) {
	price, err := p.lastPrice(ctx, symbol)
	if err != nil {
		return Order{}, err
	}

	qty = p.instrument.RoundQty(qty)
	if !reduceOnly {
		if err := p.instrument.Validate(qty, price); err != nil {
			return Order{}, fmt.Errorf("broker: %w", err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	pos := p.positions[symbol]
	if reduceOnly {
		if pos == nil {
			return Order{}, fmt.Errorf("broker: %s 无仓位可减", symbol)
		}
		p.reduceLocked(symbol, pos, qty, price)
	} else {
		if pos == nil {
			p.positions[symbol] = &Position{
				Symbol:     symbol,
				Side:       sideToPosition(side),
				Size:       qty,
				EntryPrice: price,
				MarkPrice:  price,
				Leverage:   float64(p.leverage[symbol]),
			}
		} else {
			// 简化: 同向加仓按均价合并，反向开仓视为先平后开。
			pos.Size += qty
			pos.EntryPrice = (pos.EntryPrice*(pos.Size-qty) + price*qty) / pos.Size
		}
	}

	order := Order{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Side:       side,
		Type:       "market",
		Qty:        qty,
		Price:      price,
		ReduceOnly: reduceOnly,
		Status:     "closed",
	}

	p.logger.Debug("模拟市价成交",
		zap.String("symbol", symbol),
		zap.String("side", side),
		zap.Float64("qty", qty),
		zap.Float64("price", price),
	)

	return order, nil
}

// PlaceReduceOnlyLimit 挂只减仓限价单，留在挂单簿中不撮合。
func (p *Paper) PlaceReduceOnlyLimit(_ context.Context, symbol, side string, qty, price float64) (Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	order := Order{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Side:       side,
		Type:       "limit",
		Qty:        p.instrument.RoundQty(qty),
		Price:      p.instrument.RoundPrice(price),
		ReduceOnly: true,
		Status:     "open",
	}
	p.orders[order.ID] = order

	return order, nil
}

// SetStop 替换止损触发单。
func (p *Paper) SetStop(_ context.Context, symbol, side string, qty, stopPrice float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, o := range p.orders {
		if o.Symbol == symbol && strings.Contains(o.Type, "stop") {
			delete(p.orders, id)
		}
	}

	order := Order{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Side:       side,
		Type:       "stop_market",
		Qty:        p.instrument.RoundQty(qty),
		StopPrice:  p.instrument.RoundPrice(stopPrice),
		ReduceOnly: true,
		Status:     "open",
	}
	p.orders[order.ID] = order

	return nil
}

// OpenOrders 返回当前挂单。
func (p *Paper) OpenOrders(_ context.Context, symbol string) ([]Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var orders []Order
	for _, o := range p.orders {
		if o.Symbol == symbol {
			orders = append(orders, o)
		}
	}
	return orders, nil
}

// CancelOrder 撤销挂单。
func (p *Paper) CancelOrder(_ context.Context, id, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.orders[id]; !ok {
		return fmt.Errorf("broker: 订单 %s 不存在", id)
	}
	delete(p.orders, id)
	return nil
}

// Positions 返回非零仓位。
func (p *Paper) Positions(ctx context.Context, symbol string) ([]Position, error) {
	price, err := p.lastPrice(ctx, symbol)
	if err != nil {
		price = 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	pos := p.positions[symbol]
	if pos == nil || pos.Size == 0 {
		return nil, nil
	}

	view := *pos
	if price > 0 {
		view.MarkPrice = price
		diff := price - view.EntryPrice
		if view.Side == "short" {
			diff = -diff
		}
		view.Unrealized = diff * view.Size
	}

	return []Position{view}, nil
}

// Equity 返回模拟净值。
func (p *Paper) Equity(context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.equity, nil
}

// LastPrice 返回最新标价。
func (p *Paper) LastPrice(ctx context.Context, symbol string) (float64, error) {
	return p.lastPrice(ctx, symbol)
}

// SetLeverage 记录杠杆设置。
func (p *Paper) SetLeverage(_ context.Context, symbol string, leverage int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leverage[symbol] = leverage
	return nil
}

// reduceLocked 按成交价减仓并把已实现盈亏计入净值。调用方持锁。
func (p *Paper) reduceLocked(symbol string, pos *Position, qty, price float64) {
	if qty > pos.Size {
		qty = pos.Size
	}

	diff := price - pos.EntryPrice
	if pos.Side == "short" {
		diff = -diff
	}
	p.equity += diff * qty

	pos.Size -= qty
	if pos.Size <= QtyTolerance {
		delete(p.positions, symbol)
	}
}

func sideToPosition(side string) string {
	if side == SideSell {
		return "short"
	}
	return "long"
}
