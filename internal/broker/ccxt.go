package broker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"kangbot/internal/market"
	"kangbot/internal/metrics"
	"kangbot/internal/ratelimit"
)

const (
	maxAttempts  = 3
	baseBackoff  = 500 * time.Millisecond
	backoffScale = 2.0
)

// CCXT 基于 ccxt 的真实下单通道，与行情客户端共用同一交易所连接。
type CCXT struct {
	exchange   *ccxt.Binanceusdm
	instrument Instrument
	limiter    *ratelimit.Limiter
	logger     *zap.Logger
}

var _ Broker = (*CCXT)(nil)

// NewCCXT 创建真实下单通道。limiter 可为 nil 表示不限流。
func NewCCXT(client *market.Client, instrument Instrument, limiter *ratelimit.Limiter, logger *zap.Logger) (*CCXT, error) {
	if client == nil {
		return nil, errors.New("broker: 行情客户端不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if limiter == nil {
		limiter = ratelimit.PerMinute(0)
	}

	return &CCXT{
		exchange:   client.Raw(),
		instrument: instrument,
		limiter:    limiter,
		logger:     logger,
	}, nil
}

// PlaceMarket 市价下单。数量先对齐步长并检查最小名义价值。
func (b *CCXT) PlaceMarket(ctx context.Context, symbol, side string, qty float64, reduceOnly bool) (Order, error) {
	qty = b.instrument.RoundQty(qty)

	if !reduceOnly {
		last, err := b.LastPrice(ctx, symbol)
		if err != nil {
			return Order{}, err
		}
		if err := b.instrument.Validate(qty, last); err != nil {
			return Order{}, fmt.Errorf("broker: %w", err)
		}
	}

	params := map[string]interface{}{}
	if reduceOnly {
		params["reduceOnly"] = true
	}

	var placed ccxt.Order
	err := b.call(ctx, "create_market_order", func() error {
		var callErr error
		placed, callErr = b.exchange.CreateMarketOrder(symbol, side, qty,
			ccxt.WithCreateMarketOrderParams(params))
		return callErr
	})
	if err != nil {
		return Order{}, err
	}

	return normalizeOrder(placed), nil
}

// PlaceReduceOnlyLimit 挂只减仓限价单。价格向下对齐报价单位。
func (b *CCXT) PlaceReduceOnlyLimit(ctx context.Context, symbol, side string, qty, price float64) (Order, error) {
	qty = b.instrument.RoundQty(qty)
	price = b.instrument.RoundPrice(price)

	var placed ccxt.Order
	err := b.call(ctx, "create_limit_order", func() error {
		var callErr error
		placed, callErr = b.exchange.CreateLimitOrder(symbol, side, qty, price,
			ccxt.WithCreateLimitOrderParams(map[string]interface{}{
				"reduceOnly": true,
			}))
		return callErr
	})
	if err != nil {
		return Order{}, err
	}

	return normalizeOrder(placed), nil
}

// SetStop 重置止损: 撤掉已有止损触发单后重挂。
func (b *CCXT) SetStop(ctx context.Context, symbol, side string, qty, stopPrice float64) error {
	stopPrice = b.instrument.RoundPrice(stopPrice)
	qty = b.instrument.RoundQty(qty)

	open, err := b.OpenOrders(ctx, symbol)
	if err != nil {
		return err
	}
	for _, o := range open {
		if !strings.Contains(strings.ToLower(o.Type), "stop") {
			continue
		}
		if err := b.CancelOrder(ctx, o.ID, symbol); err != nil {
			b.logger.Warn("撤销旧止损单失败", zap.String("order_id", o.ID), zap.Error(err))
		}
	}

	return b.call(ctx, "set_stop", func() error {
		_, callErr := b.exchange.CreateOrder(symbol, "STOP_MARKET", side, qty,
			ccxt.WithCreateOrderParams(map[string]interface{}{
				"stopPrice":  stopPrice,
				"reduceOnly": true,
			}))
		return callErr
	})
}

// OpenOrders 返回当前挂单。
func (b *CCXT) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	var raw []ccxt.Order
	err := b.call(ctx, "fetch_open_orders", func() error {
		var callErr error
		raw, callErr = b.exchange.FetchOpenOrders(ccxt.WithFetchOpenOrdersSymbol(symbol))
		return callErr
	})
	if err != nil {
		return nil, err
	}

	orders := make([]Order, 0, len(raw))
	for _, o := range raw {
		orders = append(orders, normalizeOrder(o))
	}
	return orders, nil
}

// CancelOrder 撤销订单。
func (b *CCXT) CancelOrder(ctx context.Context, id, symbol string) error {
	return b.call(ctx, "cancel_order", func() error {
		_, callErr := b.exchange.CancelOrder(id, ccxt.WithCancelOrderSymbol(symbol))
		return callErr
	})
}

// Positions 返回指定合约的非零仓位。
func (b *CCXT) Positions(ctx context.Context, symbol string) ([]Position, error) {
	var raw []ccxt.Position
	err := b.call(ctx, "fetch_positions", func() error {
		var callErr error
		raw, callErr = b.exchange.FetchPositions()
		return callErr
	})
	if err != nil {
		return nil, err
	}

	positions := make([]Position, 0, 2)
	for _, p := range raw {
		if !strings.EqualFold(derefString(p.Symbol), symbol) {
			continue
		}
		size := derefFloat(p.Contracts)
		if size == 0 {
			continue
		}
		positions = append(positions, Position{
			Symbol:     symbol,
			Side:       strings.ToLower(derefString(p.Side)),
			Size:       size,
			EntryPrice: derefFloat(p.EntryPrice),
			MarkPrice:  derefFloat(p.MarkPrice),
			Unrealized: derefFloat(p.UnrealizedPnl),
			Leverage:   derefFloat(p.Leverage),
		})
	}

	return positions, nil
}

// Equity 返回 USDT 口径的账户净值。
func (b *CCXT) Equity(ctx context.Context) (float64, error) {
	var balances ccxt.Balances
	err := b.call(ctx, "fetch_balance", func() error {
		var callErr error
		balances, callErr = b.exchange.FetchBalance()
		return callErr
	})
	if err != nil {
		return 0, err
	}

	if balances.Total != nil {
		for _, code := range []string{"USDT", "USDC", "USD"} {
			if total, ok := balances.Total[code]; ok && total != nil && *total > 0 {
				return *total, nil
			}
		}
	}

	return 0, nil
}

// LastPrice 返回最新成交价。
func (b *CCXT) LastPrice(ctx context.Context, symbol string) (float64, error) {
	var ticker ccxt.Ticker
	err := b.call(ctx, "fetch_ticker", func() error {
		var callErr error
		ticker, callErr = b.exchange.FetchTicker(symbol)
		return callErr
	})
	if err != nil {
		return 0, err
	}

	last := derefFloat(ticker.Last)
	if last <= 0 {
		last = derefFloat(ticker.Close)
	}
	if last <= 0 {
		return 0, fmt.Errorf("broker: %s 无有效最新价", symbol)
	}
	return last, nil
}

// SetLeverage 设置合约杠杆。
func (b *CCXT) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage < 1 {
		leverage = 1
	}
	return b.call(ctx, "set_leverage", func() error {
		_, callErr := b.exchange.SetLeverage(int64(leverage), ccxt.WithSetLeverageSymbol(symbol))
		return callErr
	})
}

// call 执行一次交易所调用: 限流、指数退避加抖动、错误分类。
func (b *CCXT) call(ctx context.Context, operation string, fn func() error) error {
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := b.limiter.Wait(ctx); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			if attempt > 1 {
				b.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
				)
			}
			return nil
		}

		metrics.BrokerError()

		if !market.IsRetryable(lastErr) || attempt == maxAttempts {
			break
		}

		wait := time.Duration(float64(baseBackoff) * pow(backoffScale, attempt-1))
		wait += time.Duration(rand.Int63n(int64(200 * time.Millisecond)))

		b.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(lastErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("broker: %s 调用失败: %w", operation, lastErr)
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

func normalizeOrder(o ccxt.Order) Order {
	return Order{
		ID:         derefString(o.Id),
		Symbol:     derefString(o.Symbol),
		Side:       strings.ToLower(derefString(o.Side)),
		Type:       derefString(o.Type),
		Qty:        derefFloat(o.Amount),
		Price:      derefFloat(o.Price),
		StopPrice:  derefFloat(o.StopPrice),
		ReduceOnly: derefBool(o.ReduceOnly),
		Status:     derefString(o.Status),
	}
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefBool(v *bool) bool {
	if v == nil {
		return false
	}
	return *v
}
