package market

import (
	"context"
	"time"
)

// Candle 代表单根K线。
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Source 为行情数据源边界。返回的序列按时间戳严格升序，
// 不保证无缺口，核心逻辑容忍缺失但不做补齐。
type Source interface {
	Fetch(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)
}

// LastClose 返回序列末根收盘价，空序列返回 0。
func LastClose(candles []Candle) float64 {
	if len(candles) == 0 {
		return 0
	}
	return candles[len(candles)-1].Close
}
