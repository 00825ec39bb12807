package signal

import (
	"fmt"
	"math"

	talib "github.com/markcheno/go-talib"

	"kangbot/internal/market"
)

const (
	emaFastPeriod = 10
	emaSlowPeriod = 30
	atrPeriod     = 14
	volWindow     = 20

	// MinContextBars 为计算特征所需的最少K线数。
	MinContextBars = 35
)

// Extract 由因果K线上下文计算特征快照。调用方保证 candles 中
// 不含未来数据；末根K线即决策时刻。
func Extract(symbol string, candles []market.Candle) (Snapshot, error) {
	if len(candles) < MinContextBars {
		return Snapshot{}, fmt.Errorf("K线数量不足，至少需要 %d 根，当前 %d", MinContextBars, len(candles))
	}

	series := NewSeries(candles)

	emaFast := talib.Ema(series.Close, emaFastPeriod)
	emaSlow := talib.Ema(series.Close, emaSlowPeriod)
	_, _, macdHist := talib.Macd(series.Close, 12, 26, 9)
	atr := talib.Atr(series.High, series.Low, series.Close, atrPeriod)

	lastClose := Last(series.Close)
	atrFrac := SafeDivide(Last(atr), lastClose)
	if math.IsNaN(atrFrac) {
		atrFrac = 0
	}

	snap := Snapshot{
		Symbol:      symbol,
		GeneratedAt: series.Timestamps[series.Len()-1],
		Close:       lastClose,
		EMAFast:     Last(emaFast),
		EMASlow:     Last(emaSlow),
		MACDHist:    Last(macdHist),
		ATRFrac:     atrFrac,
		Vol:         realizedVol(series.Close, volWindow),
	}

	return snap, nil
}

// realizedVol 为近 window 根K线绝对收益率均值。
func realizedVol(closes []float64, window int) float64 {
	if len(closes) < 2 {
		return 0
	}

	start := len(closes) - window
	if start < 1 {
		start = 1
	}

	sum := 0.0
	count := 0
	for i := start; i < len(closes); i++ {
		prev := closes[i-1]
		if prev == 0 {
			continue
		}
		sum += math.Abs(closes[i]/prev - 1)
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}
