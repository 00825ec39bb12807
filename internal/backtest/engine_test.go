package backtest

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"kangbot/internal/config"
	"kangbot/internal/market"
	"kangbot/internal/signal"
)

func trendingCandles(n int, drift float64) []market.Candle {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]market.Candle, n)
	price := 30000.0
	for i := range candles {
		price *= 1 + drift
		candles[i] = market.Candle{
			Timestamp: now.Add(time.Duration(i) * 15 * time.Minute),
			Open:      price,
			High:      price * 1.002,
			Low:       price * 0.998,
			Close:     price,
			Volume:    10,
		}
	}
	return candles
}

func flatCandles(n int) []market.Candle {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]market.Candle, n)
	for i := range candles {
		candles[i] = market.Candle{
			Timestamp: now.Add(time.Duration(i) * 15 * time.Minute),
			Open:      30000, High: 30000, Low: 30000, Close: 30000,
			Volume: 10,
		}
	}
	return candles
}

func testEngineConfig() Config {
	return Config{
		Mode:          config.ModeAdaptive,
		Symbol:        "BTCUSDT",
		Timeframe:     "15m",
		TrainBars:     60,
		TestBars:      100,
		StepBars:      100,
		HorizonBars:   30,
		FeeRT:         0.0006,
		SlipRT:        0.0003,
		InitialEquity: 1,
		Leverage:      10,
	}
}

func TestRun_EquityIsProductOfNetReturns(t *testing.T) {
	engine, err := NewEngine(testEngineConfig(), nil, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	report, err := engine.Run(context.Background(), trendingCandles(400, 0.002))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Trades == 0 {
		t.Fatal("uptrend data should produce trades")
	}
	if len(report.TradeLog) != report.Trades {
		t.Fatalf("trade log length %d != trades %d", len(report.TradeLog), report.Trades)
	}

	cost := 0.0006 + 2*0.0003
	product := 1.0
	wins := 0
	for _, entry := range report.TradeLog {
		if diff := entry.PnLNet - (entry.PnLGross - cost); math.Abs(diff) > 1e-12 {
			t.Fatalf("net pnl must equal gross minus cost, diff %v", diff)
		}
		product *= 1 + entry.PnLNet
		if entry.PnLNet > 0 {
			wins++
		}
	}

	if math.Abs(report.EquityFinal-product) > 1e-9 {
		t.Fatalf("equity %v != product of net returns %v", report.EquityFinal, product)
	}
	if report.Wins != wins {
		t.Fatalf("wins %d != recomputed %d", report.Wins, wins)
	}
	wantWinrate := float64(wins) / float64(report.Trades)
	if math.Abs(report.Winrate-wantWinrate) > 1e-12 {
		t.Fatalf("winrate %v != %v", report.Winrate, wantWinrate)
	}
}

// alwaysLongScorer 每根K线都给出 BUY，止盈止损远到不可触发，
// 用于验证评估循环逐根推进而非跳过持仓中的K线。
type alwaysLongScorer struct{}

func (alwaysLongScorer) Score(context.Context, signal.Snapshot) (signal.Signal, error) {
	return signal.Signal{Action: signal.ActionBuy, TPFrac: 5, SLFrac: 5, Leverage: 5, Confidence: 0.9}, nil
}

func TestRun_GeneratesTradeAtEveryEligibleBar(t *testing.T) {
	engine, err := NewEngine(testEngineConfig(), alwaysLongScorer{}, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	report, err := engine.Run(context.Background(), trendingCandles(400, 0.002))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// 窗口 [60,160) [160,260) [260,360) [360,370)，共 310 个可评估下标。
	if report.Trades != 310 {
		t.Fatalf("every eligible bar must produce a trade: got %d, want 310", report.Trades)
	}

	overlapping := false
	for i := 1; i < len(report.TradeLog); i++ {
		prev := report.TradeLog[i-1]
		cur := report.TradeLog[i]
		// 窗口首尾相接，下标应逐根推进。
		if cur.Index != prev.Index+1 {
			t.Fatalf("indices must advance bar by bar: %d then %d", prev.Index, cur.Index)
		}
		if prev.Bars > 1 {
			overlapping = true
		}
	}
	if !overlapping {
		t.Fatal("held trades must not suppress signals on later bars")
	}
}

func TestRun_ZeroTradesDegradesGracefully(t *testing.T) {
	engine, err := NewEngine(testEngineConfig(), nil, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	report, err := engine.Run(context.Background(), flatCandles(400))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Trades != 0 {
		t.Fatalf("flat market should produce no trades, got %d", report.Trades)
	}
	if report.Winrate != 0 || report.AvgPnL != 0 {
		t.Fatalf("zero-trade report must not divide by zero: %+v", report)
	}
	if report.EquityFinal != 1 {
		t.Fatalf("equity should stay at initial, got %v", report.EquityFinal)
	}
}

func TestRun_RejectsInsufficientData(t *testing.T) {
	engine, err := NewEngine(testEngineConfig(), nil, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	if _, err := engine.Run(context.Background(), trendingCandles(80, 0.002)); err == nil {
		t.Fatal("expected error for insufficient history")
	}
}

func TestWriteReport_CreatesJSONAndCSV(t *testing.T) {
	dir := t.TempDir()

	report := Report{
		Mode: "adaptive", Symbol: "BTCUSDT", Timeframe: "15m",
		GeneratedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Trades:      1, Wins: 1, Winrate: 1, PnLSum: 0.015, AvgPnL: 0.015, EquityFinal: 1.015,
		TradeLog: []TradeLogEntry{
			{Index: 61, Timestamp: "2026-01-01T00:00:00Z", Action: "BUY", Result: "TP", Bars: 5, PnLGross: 0.0162, PnLNet: 0.015, Equity: 1.015},
		},
	}

	jsonPath, csvPath, err := WriteReport(dir, report)
	if err != nil {
		t.Fatalf("WriteReport: %v", err)
	}

	if filepath.Base(jsonPath) != "walk_adaptive_1772366400.json" {
		t.Fatalf("unexpected json name: %s", filepath.Base(jsonPath))
	}

	payload, err := os.ReadFile(jsonPath)
	if err != nil {
		t.Fatalf("read json: %v", err)
	}
	var decoded Report
	if err := fastJSON.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if decoded.Trades != 1 || decoded.EquityFinal != 1.015 {
		t.Fatalf("decoded report mismatch: %+v", decoded)
	}

	csvData, err := os.ReadFile(csvPath)
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(csvData) == 0 {
		t.Fatal("csv report is empty")
	}
}
