package signal

import (
	"context"
	"math"
	"testing"
	"time"

	"kangbot/internal/config"
	"kangbot/internal/market"
)

func TestRuleScorer_Directions(t *testing.T) {
	scorer := NewRuleScorer(config.ModeAdaptive, config.ModesConfig{}, 10, nil)

	snap := baseSnapshot()
	sig, err := scorer.Score(context.Background(), snap)
	if err != nil {
		t.Fatalf("Score returned error: %v", err)
	}
	if sig.Action != ActionBuy {
		t.Fatalf("expected BUY, got %s", sig.Action)
	}
	if sig.TPFrac <= 0 || sig.SLFrac <= 0 {
		t.Fatalf("raw signal must carry positive tp/sl: %+v", sig)
	}
	if sig.Confidence < 0.5 || sig.Confidence > 0.95 {
		t.Fatalf("confidence out of range: %f", sig.Confidence)
	}

	snap.EMAFast, snap.EMASlow = snap.EMASlow, snap.EMAFast
	snap.MACDHist = -5
	sig, _ = scorer.Score(context.Background(), snap)
	if sig.Action != ActionSell {
		t.Fatalf("expected SELL, got %s", sig.Action)
	}

	// 趋势与动量不同向 → SKIP
	snap.MACDHist = 5
	sig, _ = scorer.Score(context.Background(), snap)
	if sig.Action != ActionSkip {
		t.Fatalf("expected SKIP on mixed regime, got %s", sig.Action)
	}
}

func TestRuleScorer_InvalidSnapshot(t *testing.T) {
	scorer := NewRuleScorer(config.ModeScalping, config.ModesConfig{}, 10, nil)

	sig, err := scorer.Score(context.Background(), Snapshot{Close: 0})
	if err != nil {
		t.Fatalf("Score returned error: %v", err)
	}
	if sig.Action != ActionSkip {
		t.Fatalf("expected SKIP on invalid snapshot, got %s", sig.Action)
	}
}

func TestExtract_RequiresEnoughBars(t *testing.T) {
	candles := make([]market.Candle, MinContextBars-1)
	if _, err := Extract("BTCUSDT", candles); err == nil {
		t.Fatal("expected error for short context")
	}
}

func TestExtract_CausalSnapshot(t *testing.T) {
	now := time.Now().UTC()
	candles := make([]market.Candle, 60)
	price := 100.0
	for i := range candles {
		price *= 1.001
		candles[i] = market.Candle{
			Timestamp: now.Add(time.Duration(i) * time.Minute),
			Open:      price,
			High:      price * 1.002,
			Low:       price * 0.998,
			Close:     price,
			Volume:    10,
		}
	}

	snap, err := Extract("BTCUSDT", candles)
	if err != nil {
		t.Fatalf("Extract returned error: %v", err)
	}
	if snap.Close != candles[len(candles)-1].Close {
		t.Fatalf("snapshot close should equal last bar close")
	}
	if !snap.GeneratedAt.Equal(candles[len(candles)-1].Timestamp) {
		t.Fatalf("snapshot timestamp should equal last bar timestamp")
	}
	// 单调上行序列: 快线高于慢线，波动率接近每根 0.1%
	if snap.EMAFast <= snap.EMASlow {
		t.Fatalf("uptrend should give emaFast > emaSlow: %f vs %f", snap.EMAFast, snap.EMASlow)
	}
	if math.Abs(snap.Vol-0.001) > 5e-4 {
		t.Fatalf("realized vol should be near 0.001, got %f", snap.Vol)
	}
	if snap.ATRFrac <= 0 {
		t.Fatalf("atr fraction should be positive, got %f", snap.ATRFrac)
	}
}
