package signal

import (
	"math"
	"testing"

	"kangbot/internal/config"
)

func baseSnapshot() Snapshot {
	return Snapshot{
		Symbol:   "BTCUSDT",
		Close:    30000,
		EMAFast:  30100,
		EMASlow:  30000,
		MACDHist: 5,
		ATRFrac:  0,
		Vol:      0.005,
	}
}

func rawBuy() Signal {
	return Signal{
		Action:     ActionBuy,
		TPFrac:     0.02,
		SLFrac:     0.01,
		Leverage:   25,
		Confidence: 0.7,
	}
}

func TestAdjust_VolGateForcesSkip(t *testing.T) {
	adj := NewAdjuster(config.ModeScalping, config.ModesConfig{}, nil)

	snap := baseSnapshot()
	snap.Vol = 0.0001 // 低于 scalping 下限 0.002
	if got := adj.Adjust(rawBuy(), snap); got.Action != ActionSkip {
		t.Fatalf("expected SKIP below vol gate, got %s", got.Action)
	}

	snap.Vol = 0.05 // 高于上限 0.025
	if got := adj.Adjust(rawBuy(), snap); got.Action != ActionSkip {
		t.Fatalf("expected SKIP above vol gate, got %s", got.Action)
	}

	snap.Vol = 0.005
	if got := adj.Adjust(rawBuy(), snap); got.Action != ActionBuy {
		t.Fatalf("expected BUY inside vol gate, got %s", got.Action)
	}
}

func TestAdjust_ATRWideningAndCaps(t *testing.T) {
	adj := NewAdjuster(config.ModeScalping, config.ModesConfig{}, nil)

	snap := baseSnapshot()
	snap.ATRFrac = 0.04 // 远大于基础 TP/SL

	got := adj.Adjust(rawBuy(), snap)
	// scalping: k_tp=0.8 → 0.032，但被 0.025 上限截断
	if math.Abs(got.TPFrac-0.025) > 1e-12 {
		t.Fatalf("expected tp capped at 0.025, got %f", got.TPFrac)
	}
	// k_sl=1.2*0.5 → 0.024，被 0.012 上限截断
	if math.Abs(got.SLFrac-0.012) > 1e-12 {
		t.Fatalf("expected sl capped at 0.012, got %f", got.SLFrac)
	}
}

func TestAdjust_AdaptiveUncapped(t *testing.T) {
	adj := NewAdjuster(config.ModeAdaptive, config.ModesConfig{}, nil)

	snap := baseSnapshot()
	snap.ATRFrac = 0.04

	got := adj.Adjust(rawBuy(), snap)
	// adaptive: k_tp=1.2 → 0.048，无上限
	if math.Abs(got.TPFrac-0.048) > 1e-12 {
		t.Fatalf("expected tp 0.048, got %f", got.TPFrac)
	}
	// k_sl=1.0*0.5 → 0.02
	if math.Abs(got.SLFrac-0.02) > 1e-12 {
		t.Fatalf("expected sl 0.02, got %f", got.SLFrac)
	}
}

func TestAdjust_LeverageClamp(t *testing.T) {
	adj := NewAdjuster(config.ModeScalping, config.ModesConfig{}, nil)

	got := adj.Adjust(rawBuy(), baseSnapshot())
	if got.Leverage != 10 {
		t.Fatalf("expected leverage capped at 10, got %d", got.Leverage)
	}

	raw := rawBuy()
	raw.Leverage = 0
	got = adj.Adjust(raw, baseSnapshot())
	if got.Leverage != 1 {
		t.Fatalf("expected leverage floored at 1, got %d", got.Leverage)
	}
}

func TestAdjust_PreservesInvariants(t *testing.T) {
	adj := NewAdjuster(config.ModeAdaptive, config.ModesConfig{}, nil)

	got := adj.Adjust(rawBuy(), baseSnapshot())
	if got.TPFrac <= 0 || got.SLFrac <= 0 {
		t.Fatalf("adjusted signal must keep tp/sl positive: %+v", got)
	}
	if got.TrailingFrac < 0.002 || got.TrailingFrac > 0.015 {
		t.Fatalf("trailing out of bounds: %f", got.TrailingFrac)
	}
}

func TestDynamicTrailing(t *testing.T) {
	cases := []struct {
		vol  float64
		want float64
	}{
		{0, 0.002},
		{0.0005, 0.012},
		{0.005, 0.015},  // 0.002+0.1 → 上限
		{0.5, 0.015},    // vol 先被截到 0.03
		{-0.01, 0.002},  // 负波动率按 0 处理
	}

	for _, tc := range cases {
		if got := DynamicTrailing(tc.vol); math.Abs(got-tc.want) > 1e-12 {
			t.Errorf("DynamicTrailing(%f) = %f, want %f", tc.vol, got, tc.want)
		}
	}
}

func TestAdjust_ModeOverrides(t *testing.T) {
	overrides := config.ModesConfig{
		Scalping: config.ModeOverrides{
			VolGateMin:   0.0001,
			LeverageCap:  3,
			TrailingFrac: 0.01,
		},
	}
	adj := NewAdjuster(config.ModeScalping, overrides, nil)

	snap := baseSnapshot()
	snap.Vol = 0.0005 // 默认闸门外，覆盖后在闸门内

	got := adj.Adjust(rawBuy(), snap)
	if got.Action != ActionBuy {
		t.Fatalf("override vol gate should admit signal, got %s", got.Action)
	}
	if got.Leverage != 3 {
		t.Fatalf("expected leverage cap override 3, got %d", got.Leverage)
	}
	if got.TrailingFrac != 0.01 {
		t.Fatalf("expected trailing override 0.01, got %f", got.TrailingFrac)
	}
}
