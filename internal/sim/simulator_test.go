package sim

import (
	"math"
	"testing"
)

func TestSimulate_BuyHitsTakeProfit(t *testing.T) {
	path := []Bar{
		{High: 100.4, Low: 99.7, Close: 100.1},
		{High: 100.9, Low: 99.5, Close: 100.6},
		{High: 102.1, Low: 99.2, Close: 101.9},
	}

	out := Simulate(path, 100, SideBuy, 0.02, 0.01, TieBreakTPFirst)
	if out.Result != ResultTP {
		t.Fatalf("expected TP, got %s", out.Result)
	}
	if out.BarsToExit != 3 {
		t.Fatalf("expected exit at bar 3, got %d", out.BarsToExit)
	}
	if math.Abs(out.PnLFraction-0.02) > 1e-12 {
		t.Fatalf("expected pnl 0.02, got %f", out.PnLFraction)
	}
}

func TestSimulate_BuyHitsStopLossFirstBar(t *testing.T) {
	path := []Bar{
		{High: 100.2, Low: 98.8, Close: 99.1},
		{High: 100.3, Low: 99.9, Close: 100.0},
	}

	out := Simulate(path, 100, SideBuy, 0.02, 0.01, TieBreakTPFirst)
	if out.Result != ResultSL {
		t.Fatalf("expected SL, got %s", out.Result)
	}
	if out.BarsToExit != 1 {
		t.Fatalf("expected exit at bar 1, got %d", out.BarsToExit)
	}
	if math.Abs(out.PnLFraction+0.01) > 1e-12 {
		t.Fatalf("expected pnl -0.01, got %f", out.PnLFraction)
	}
}

func TestSimulate_SellMirrored(t *testing.T) {
	// 空头: TP 在下方, SL 在上方
	path := []Bar{
		{High: 100.5, Low: 99.5, Close: 100.0},
		{High: 100.2, Low: 97.9, Close: 98.0},
	}

	out := Simulate(path, 100, SideSell, 0.02, 0.01, TieBreakTPFirst)
	if out.Result != ResultTP {
		t.Fatalf("expected TP, got %s", out.Result)
	}
	if out.BarsToExit != 2 {
		t.Fatalf("expected exit at bar 2, got %d", out.BarsToExit)
	}
	if math.Abs(out.PnLFraction-0.02) > 1e-12 {
		t.Fatalf("expected pnl 0.02, got %f", out.PnLFraction)
	}

	out = Simulate(path, 100, SideSell, 0.05, 0.003, TieBreakTPFirst)
	if out.Result != ResultSL || out.BarsToExit != 1 {
		t.Fatalf("expected SL at bar 1, got %s at %d", out.Result, out.BarsToExit)
	}
}

func TestSimulate_NoHitReturnsCloseDrift(t *testing.T) {
	path := []Bar{
		{High: 100.5, Low: 99.6, Close: 100.2},
		{High: 100.8, Low: 99.7, Close: 100.5},
	}

	out := Simulate(path, 100, SideBuy, 0.02, 0.01, TieBreakTPFirst)
	if out.Result != ResultNone {
		t.Fatalf("expected NONE, got %s", out.Result)
	}
	if out.BarsToExit != len(path) {
		t.Fatalf("expected bars=%d, got %d", len(path), out.BarsToExit)
	}
	want := (100.5 - 100.0) / 100.0
	if math.Abs(out.PnLFraction-want) > 1e-9 {
		t.Fatalf("expected pnl %f, got %f", want, out.PnLFraction)
	}

	sell := Simulate(path, 100, SideSell, 0.02, 0.02, TieBreakTPFirst)
	if sell.Result != ResultNone {
		t.Fatalf("expected NONE for sell, got %s", sell.Result)
	}
	if math.Abs(sell.PnLFraction+want) > 1e-9 {
		t.Fatalf("expected pnl %f, got %f", -want, sell.PnLFraction)
	}
}

func TestSimulate_TieBreakPolicy(t *testing.T) {
	// 同一根K线同时覆盖 TP 与 SL
	path := []Bar{{High: 103.0, Low: 98.0, Close: 100.0}}

	tpFirst := Simulate(path, 100, SideBuy, 0.02, 0.01, TieBreakTPFirst)
	if tpFirst.Result != ResultTP {
		t.Fatalf("TPFirst policy should report TP, got %s", tpFirst.Result)
	}

	slFirst := Simulate(path, 100, SideBuy, 0.02, 0.01, TieBreakSLFirst)
	if slFirst.Result != ResultSL {
		t.Fatalf("SLFirst policy should report SL, got %s", slFirst.Result)
	}
}

func TestSimulate_Deterministic(t *testing.T) {
	path := []Bar{
		{High: 101.0, Low: 99.4, Close: 100.2},
		{High: 101.8, Low: 99.9, Close: 101.5},
		{High: 102.3, Low: 100.8, Close: 102.0},
	}

	first := Simulate(path, 100, SideBuy, 0.02, 0.01, TieBreakTPFirst)
	for i := 0; i < 100; i++ {
		again := Simulate(path, 100, SideBuy, 0.02, 0.01, TieBreakTPFirst)
		if again != first {
			t.Fatalf("simulate is not deterministic: %+v vs %+v", again, first)
		}
	}
}

func TestSimulate_EmptyPath(t *testing.T) {
	out := Simulate(nil, 100, SideBuy, 0.02, 0.01, TieBreakTPFirst)
	if out.Result != ResultNone || out.BarsToExit != 0 || out.PnLFraction != 0 {
		t.Fatalf("unexpected outcome on empty path: %+v", out)
	}
}
