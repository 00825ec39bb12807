package store

import (
	"context"
	"testing"
	"time"

	"kangbot/internal/config"
	"kangbot/internal/risk"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewSQLite(config.DatabaseConfig{InMemory: true, MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStateStore_AtomicUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ss, err := NewStateStore(s, risk.State{Equity: 30, StartingCapital: 30})
	if err != nil {
		t.Fatalf("NewStateStore: %v", err)
	}

	st, err := ss.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if st.Equity != 30 || st.Testnet || st.Paused {
		t.Fatalf("unexpected initial state: %+v", st)
	}

	until := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	updated, err := ss.Update(ctx, func(st *risk.State) error {
		st.Testnet = true
		st.Paused = true
		st.CooldownUntil = until
		st.CooldownNotified = true
		st.LossStreak = 2
		st.Equity = 28.5
		st.UpdatedAt = until
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !updated.Testnet || !updated.Paused || updated.LossStreak != 2 {
		t.Fatalf("update result mismatch: %+v", updated)
	}

	reloaded, err := ss.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reloaded.CooldownUntil.Equal(until) || !reloaded.CooldownNotified {
		t.Fatalf("cooldown fields not persisted: %+v", reloaded)
	}
	if reloaded.Equity != 28.5 {
		t.Fatalf("equity not persisted: %v", reloaded.Equity)
	}
}

func TestStateStore_UpdateRollbackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ss, err := NewStateStore(s, risk.State{Equity: 30})
	if err != nil {
		t.Fatalf("NewStateStore: %v", err)
	}

	_, err = ss.Update(ctx, func(st *risk.State) error {
		st.Paused = true
		return context.Canceled
	})
	if err == nil {
		t.Fatal("expected error from callback")
	}

	st, err := ss.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if st.Paused {
		t.Fatal("failed update must not persist changes")
	}
}

func TestLedger_PlaceholderAndReconcile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ledger, err := NewLedger(s)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}

	uid, err := ledger.OpenPlaceholder(ctx, TradeRecord{
		Mode: "scalping", Symbol: "BTCUSDT", Side: "BUY",
		EntryPrice: 30000, Qty: 0.0045, TPFrac: 0.02, SLFrac: 0.01,
	})
	if err != nil {
		t.Fatalf("OpenPlaceholder: %v", err)
	}
	if uid == "" {
		t.Fatal("placeholder must return a uid")
	}

	open, err := ledger.OpenTrades(ctx)
	if err != nil {
		t.Fatalf("OpenTrades: %v", err)
	}
	if len(open) != 1 || open[0].UID != uid {
		t.Fatalf("expected one open trade %s, got %+v", uid, open)
	}

	if err := ledger.Reconcile(ctx, uid, "TP", 1.2, 7, time.Now()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	// 二次回填必须失败，终态不可覆盖。
	if err := ledger.Reconcile(ctx, uid, "SL", -1, 1, time.Now()); err == nil {
		t.Fatal("reconciling a closed trade must fail")
	}

	open, _ = ledger.OpenTrades(ctx)
	if len(open) != 0 {
		t.Fatalf("trade should be closed, still open: %+v", open)
	}
}

func TestLedger_RecentClosedNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ledger, err := NewLedger(s)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	pnls := []float64{0.5, -0.3, -0.2}
	for i, p := range pnls {
		err := ledger.RecordClosed(ctx, TradeRecord{
			OpenedAt: base.Add(time.Duration(i) * time.Hour),
			Mode:     "adaptive", Symbol: "BTCUSDT", Side: "SELL",
			EntryPrice: 30000, Qty: 0.001,
			Result: "SL", PnL: p, BarsHeld: 3,
			ClosedAt: base.Add(time.Duration(i+1) * time.Hour),
		})
		if err != nil {
			t.Fatalf("RecordClosed: %v", err)
		}
	}

	got, err := ledger.RecentClosed(ctx, 10)
	if err != nil {
		t.Fatalf("RecentClosed: %v", err)
	}
	want := []float64{-0.2, -0.3, 0.5}
	if len(got) != len(want) {
		t.Fatalf("expected %d trades, got %v", len(want), got)
	}
	for i := range want {
		if got[i].PnL != want[i] {
			t.Fatalf("trades not newest-first: got %+v want pnls %v", got, want)
		}
	}
	if !got[0].ClosedAt.Equal(base.Add(3 * time.Hour)) {
		t.Fatalf("newest close time = %v, want %v", got[0].ClosedAt, base.Add(3*time.Hour))
	}

	sum, err := ledger.SumPnLSince(ctx, base.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("SumPnLSince: %v", err)
	}
	// 只统计 2h 与 3h 平仓的两笔。
	if diff := sum - (-0.5); diff > 1e-12 || diff < -1e-12 {
		t.Fatalf("SumPnLSince = %v, want -0.5", sum)
	}
}

func TestEventLog_RecordAndRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	events, err := NewEventLog(s)
	if err != nil {
		t.Fatalf("NewEventLog: %v", err)
	}

	if err := events.Record(ctx, "uid-1", EventBreakeven, "保本止损已激活", ""); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := events.Record(ctx, "uid-1", EventTrailAdjust, "追踪止损上移", "31000"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := events.Record(ctx, "", "", "x", ""); err == nil {
		t.Fatal("empty event type must be rejected")
	}

	recent, err := events.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 || recent[0].Type != EventTrailAdjust {
		t.Fatalf("expected newest-first events, got %+v", recent)
	}
}
