package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"kangbot/internal/config"
	"kangbot/internal/notify"
)

type memStore struct {
	st State
}

func (m *memStore) Load(context.Context) (State, error) {
	return m.st, nil
}

func (m *memStore) Update(_ context.Context, fn func(*State) error) (State, error) {
	st := m.st
	if err := fn(&st); err != nil {
		return State{}, err
	}
	m.st = st
	return st, nil
}

type memLedger struct {
	closed []ClosedTrade
	pnl24  float64
	err    error
}

func (m *memLedger) RecentClosed(_ context.Context, limit int) ([]ClosedTrade, error) {
	if m.err != nil {
		return nil, m.err
	}
	if limit > len(m.closed) {
		limit = len(m.closed)
	}
	return m.closed[:limit], nil
}

// closedAt 构造同一平仓时刻的记录序列，顺序即从新到旧。
func closedAt(ts time.Time, pnls ...float64) []ClosedTrade {
	out := make([]ClosedTrade, len(pnls))
	for i, p := range pnls {
		out[i] = ClosedTrade{PnL: p, ClosedAt: ts}
	}
	return out
}

func (m *memLedger) SumPnLSince(context.Context, time.Time) (float64, error) {
	return m.pnl24, m.err
}

type failSyncer struct{ calls int }

func (f *failSyncer) SyncClosedPnL(context.Context) error {
	f.calls++
	return errors.New("exchange unavailable")
}

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		RiskPerTrade:    0.05,
		SizeBuffer:      0.10,
		EquityFloor:     10,
		MaxDailyLoss:    0.10,
		LossStreakPause: 3,
		CooldownMinutes: 15,
		StartingCapital: 30,
	}
}

func newTestGate(t *testing.T, store *memStore, ledger *memLedger, syncer Syncer, now time.Time) *Gate {
	t.Helper()
	gate, err := NewGate(testRiskConfig(), store, ledger, syncer, notify.NopSink{}, nil)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	gate.now = func() time.Time { return now }
	return gate
}

func TestAuthorize_EquityFloorFlipsTestnet(t *testing.T) {
	store := &memStore{st: State{Equity: 30}}
	gate := newTestGate(t, store, &memLedger{}, nil, time.Now())

	auth, err := gate.Authorize(context.Background(), 8)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if auth.OK || auth.Reason != ReasonEquityFloor {
		t.Fatalf("expected equity_floor denial, got %+v", auth)
	}
	if !store.st.Testnet {
		t.Fatal("testnet flag should be persisted")
	}

	// 已处于沙盒后不再检查资金下限。
	auth, err = gate.Authorize(context.Background(), 8)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !auth.OK {
		t.Fatalf("sandbox mode should pass the floor check, got %+v", auth)
	}
}

func TestAuthorize_LossStreakTriggersExactCooldown(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &memStore{st: State{Testnet: true, Equity: 30}}
	ledger := &memLedger{closed: closedAt(start, -0.01, -0.02, -0.015, 0.03, -0.01)}
	gate := newTestGate(t, store, ledger, nil, start)

	auth, err := gate.Authorize(context.Background(), 30)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if auth.OK || auth.Reason != ReasonCooldown {
		t.Fatalf("expected cooldown denial, got %+v", auth)
	}
	if auth.State.LossStreak != 3 {
		t.Fatalf("streak should stop at first win: got %d", auth.State.LossStreak)
	}

	cooldown := time.Duration(testRiskConfig().CooldownMinutes) * time.Minute

	// 冷却期最后一秒仍拒绝。
	gate.now = func() time.Time { return start.Add(cooldown - time.Second) }
	auth, _ = gate.Authorize(context.Background(), 30)
	if auth.OK || auth.Reason != ReasonCooldown {
		t.Fatalf("still inside cooldown window, got %+v", auth)
	}

	// 到期瞬间放行，且冷却状态被清理。
	ledger.closed = closedAt(start, 0.02)
	gate.now = func() time.Time { return start.Add(cooldown) }
	auth, _ = gate.Authorize(context.Background(), 30)
	if !auth.OK {
		t.Fatalf("cooldown expired, expected pass, got %+v", auth)
	}
	if !store.st.CooldownUntil.IsZero() || store.st.CooldownNotified {
		t.Fatalf("cooldown state should be cleared: %+v", store.st)
	}
}

func TestAuthorize_StreakDoesNotRestartCooldown(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &memStore{st: State{Testnet: true, Equity: 30}}
	ledger := &memLedger{closed: closedAt(start, -0.01, -0.02, -0.015)}
	gate := newTestGate(t, store, ledger, nil, start)

	if _, err := gate.Authorize(context.Background(), 30); err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	firstUntil := store.st.CooldownUntil

	gate.now = func() time.Time { return start.Add(5 * time.Minute) }
	if _, err := gate.Authorize(context.Background(), 30); err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !store.st.CooldownUntil.Equal(firstUntil) {
		t.Fatalf("cooldown deadline must not move while active: %v vs %v", store.st.CooldownUntil, firstUntil)
	}
}

func TestAuthorize_CooldownAnchorsOnLossClose(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	closeTime := start.Add(-10 * time.Minute)
	store := &memStore{st: State{Testnet: true, Equity: 30}}
	ledger := &memLedger{closed: closedAt(closeTime, -0.01, -0.02, -0.015)}
	gate := newTestGate(t, store, ledger, nil, start)

	auth, err := gate.Authorize(context.Background(), 30)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if auth.OK || auth.Reason != ReasonCooldown {
		t.Fatalf("expected cooldown denial, got %+v", auth)
	}

	// 截止时刻 = 亏损平仓时刻 + 冷却时长，而非评估时刻起算。
	wantUntil := closeTime.Add(15 * time.Minute)
	if !store.st.CooldownUntil.Equal(wantUntil) {
		t.Fatalf("cooldown until = %v, want %v", store.st.CooldownUntil, wantUntil)
	}

	// 距平仓 15 分钟即放行，连亏未清也不再以陈旧亏损重新起算。
	gate.now = func() time.Time { return wantUntil }
	auth, _ = gate.Authorize(context.Background(), 30)
	if !auth.OK {
		t.Fatalf("cooldown measured from trade close must expire, got %+v", auth)
	}
	if !store.st.CooldownUntil.IsZero() {
		t.Fatalf("expired cooldown must be cleared, got %v", store.st.CooldownUntil)
	}
}

func TestAuthorize_PausedDenies(t *testing.T) {
	store := &memStore{st: State{Testnet: true, Paused: true, Equity: 30}}
	gate := newTestGate(t, store, &memLedger{}, nil, time.Now())

	auth, err := gate.Authorize(context.Background(), 30)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if auth.OK || auth.Reason != ReasonPaused {
		t.Fatalf("expected paused denial, got %+v", auth)
	}
}

func TestAuthorize_DailyLossPauses(t *testing.T) {
	store := &memStore{st: State{Testnet: true, Equity: 30, StartingCapital: 30}}
	// 基数 max(25, 30)=30，限额 3，亏损 3.5 超限。
	ledger := &memLedger{pnl24: -3.5}
	gate := newTestGate(t, store, ledger, nil, time.Now())

	auth, err := gate.Authorize(context.Background(), 25)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if auth.OK || auth.Reason != ReasonDailyLoss {
		t.Fatalf("expected daily loss denial, got %+v", auth)
	}
	if !store.st.Paused {
		t.Fatal("daily loss breach must set paused")
	}

	// 恰好等于限额不触发。
	store.st.Paused = false
	ledger.pnl24 = -3.0
	auth, _ = gate.Authorize(context.Background(), 25)
	if !auth.OK {
		t.Fatalf("loss equal to limit should pass, got %+v", auth)
	}
}

func TestAuthorize_SyncerFailureIsBestEffort(t *testing.T) {
	store := &memStore{st: State{Testnet: true, Equity: 30}}
	syncer := &failSyncer{}
	gate := newTestGate(t, store, &memLedger{}, syncer, time.Now())

	auth, err := gate.Authorize(context.Background(), 30)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !auth.OK {
		t.Fatalf("syncer failure must not block, got %+v", auth)
	}
	if syncer.calls != 1 {
		t.Fatalf("syncer should be called once, got %d", syncer.calls)
	}
}

func TestResume_ClearsPauseAndCooldown(t *testing.T) {
	store := &memStore{st: State{
		Testnet:          true,
		Paused:           true,
		CooldownUntil:    time.Now().Add(time.Hour),
		CooldownNotified: true,
	}}
	gate := newTestGate(t, store, &memLedger{}, nil, time.Now())

	if err := gate.Resume(context.Background()); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if store.st.Paused || !store.st.CooldownUntil.IsZero() || store.st.CooldownNotified {
		t.Fatalf("resume should clear halt state: %+v", store.st)
	}
}
