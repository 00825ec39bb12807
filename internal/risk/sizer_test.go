package risk

import (
	"math"
	"testing"

	"kangbot/internal/config"
)

func TestQuantity_Formula(t *testing.T) {
	// 30 * 0.05 * 0.9 / (30000 * 0.01) = 0.0045
	got := Quantity(30, 0.05, 0.10, 30000, 0.01)
	if math.Abs(got-0.0045) > 1e-12 {
		t.Fatalf("Quantity = %v, want 0.0045", got)
	}
}

func TestQuantity_Monotonicity(t *testing.T) {
	base := Quantity(30, 0.05, 0.10, 30000, 0.01)

	// 止损放宽 → 数量减少，风险金额不变。
	wider := Quantity(30, 0.05, 0.10, 30000, 0.02)
	if wider >= base {
		t.Fatalf("wider stop must shrink size: %v vs %v", wider, base)
	}

	// 净值增加 → 数量按比例增加。
	richer := Quantity(60, 0.05, 0.10, 30000, 0.01)
	if math.Abs(richer-2*base) > 1e-12 {
		t.Fatalf("size should scale linearly with equity: %v vs %v", richer, 2*base)
	}

	// 缓冲增大 → 数量减少。
	buffered := Quantity(30, 0.05, 0.20, 30000, 0.01)
	if buffered >= base {
		t.Fatalf("bigger buffer must shrink size: %v vs %v", buffered, base)
	}
}

func TestQuantity_DegenerateInputs(t *testing.T) {
	if got := Quantity(0, 0.05, 0.1, 30000, 0.01); got != 0 {
		t.Fatalf("zero equity should size 0, got %v", got)
	}
	if got := Quantity(30, 0, 0.1, 30000, 0.01); got != 0 {
		t.Fatalf("zero risk fraction should size 0, got %v", got)
	}
	if got := Quantity(30, 0.05, 0.1, 0, 0.01); got != 0 {
		t.Fatalf("zero price should size 0, got %v", got)
	}
	if got := Quantity(30, 0.05, 1.0, 30000, 0.01); got != 0 {
		t.Fatalf("full buffer should size 0, got %v", got)
	}

	// 止损为 0 时按 epsilon 兜底，数量有限且为正。
	got := Quantity(30, 0.05, 0.1, 30000, 0)
	if got <= 0 || math.IsInf(got, 0) || math.IsNaN(got) {
		t.Fatalf("epsilon fallback should keep size finite and positive, got %v", got)
	}
}

func TestSizer_UsesConfig(t *testing.T) {
	s := NewSizer(config.RiskConfig{RiskPerTrade: 0.05, SizeBuffer: 0.10})
	want := Quantity(30, 0.05, 0.10, 30000, 0.01)
	if got := s.Size(30, 30000, 0.01); got != want {
		t.Fatalf("Sizer.Size = %v, want %v", got, want)
	}
}
