// Package sim 提供纯函数的 TP/SL 路径模拟器。
// 实盘管理与回测共用同一实现，保证两侧结果逐位一致。
package sim

// Side 表示进场方向。
type Side uint8

const (
	SideBuy Side = iota
	SideSell
)

// String 返回方向名称。
func (s Side) String() string {
	if s == SideSell {
		return "SELL"
	}
	return "BUY"
}

// Result 表示一笔交易的路径结果。
type Result string

const (
	ResultTP   Result = "TP"
	ResultSL   Result = "SL"
	ResultNone Result = "NONE"
)

// TieBreak 为同一根K线内 TP 与 SL 同时可触发时的判定顺序。
// K线内部的真实先后无从得知，这是一个显式策略而非事实，
// 依赖它做资金决策前需经业务确认。
type TieBreak uint8

const (
	// TieBreakTPFirst 先判 TP 再判 SL，为默认策略。
	TieBreakTPFirst TieBreak = iota
	// TieBreakSLFirst 先判 SL，偏保守。
	TieBreakSLFirst
)

// Bar 为模拟所需的单根K线。
type Bar struct {
	High  float64
	Low   float64
	Close float64
}

// Outcome 为一次路径模拟的结果。BarsToExit 从 1 开始计数；
// 未触发任何阈值时等于路径长度。
type Outcome struct {
	Result      Result
	BarsToExit  int
	PnLFraction float64
}

// Simulate 沿给定价格路径逐根扫描，返回首个触发的 TP/SL 结果。
// 同输入必得同输出，不依赖任何外部状态。
func Simulate(path []Bar, entry float64, side Side, tpFrac, slFrac float64, policy TieBreak) Outcome {
	var tpPrice, slPrice float64
	if side == SideBuy {
		tpPrice = entry * (1 + tpFrac)
		slPrice = entry * (1 - slFrac)
	} else {
		tpPrice = entry * (1 - tpFrac)
		slPrice = entry * (1 + slFrac)
	}

	for i, bar := range path {
		tpHit := hitTP(bar, side, tpPrice)
		slHit := hitSL(bar, side, slPrice)

		switch {
		case tpHit && slHit:
			if policy == TieBreakSLFirst {
				return Outcome{Result: ResultSL, BarsToExit: i + 1, PnLFraction: -slFrac}
			}
			return Outcome{Result: ResultTP, BarsToExit: i + 1, PnLFraction: tpFrac}
		case tpHit:
			return Outcome{Result: ResultTP, BarsToExit: i + 1, PnLFraction: tpFrac}
		case slHit:
			return Outcome{Result: ResultSL, BarsToExit: i + 1, PnLFraction: -slFrac}
		}
	}

	pnl := 0.0
	if len(path) > 0 && entry > 0 {
		last := path[len(path)-1].Close
		pnl = (last - entry) / entry
		if side == SideSell {
			pnl = -pnl
		}
	}

	return Outcome{Result: ResultNone, BarsToExit: len(path), PnLFraction: pnl}
}

func hitTP(bar Bar, side Side, tpPrice float64) bool {
	if side == SideBuy {
		return bar.High >= tpPrice
	}
	return bar.Low <= tpPrice
}

func hitSL(bar Bar, side Side, slPrice float64) bool {
	if side == SideBuy {
		return bar.Low <= slPrice
	}
	return bar.High >= slPrice
}
