package signal

import (
	"context"
	"time"
)

// Action 表示信号方向。
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionSkip Action = "SKIP"
)

// Signal 为单个决策周期的交易信号，经 Adjuster 调整后即视为不可变。
type Signal struct {
	Action       Action
	TPFrac       float64
	SLFrac       float64
	Leverage     int
	TrailingFrac float64
	Confidence   float64
}

// Skip 返回跳过信号。
func Skip() Signal {
	return Signal{Action: ActionSkip}
}

// Snapshot 为一次决策所需的特征快照，全部由因果上下文计算得出。
type Snapshot struct {
	Symbol      string
	GeneratedAt time.Time
	Close       float64
	EMAFast     float64
	EMASlow     float64
	MACDHist    float64
	// ATRFrac 为 ATR 相对收盘价的比例。
	ATRFrac float64
	// Vol 为近20根K线绝对收益率均值，作为已实现波动率。
	Vol float64
}

// Scorer 为信号评分边界，可由规则引擎或外部模型实现。
type Scorer interface {
	Score(ctx context.Context, snap Snapshot) (Signal, error)
}
