package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RunSummary 为一次走样回测的汇总指标。
type RunSummary struct {
	StartedAt   time.Time
	Mode        string
	Symbol      string
	Timeframe   string
	Trades      int
	Winrate     float64
	PnLSum      float64
	AvgPnL      float64
	EquityFinal float64
	ReportPath  string
}

// ReportStore 持久化回测运行记录，方便横向比较参数。
type ReportStore struct {
	db *sql.DB
}

// NewReportStore 创建回测记录存储。
func NewReportStore(s *Store) (*ReportStore, error) {
	if s == nil {
		return nil, errors.New("store 不能为空")
	}
	return &ReportStore{db: s.db}, nil
}

// SaveRun 写入一条回测运行记录。
func (r *ReportStore) SaveRun(ctx context.Context, run RunSummary) error {
	startedAt := run.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO backtest_runs
			(started_at, mode, symbol, timeframe, trades, winrate, pnl_sum, avg_pnl, equity_final, report_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		startedAt.UTC().Format(time.RFC3339Nano),
		run.Mode, run.Symbol, run.Timeframe,
		run.Trades, run.Winrate, run.PnLSum, run.AvgPnL, run.EquityFinal, run.ReportPath,
	)
	if err != nil {
		return fmt.Errorf("写入回测记录失败: %w", err)
	}

	return nil
}
