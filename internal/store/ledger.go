package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"kangbot/internal/risk"
)

// 交易账本中的记录状态。
const (
	TradeStatusOpen   = "OPEN"
	TradeStatusClosed = "CLOSED"
)

// TradeRecord 为账本中的一笔交易。
type TradeRecord struct {
	UID        string
	OpenedAt   time.Time
	Mode       string
	Symbol     string
	Side       string
	EntryPrice float64
	Qty        float64
	TPFrac     float64
	SLFrac     float64
	Status     string
	Result     string
	PnL        float64
	BarsHeld   int
	ClosedAt   time.Time
}

// Ledger 持久化交易生命周期: 下单前写占位记录，平仓后补齐结果。
type Ledger struct {
	db *sql.DB
}

var _ risk.Ledger = (*Ledger)(nil)

// NewLedger 创建交易账本。
func NewLedger(s *Store) (*Ledger, error) {
	if s == nil {
		return nil, errors.New("store 不能为空")
	}
	return &Ledger{db: s.db}, nil
}

// OpenPlaceholder 在下单前插入 OPEN 占位记录，返回交易 UID。
// 崩溃后残留的占位记录由启动时的对账流程处理。
func (l *Ledger) OpenPlaceholder(ctx context.Context, rec TradeRecord) (string, error) {
	uid := rec.UID
	if uid == "" {
		uid = uuid.NewString()
	}
	openedAt := rec.OpenedAt
	if openedAt.IsZero() {
		openedAt = time.Now().UTC()
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO trades (uid, opened_at, mode, symbol, side, entry_price, qty, tp_frac, sl_frac, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uid, openedAt.UTC().Format(time.RFC3339),
		rec.Mode, rec.Symbol, rec.Side, rec.EntryPrice, rec.Qty, rec.TPFrac, rec.SLFrac,
		TradeStatusOpen,
	)
	if err != nil {
		return "", fmt.Errorf("写入交易占位记录失败: %w", err)
	}

	return uid, nil
}

// Reconcile 把占位记录补齐为终态。
func (l *Ledger) Reconcile(ctx context.Context, uid, result string, pnl float64, barsHeld int, closedAt time.Time) error {
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}

	res, err := l.db.ExecContext(ctx,
		`UPDATE trades SET status = ?, result = ?, pnl = ?, bars_held = ?, closed_at = ?
		 WHERE uid = ? AND status = ?`,
		TradeStatusClosed, result, pnl, barsHeld,
		closedAt.UTC().Format(time.RFC3339), uid, TradeStatusOpen,
	)
	if err != nil {
		return fmt.Errorf("回填交易结果失败: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("交易 %s 不存在或已关闭", uid)
	}

	return nil
}

// RecordClosed 直接写入一笔已平仓记录，供外部账本同步使用。
func (l *Ledger) RecordClosed(ctx context.Context, rec TradeRecord) error {
	uid := rec.UID
	if uid == "" {
		uid = uuid.NewString()
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO trades
			(uid, opened_at, mode, symbol, side, entry_price, qty, tp_frac, sl_frac, status, result, pnl, bars_held, closed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uid, rec.OpenedAt.UTC().Format(time.RFC3339),
		rec.Mode, rec.Symbol, rec.Side, rec.EntryPrice, rec.Qty, rec.TPFrac, rec.SLFrac,
		TradeStatusClosed, rec.Result, rec.PnL, rec.BarsHeld,
		rec.ClosedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("写入外部平仓记录失败: %w", err)
	}

	return nil
}

// OpenTrades 返回所有 OPEN 状态的记录，按开仓时间升序。
func (l *Ledger) OpenTrades(ctx context.Context) ([]TradeRecord, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT uid, opened_at, mode, symbol, side, entry_price, qty, tp_frac, sl_frac, status
		 FROM trades WHERE status = ? ORDER BY opened_at ASC`,
		TradeStatusOpen,
	)
	if err != nil {
		return nil, fmt.Errorf("查询未平仓记录失败: %w", err)
	}
	defer rows.Close()

	var records []TradeRecord
	for rows.Next() {
		var (
			rec      TradeRecord
			openedAt string
		)
		if err := rows.Scan(&rec.UID, &openedAt, &rec.Mode, &rec.Symbol, &rec.Side,
			&rec.EntryPrice, &rec.Qty, &rec.TPFrac, &rec.SLFrac, &rec.Status); err != nil {
			return nil, fmt.Errorf("扫描未平仓记录失败: %w", err)
		}
		if ts, parseErr := time.Parse(time.RFC3339, openedAt); parseErr == nil {
			rec.OpenedAt = ts
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// RecentClosed 按平仓时间从新到旧返回最多 limit 笔平仓摘要。
func (l *Ledger) RecentClosed(ctx context.Context, limit int) ([]risk.ClosedTrade, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT pnl, closed_at FROM trades WHERE status = ? AND pnl IS NOT NULL
		 ORDER BY closed_at DESC LIMIT ?`,
		TradeStatusClosed, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("查询平仓记录失败: %w", err)
	}
	defer rows.Close()

	var trades []risk.ClosedTrade
	for rows.Next() {
		var (
			tr       risk.ClosedTrade
			closedAt string
		)
		if err := rows.Scan(&tr.PnL, &closedAt); err != nil {
			return nil, fmt.Errorf("扫描平仓记录失败: %w", err)
		}
		if ts, parseErr := time.Parse(time.RFC3339, closedAt); parseErr == nil {
			tr.ClosedAt = ts
		}
		trades = append(trades, tr)
	}

	return trades, rows.Err()
}

// SumPnLSince 返回 since 之后平仓的盈亏合计。
func (l *Ledger) SumPnLSince(ctx context.Context, since time.Time) (float64, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(pnl), 0) FROM trades
		 WHERE status = ? AND pnl IS NOT NULL AND closed_at >= ?`,
		TradeStatusClosed, since.UTC().Format(time.RFC3339),
	)

	var sum float64
	if err := row.Scan(&sum); err != nil {
		return 0, fmt.Errorf("统计区间盈亏失败: %w", err)
	}

	return sum, nil
}
