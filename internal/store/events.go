package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// 生命周期事件类型。
const (
	EventOrderPlaced   = "order_placed"
	EventOrderRejected = "order_rejected"
	EventTP1Filled     = "tp1_filled"
	EventBreakeven     = "breakeven_activated"
	EventTrailAdjust   = "trail_sl_adjust"
	EventClosed        = "position_closed"
	EventKillSwitch    = "kill_switch"
)

// EventLog 记录交易生命周期中的关键动作，用于事后审计。
// 写入失败只向调用方返回错误，由调用方决定降级策略。
type EventLog struct {
	db *sql.DB
}

// NewEventLog 创建事件日志。
func NewEventLog(s *Store) (*EventLog, error) {
	if s == nil {
		return nil, errors.New("store 不能为空")
	}
	return &EventLog{db: s.db}, nil
}

// Record 追加一条事件。tradeUID 可为空表示全局事件。
func (e *EventLog) Record(ctx context.Context, tradeUID, eventType, message, details string) error {
	if eventType == "" {
		return errors.New("eventType 不能为空")
	}

	_, err := e.db.ExecContext(ctx,
		`INSERT INTO trade_events (occurred_at, trade_uid, event_type, message, details)
		 VALUES (?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339Nano), tradeUID, eventType, message, details,
	)
	if err != nil {
		return fmt.Errorf("写入事件日志失败: %w", err)
	}

	return nil
}

// Recent 返回最近 limit 条事件，按时间从新到旧。
func (e *EventLog) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := e.db.QueryContext(ctx,
		`SELECT occurred_at, COALESCE(trade_uid, ''), event_type, message, COALESCE(details, '')
		 FROM trade_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询事件日志失败: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev  Event
			raw string
		)
		if err := rows.Scan(&raw, &ev.TradeUID, &ev.Type, &ev.Message, &ev.Details); err != nil {
			return nil, fmt.Errorf("扫描事件日志失败: %w", err)
		}
		if ts, parseErr := time.Parse(time.RFC3339Nano, raw); parseErr == nil {
			ev.OccurredAt = ts
		}
		events = append(events, ev)
	}

	return events, rows.Err()
}

// Event 为一条生命周期事件。
type Event struct {
	OccurredAt time.Time
	TradeUID   string
	Type       string
	Message    string
	Details    string
}
