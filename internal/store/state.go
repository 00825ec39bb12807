package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"kangbot/internal/risk"
)

// StateStore 把账户级风控状态持久化为单行记录。
// Update 在一个事务内完成读改写，保证评估与落库原子。
type StateStore struct {
	db *sql.DB
}

var _ risk.StateStore = (*StateStore)(nil)

// NewStateStore 创建风控状态存储。首次使用时写入初始行。
func NewStateStore(s *Store, initial risk.State) (*StateStore, error) {
	if s == nil {
		return nil, errors.New("store 不能为空")
	}

	ss := &StateStore{db: s.db}

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO risk_state
			(id, testnet, paused, cooldown_until, cooldown_notified, loss_streak, equity, starting_capital, updated_at)
		 VALUES (1, ?, 0, '', 0, 0, ?, ?, ?)`,
		boolToInt(initial.Testnet), initial.Equity, initial.StartingCapital,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("初始化风控状态失败: %w", err)
	}

	return ss, nil
}

// Load 读取当前风控状态。
func (s *StateStore) Load(ctx context.Context) (risk.State, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT testnet, paused, cooldown_until, cooldown_notified, loss_streak, equity, starting_capital, updated_at
		 FROM risk_state WHERE id = 1`)
	return scanState(row)
}

// Update 在事务内执行读改写。回调返回错误时回滚。
func (s *StateStore) Update(ctx context.Context, fn func(*risk.State) error) (risk.State, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return risk.State{}, fmt.Errorf("开启事务失败: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT testnet, paused, cooldown_until, cooldown_notified, loss_streak, equity, starting_capital, updated_at
		 FROM risk_state WHERE id = 1`)
	st, err := scanState(row)
	if err != nil {
		return risk.State{}, err
	}

	if err := fn(&st); err != nil {
		return risk.State{}, err
	}

	cooldown := ""
	if !st.CooldownUntil.IsZero() {
		cooldown = st.CooldownUntil.UTC().Format(time.RFC3339Nano)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE risk_state SET
			testnet = ?, paused = ?, cooldown_until = ?, cooldown_notified = ?,
			loss_streak = ?, equity = ?, starting_capital = ?, updated_at = ?
		 WHERE id = 1`,
		boolToInt(st.Testnet), boolToInt(st.Paused), cooldown, boolToInt(st.CooldownNotified),
		st.LossStreak, st.Equity, st.StartingCapital,
		st.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return risk.State{}, fmt.Errorf("写入风控状态失败: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return risk.State{}, fmt.Errorf("提交事务失败: %w", err)
	}

	return st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (risk.State, error) {
	var (
		st                        risk.State
		testnet, paused, notified int
		cooldownRaw, updatedAtRaw string
	)

	err := row.Scan(&testnet, &paused, &cooldownRaw, &notified,
		&st.LossStreak, &st.Equity, &st.StartingCapital, &updatedAtRaw)
	if err != nil {
		return risk.State{}, fmt.Errorf("读取风控状态失败: %w", err)
	}

	st.Testnet = testnet == 1
	st.Paused = paused == 1
	st.CooldownNotified = notified == 1

	if cooldownRaw != "" {
		if ts, parseErr := time.Parse(time.RFC3339Nano, cooldownRaw); parseErr == nil {
			st.CooldownUntil = ts
		}
	}
	if updatedAtRaw != "" {
		if ts, parseErr := time.Parse(time.RFC3339Nano, updatedAtRaw); parseErr == nil {
			st.UpdatedAt = ts
		}
	}

	return st, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
