package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"kangbot/internal/config"
)

// Store 封装 SQLite 连接，承载风控状态、交易账本、事件与回测报表。
type Store struct {
	db *sql.DB
}

// NewSQLite 根据配置初始化 SQLite 存储并建表。
func NewSQLite(cfg config.DatabaseConfig) (*Store, error) {
	dsn := cfg.Path
	if cfg.InMemory {
		dsn = ":memory:"
	} else {
		if err := ensureDir(filepath.Dir(cfg.Path)); err != nil {
			return nil, err
		}
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", dsn))
	if err != nil {
		return nil, fmt.Errorf("打开 SQLite 数据库失败: %w", err)
	}

	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	if cfg.InMemory {
		// 内存库所有连接必须指向同一份数据。
		conn.SetMaxOpenConns(1)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("设置 SQLite WAL 模式失败: %w", err)
	}

	if _, err := conn.Exec("PRAGMA synchronous=NORMAL;"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("设置 SQLite 同步级别失败: %w", err)
	}

	s := &Store{db: conn}
	if err := s.initSchema(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS risk_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			testnet INTEGER NOT NULL DEFAULT 0,
			paused INTEGER NOT NULL DEFAULT 0,
			cooldown_until TEXT NOT NULL DEFAULT '',
			cooldown_notified INTEGER NOT NULL DEFAULT 0,
			loss_streak INTEGER NOT NULL DEFAULT 0,
			equity REAL NOT NULL DEFAULT 0,
			starting_capital REAL NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS trades (
			uid TEXT PRIMARY KEY,
			opened_at TEXT NOT NULL,
			mode TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			entry_price REAL NOT NULL,
			qty REAL NOT NULL,
			tp_frac REAL NOT NULL,
			sl_frac REAL NOT NULL,
			status TEXT NOT NULL DEFAULT 'OPEN',
			result TEXT,
			pnl REAL,
			bars_held INTEGER,
			closed_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_closed ON trades(status, closed_at);`,
		`CREATE TABLE IF NOT EXISTS trade_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			occurred_at TEXT NOT NULL,
			trade_uid TEXT,
			event_type TEXT NOT NULL,
			message TEXT NOT NULL,
			details TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trade_events_uid ON trade_events(trade_uid);`,
		`CREATE TABLE IF NOT EXISTS backtest_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			started_at TEXT NOT NULL,
			mode TEXT NOT NULL,
			symbol TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			trades INTEGER NOT NULL,
			winrate REAL NOT NULL,
			pnl_sum REAL NOT NULL,
			avg_pnl REAL NOT NULL,
			equity_final REAL NOT NULL,
			report_path TEXT
		);`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("初始化表结构失败: %w", err)
		}
	}

	return nil
}

// DB 返回底层 *sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close 关闭数据库连接。
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func ensureDir(path string) error {
	if path == "" || path == "." {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("创建目录 %q 失败: %w", path, err)
	}
	return nil
}
