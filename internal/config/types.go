package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Modes     ModesConfig     `mapstructure:"modes"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Backtest  BacktestConfig  `mapstructure:"backtest"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
	Mode        string `mapstructure:"mode"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

// ExchangeConfig 描述交易所连接信息，同时服务行情与下单。
type ExchangeConfig struct {
	Name       string      `mapstructure:"name"`
	Symbol     string      `mapstructure:"symbol"`
	Timeframe  string      `mapstructure:"timeframe"`
	APIKey     string      `mapstructure:"api_key"`
	APISecret  string      `mapstructure:"api_secret"`
	APIPass    string      `mapstructure:"api_password"`
	UseSandbox bool        `mapstructure:"use_sandbox"`
	Retry      RetryConfig `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// OpenAIConfig 描述大模型复核调用参数。
type OpenAIConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	Model          string        `mapstructure:"model"`
	Timeout        time.Duration `mapstructure:"timeout"`
	Confirm        bool          `mapstructure:"confirm"`
	ConfirmMinConf float64       `mapstructure:"confirm_min_conf"`
}

// RiskConfig 管理账户级风控参数。
type RiskConfig struct {
	RiskPerTrade    float64 `mapstructure:"risk_per_trade"`
	SizeBuffer      float64 `mapstructure:"size_buffer"`
	EquityFloor     float64 `mapstructure:"equity_floor"`
	MaxDailyLoss    float64 `mapstructure:"max_daily_loss"`
	LossStreakPause int     `mapstructure:"loss_streak_pause"`
	CooldownMinutes int     `mapstructure:"cooldown_minutes_after_loss"`
	StartingCapital float64 `mapstructure:"starting_capital"`
	DefaultLeverage int     `mapstructure:"default_leverage"`
	DefaultTestnet  bool    `mapstructure:"default_testnet"`
}

// ExecutionConfig 控制下单行为。
type ExecutionConfig struct {
	Simulation  bool   `mapstructure:"simulation"`
	TimeInForce string `mapstructure:"time_in_force"`
}

// ModesConfig 允许按模式覆盖内置参数。
type ModesConfig struct {
	Scalping ModeOverrides `mapstructure:"scalping"`
	Adaptive ModeOverrides `mapstructure:"adaptive"`
}

// ModeOverrides 为单个模式的可覆盖项，零值表示使用默认。
type ModeOverrides struct {
	VolGateMin       float64 `mapstructure:"vol_gate_min"`
	VolGateMax       float64 `mapstructure:"vol_gate_max"`
	TakeProfit       float64 `mapstructure:"tp"`
	StopLoss         float64 `mapstructure:"sl"`
	LeverageCap      int     `mapstructure:"leverage_cap"`
	TP1Part          float64 `mapstructure:"tp1_part"`
	TP2Part          float64 `mapstructure:"tp2_part"`
	BreakevenTrigger float64 `mapstructure:"breakeven_trigger"`
	TrailingFrac     float64 `mapstructure:"trailing_frac"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string            `mapstructure:"level"`
	Encoding         string            `mapstructure:"encoding"`
	Development      bool              `mapstructure:"development"`
	OutputPaths      []string          `mapstructure:"output_paths"`
	ErrorOutputPaths []string          `mapstructure:"error_output_paths"`
	InitialFields    map[string]string `mapstructure:"initial_fields"`
}

// TelegramConfig 控制通知下发。
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// SchedulerConfig 控制主循环节奏。
type SchedulerConfig struct {
	LoopInterval   time.Duration `mapstructure:"loop_interval"`
	ManageInterval time.Duration `mapstructure:"manage_interval"`
}

// RateLimitConfig 控制对外部服务的调用频率。
type RateLimitConfig struct {
	BrokerCallsPerMinute int `mapstructure:"broker_calls_per_minute"`
	ScorerCallsPerMinute int `mapstructure:"scorer_calls_per_minute"`
}

// BacktestConfig 为走样回测的默认窗口参数。
type BacktestConfig struct {
	TrainBars   int     `mapstructure:"train_bars"`
	TestBars    int     `mapstructure:"test_bars"`
	StepBars    int     `mapstructure:"step_bars"`
	HorizonBars int     `mapstructure:"horizon_bars"`
	FeeRT       float64 `mapstructure:"fee_rt"`
	SlipRT      float64 `mapstructure:"slip_rt"`
	ReportDir   string  `mapstructure:"report_dir"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if _, parseErr := ParseMode(c.App.Mode); parseErr != nil {
		err = multierr.Append(err, parseErr)
	}
	if c.Exchange.Name == "" {
		err = multierr.Append(err, errors.New("exchange.name 不能为空"))
	}
	if c.Exchange.Symbol == "" {
		err = multierr.Append(err, errors.New("exchange.symbol 不能为空"))
	}
	if c.Exchange.Timeframe == "" {
		err = multierr.Append(err, errors.New("exchange.timeframe 不能为空"))
	}
	if c.Exchange.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.max_attempts 必须大于0"))
	}
	if c.Exchange.Retry.MinDelay <= 0 || c.Exchange.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.delay 必须为正"))
	}
	if c.Exchange.Retry.MinDelay > c.Exchange.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("exchange.retry.min_delay 不能大于 max_delay"))
	}
	if c.OpenAI.Confirm {
		if c.OpenAI.APIKey == "" {
			err = multierr.Append(err, errors.New("启用 openai.confirm 时 api_key 不能为空"))
		}
		if c.OpenAI.Model == "" {
			err = multierr.Append(err, errors.New("openai.model 不能为空"))
		}
		if c.OpenAI.ConfirmMinConf <= 0 || c.OpenAI.ConfirmMinConf > 1 {
			err = multierr.Append(err, errors.New("openai.confirm_min_conf 必须位于(0,1]"))
		}
	}
	if c.Risk.RiskPerTrade <= 0 || c.Risk.RiskPerTrade > 1 {
		err = multierr.Append(err, errors.New("risk.risk_per_trade 必须位于(0,1]"))
	}
	if c.Risk.SizeBuffer < 0 || c.Risk.SizeBuffer >= 1 {
		err = multierr.Append(err, errors.New("risk.size_buffer 必须位于[0,1)"))
	}
	if c.Risk.MaxDailyLoss <= 0 || c.Risk.MaxDailyLoss > 1 {
		err = multierr.Append(err, errors.New("risk.max_daily_loss 必须位于(0,1]"))
	}
	if c.Risk.LossStreakPause < 0 {
		err = multierr.Append(err, errors.New("risk.loss_streak_pause 不能为负"))
	}
	if c.Risk.CooldownMinutes < 0 {
		err = multierr.Append(err, errors.New("risk.cooldown_minutes_after_loss 不能为负"))
	}
	if c.Risk.StartingCapital <= 0 {
		err = multierr.Append(err, errors.New("risk.starting_capital 必须大于0"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if c.Telegram.Enabled && (c.Telegram.BotToken == "" || c.Telegram.ChatID == "") {
		err = multierr.Append(err, errors.New("启用 telegram 时 bot_token 与 chat_id 不能为空"))
	}
	if c.Scheduler.LoopInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.loop_interval 必须大于0"))
	}
	if c.Scheduler.ManageInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.manage_interval 必须大于0"))
	}
	if c.RateLimit.BrokerCallsPerMinute <= 0 {
		err = multierr.Append(err, errors.New("rate_limit.broker_calls_per_minute 必须大于0"))
	}
	if c.Backtest.HorizonBars <= 0 {
		err = multierr.Append(err, errors.New("backtest.horizon_bars 必须大于0"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}

// TradingMode 返回解析后的交易模式。Validate 已保证可解析。
func (c *Config) TradingMode() Mode {
	mode, err := ParseMode(c.App.Mode)
	if err != nil {
		return ModeScalping
	}
	return mode
}
