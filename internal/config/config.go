package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "kangbot"
)

// Load 读取配置文件并结合环境变量返回 Config。
// 所有缺省项在 setDefaults 中给出文档化默认值，缺配置不致命。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.mode", "adaptive")
	v.SetDefault("app.metrics_port", 9090)

	v.SetDefault("exchange.name", "binanceusdm")
	v.SetDefault("exchange.symbol", "BTC/USDT:USDT")
	v.SetDefault("exchange.timeframe", "15m")
	v.SetDefault("exchange.use_sandbox", true)
	v.SetDefault("exchange.retry.max_attempts", 3)
	v.SetDefault("exchange.retry.min_delay", "500ms")
	v.SetDefault("exchange.retry.max_delay", "5s")

	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.timeout", "15s")
	v.SetDefault("openai.confirm", false)
	v.SetDefault("openai.confirm_min_conf", 0.58)

	v.SetDefault("risk.risk_per_trade", 0.01)
	v.SetDefault("risk.size_buffer", 0.0)
	v.SetDefault("risk.equity_floor", 0.0)
	v.SetDefault("risk.max_daily_loss", 0.10)
	v.SetDefault("risk.loss_streak_pause", 3)
	v.SetDefault("risk.cooldown_minutes_after_loss", 15)
	v.SetDefault("risk.starting_capital", 30.0)
	v.SetDefault("risk.default_leverage", 10)
	v.SetDefault("risk.default_testnet", true)

	v.SetDefault("execution.simulation", false)
	v.SetDefault("execution.time_in_force", "GTC")

	v.SetDefault("database.path", "data/kangbot.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})
	v.SetDefault("logging.initial_fields", map[string]string{"service": "kangbot"})

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.timeout", "5s")

	v.SetDefault("scheduler.loop_interval", "1m")
	v.SetDefault("scheduler.manage_interval", "30s")

	v.SetDefault("rate_limit.broker_calls_per_minute", 120)
	v.SetDefault("rate_limit.scorer_calls_per_minute", 60)

	v.SetDefault("backtest.train_bars", 2000)
	v.SetDefault("backtest.test_bars", 300)
	v.SetDefault("backtest.step_bars", 300)
	v.SetDefault("backtest.horizon_bars", 96)
	v.SetDefault("backtest.fee_rt", 0.0006)
	v.SetDefault("backtest.slip_rt", 0.0003)
	v.SetDefault("backtest.report_dir", "reports")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
