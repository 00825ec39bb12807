package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"kangbot/internal/backtest"
	"kangbot/internal/config"
	"kangbot/internal/log"
	"kangbot/internal/market"
	"kangbot/internal/store"
)

var fastJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// 走样回测入口。错误只打到控制台与日志，进程始终以 0 退出。
func main() {
	var (
		configPath string
		modeName   string
		symbol     string
		timeframe  string
		csvPath    string
		trainBars  int
		testBars   int
		stepBars   int
		horizon    int
	)

	flag.StringVar(&configPath, "config", "", "配置文件路径")
	flag.StringVar(&modeName, "mode", "", "交易模式: scalping 或 adaptive，默认取配置")
	flag.StringVar(&symbol, "symbol", "", "交易对，默认取配置")
	flag.StringVar(&timeframe, "timeframe", "", "K线周期，默认取配置")
	flag.StringVar(&csvPath, "csv", "", "本地 CSV 数据路径，留空走交易所行情")
	flag.IntVar(&trainBars, "train", 0, "训练窗口K线数")
	flag.IntVar(&testBars, "test", 0, "测试窗口K线数")
	flag.IntVar(&stepBars, "step", 0, "窗口步进K线数")
	flag.IntVar(&horizon, "horizon", 0, "持仓最长K线数")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		return
	}

	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		return
	}
	defer func() { _ = logger.Sync() }()

	mode := cfg.TradingMode()
	if modeName != "" {
		mode, err = config.ParseMode(modeName)
		if err != nil {
			logger.Error("无法解析交易模式", zap.Error(err))
			return
		}
	}
	if symbol == "" {
		symbol = cfg.Exchange.Symbol
	}
	if timeframe == "" {
		timeframe = cfg.Exchange.Timeframe
	}

	btCfg := backtest.Config{
		Mode:          mode,
		Overrides:     cfg.Modes,
		Symbol:        symbol,
		Timeframe:     timeframe,
		TrainBars:     pick(trainBars, cfg.Backtest.TrainBars),
		TestBars:      pick(testBars, cfg.Backtest.TestBars),
		StepBars:      pick(stepBars, cfg.Backtest.StepBars),
		HorizonBars:   pick(horizon, cfg.Backtest.HorizonBars),
		FeeRT:         cfg.Backtest.FeeRT,
		SlipRT:        cfg.Backtest.SlipRT,
		InitialEquity: 1,
		Leverage:      cfg.Risk.DefaultLeverage,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var source market.Source
	if csvPath != "" {
		source = &market.CSVSource{Path: csvPath}
	} else {
		client, err := market.NewClient(cfg.Exchange, logger)
		if err != nil {
			logger.Error("初始化行情客户端失败", zap.Error(err))
			return
		}
		source = client
	}

	needed := btCfg.TrainBars + 10*btCfg.TestBars + btCfg.HorizonBars
	history := market.NewHistoryService(source, logger)
	candles := history.Load(ctx, symbol, timeframe, needed)

	engine, err := backtest.NewEngine(btCfg, nil, logger)
	if err != nil {
		logger.Error("初始化回测引擎失败", zap.Error(err))
		return
	}

	report, err := engine.Run(ctx, candles)
	if err != nil {
		logger.Error("回测执行失败", zap.Error(err))
		return
	}

	jsonPath, csvOut, err := backtest.WriteReport(cfg.Backtest.ReportDir, report)
	if err != nil {
		logger.Warn("写入报告失败", zap.Error(err))
	} else {
		logger.Info("报告已写入", zap.String("json", jsonPath), zap.String("csv", csvOut))
	}

	if sqliteStore, err := store.NewSQLite(cfg.Database); err == nil {
		defer sqliteStore.Close()
		if reports, err := store.NewReportStore(sqliteStore); err == nil {
			if err := reports.SaveRun(ctx, store.RunSummary{
				StartedAt:   report.GeneratedAt,
				Mode:        report.Mode,
				Symbol:      report.Symbol,
				Timeframe:   report.Timeframe,
				Trades:      report.Trades,
				Winrate:     report.Winrate,
				PnLSum:      report.PnLSum,
				AvgPnL:      report.AvgPnL,
				EquityFinal: report.EquityFinal,
				ReportPath:  jsonPath,
			}); err != nil {
				logger.Warn("写入回测记录失败", zap.Error(err))
			}
		}
	} else {
		logger.Warn("打开数据库失败，跳过回测记录", zap.Error(err))
	}

	// 汇总打到标准输出，明细留在报告文件里。
	summary := report
	summary.TradeLog = nil
	if payload, err := fastJSON.MarshalIndent(summary, "", "  "); err == nil {
		fmt.Println(string(payload))
	}
}

func pick(flagValue, cfgValue int) int {
	if flagValue > 0 {
		return flagValue
	}
	return cfgValue
}
