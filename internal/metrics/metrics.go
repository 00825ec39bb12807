package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// 交易循环运行指标，注册到默认 registry。
var (
	tradesOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kangbot_trades_opened_total",
		Help: "按方向统计的开仓次数。",
	}, []string{"side"})

	tradesClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kangbot_trades_closed_total",
		Help: "按结果统计的平仓次数。",
	}, []string{"result"})

	riskBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kangbot_risk_blocks_total",
		Help: "按原因统计的风控拦截次数。",
	}, []string{"reason"})

	brokerErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kangbot_broker_errors_total",
		Help: "券商接口调用失败次数。",
	})

	equity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kangbot_equity",
		Help: "最近一次读取的账户净值。",
	})

	lossStreak = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kangbot_loss_streak",
		Help: "当前连续亏损笔数。",
	})
)

// TradeOpened 记录一次开仓。
func TradeOpened(side string) {
	tradesOpened.WithLabelValues(side).Inc()
}

// TradeClosed 记录一次平仓。
func TradeClosed(result string) {
	tradesClosed.WithLabelValues(result).Inc()
}

// RiskBlocked 记录一次风控拦截。
func RiskBlocked(reason string) {
	riskBlocks.WithLabelValues(reason).Inc()
}

// BrokerError 记录一次券商接口失败。
func BrokerError() {
	brokerErrors.Inc()
}

// SetEquity 更新净值。
func SetEquity(v float64) {
	equity.Set(v)
}

// SetLossStreak 更新连亏计数。
func SetLossStreak(n int) {
	lossStreak.Set(float64(n))
}

// Serve 在独立端口暴露 /metrics，随 ctx 结束优雅关闭。
func Serve(ctx context.Context, port int, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("关闭指标服务失败", zap.Error(err))
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("指标服务异常", zap.Error(err))
		}
	}()

	logger.Info("指标接口已启动", zap.String("addr", addr))
}
