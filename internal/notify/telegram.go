package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"kangbot/internal/config"
)

var fastJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Telegram 通过 Bot API 发送文本通知。
type Telegram struct {
	cfg    config.TelegramConfig
	client *http.Client
	logger *zap.Logger
}

// NewTelegram 创建 Telegram 通知出口。未启用时返回 NopSink。
func NewTelegram(cfg config.TelegramConfig, logger *zap.Logger) Sink {
	if !cfg.Enabled || cfg.BotToken == "" || cfg.ChatID == "" {
		return NopSink{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Telegram{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Send 发送消息。任何失败只记录日志。
func (t *Telegram) Send(ctx context.Context, text string) {
	body, err := fastJSON.Marshal(map[string]string{
		"chat_id": t.cfg.ChatID,
		"text":    text,
	})
	if err != nil {
		return
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Debug("telegram 通知发送失败", zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		t.logger.Debug("telegram 通知被拒绝", zap.Int("status", resp.StatusCode))
	}
}
