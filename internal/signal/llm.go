package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"kangbot/internal/config"
	"kangbot/internal/ratelimit"
)

// Verdict 为大模型复核结论。
type Verdict struct {
	OK  bool   `json:"ok"`
	Why string `json:"why"`
}

// ConfirmRequest 为复核输入。
type ConfirmRequest struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Qty        float64 `json:"qty"`
	Vol        float64 `json:"vol"`
	Confidence float64 `json:"model_conf"`
}

// Confirmer 在模型信心不足时向大模型请求放行/否决。
// 调用失败视为放行，复核永远不在决策关键路径上制造异常。
type Confirmer struct {
	cfg     config.OpenAIConfig
	logger  *zap.Logger
	sdk     *openai.Client
	limiter *ratelimit.Limiter
}

// NewConfirmer 创建大模型复核客户端。limiter 可为 nil 表示不限流。
func NewConfirmer(cfg config.OpenAIConfig, limiter *ratelimit.Limiter, logger *zap.Logger) (*Confirmer, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api_key 不能为空")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout + 5*time.Second}

	return &Confirmer{
		cfg:     cfg,
		logger:  logger,
		sdk:     openai.NewClientWithConfig(clientCfg),
		limiter: limiter,
	}, nil
}

// Confirm 请求复核。任何失败都按放行处理并记录日志。
func (c *Confirmer) Confirm(ctx context.Context, req ConfirmRequest) Verdict {
	payload, err := json.Marshal(req)
	if err != nil {
		return Verdict{OK: true}
	}

	prompt := fmt.Sprintf(
		"You are a trading risk reviewer. Given this order context, reply ONLY valid JSON {\"ok\": bool, \"why\": string}. Context: %s",
		string(payload),
	)

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			c.logger.Debug("复核限流等待被取消，按放行处理", zap.Error(err))
			return Verdict{OK: true}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.sdk.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "Return ONLY valid JSON. Keys must be simple.",
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		Temperature: 0.1,
	})
	if err != nil {
		c.logger.Debug("大模型复核失败，按放行处理", zap.Error(err))
		return Verdict{OK: true}
	}

	if len(resp.Choices) == 0 {
		return Verdict{OK: true}
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	content = stripFence(content)

	var verdict Verdict
	if err := json.Unmarshal([]byte(content), &verdict); err != nil {
		c.logger.Debug("解析复核结果失败，按放行处理", zap.String("content", content), zap.Error(err))
		return Verdict{OK: true}
	}

	return verdict
}

func stripFence(content string) string {
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.Trim(content, "`")
	if idx := strings.Index(content, "\n"); idx >= 0 {
		return strings.TrimSpace(content[idx+1:])
	}
	return "{}"
}
