package notify

import "context"

// Sink 为通知出口。实现必须自行吞掉错误，
// 通知失败不允许影响交易决策路径。
type Sink interface {
	Send(ctx context.Context, text string)
}

// NopSink 丢弃所有通知。
type NopSink struct{}

// Send 实现 Sink。
func (NopSink) Send(context.Context, string) {}
