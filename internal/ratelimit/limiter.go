package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter 为滑动窗口限流器，限制窗口期内的调用次数。
// Wait 在超限时阻塞到最早一次调用滑出窗口，或 ctx 取消。
type Limiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	calls  []time.Time
	now    func() time.Time
}

// New 创建限流器。limit <= 0 表示不限流。
func New(limit int, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// PerMinute 创建每分钟 limit 次的限流器。
func PerMinute(limit int) *Limiter {
	return New(limit, time.Minute)
}

// Wait 占用一个调用额度，必要时阻塞。
func (l *Limiter) Wait(ctx context.Context) error {
	if l.limit <= 0 {
		return ctx.Err()
	}

	for {
		wait, ok := l.tryReserve()
		if ok {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tryReserve 尝试占用额度，失败时返回需要等待的时长。
func (l *Limiter) tryReserve() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	kept := l.calls[:0]
	for _, ts := range l.calls {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.calls = kept

	if len(l.calls) < l.limit {
		l.calls = append(l.calls, now)
		return 0, true
	}

	return l.calls[0].Sub(cutoff), false
}
