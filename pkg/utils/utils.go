// Package utils 提供重试与退避等通用工具
package utils

import (
	"context"
	"time"
)

// Retry 固定间隔重试，ctx 结束时立即返回
func Retry(ctx context.Context, maxAttempts int, delay time.Duration, fn func() error) error {
	return RetryWithBackoff(ctx, maxAttempts, delay, delay, fn)
}

// RetryWithBackoff 带退避的重试
func RetryWithBackoff(ctx context.Context, maxAttempts int, initialDelay time.Duration, maxDelay time.Duration, fn func() error) error {
	var lastErr error
	delay := initialDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt < maxAttempts-1 {
			if err := Sleep(ctx, delay); err != nil {
				return err
			}
			// 指数退避
			delay = time.Duration(float64(delay) * 1.5)
			if delay > maxDelay {
				delay = maxDelay
			}
		}
	}
	return lastErr
}

// Sleep 等待 d，ctx 先结束时返回 ctx.Err()
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Backoff 连续失败时翻倍等待，成功后 Reset
type Backoff struct {
	Min, Max time.Duration
	cur      time.Duration
}

// Next 返回本次应等待的时长
func (b *Backoff) Next() time.Duration {
	if b.cur <= 0 {
		b.cur = b.Min
	} else {
		b.cur *= 2
	}
	if b.Max > 0 && b.cur > b.Max {
		b.cur = b.Max
	}
	return b.cur
}

// Reset 清零
func (b *Backoff) Reset() { b.cur = 0 }
