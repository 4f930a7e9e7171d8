// Package ratelimit 提供按 key 限流的实现：Redis（多实例共享）与进程内令牌桶
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RateLimiter 按 key 判定请求是否放行
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit Limit) (*Result, error)
}

// Limit 限流规则：每 Period 允许 Rate 次，Burst 为桶容量，0 表示等于 Rate
type Limit struct {
	Rate   int
	Period time.Duration
	Burst  int
}

// Validate 校验规则并补全 Burst
func (l Limit) Validate() (Limit, error) {
	if l.Rate <= 0 || l.Period <= 0 {
		return l, fmt.Errorf("invalid limit: rate=%d period=%s", l.Rate, l.Period)
	}
	if l.Burst <= 0 {
		l.Burst = l.Rate
	}
	return l, nil
}

// Result 单次判定结果
type Result struct {
	Allowed    bool
	Remaining  int
	ResetAfter time.Duration
	RetryAfter time.Duration
}

// RedisRateLimiter 基于 redis_rate 的 GCRA 限流，多个经纪人实例共享额度
type RedisRateLimiter struct {
	limiter *redis_rate.Limiter
}

// NewRedisRateLimiter 使用目录所连的 Redis 创建限流器
func NewRedisRateLimiter(rdb *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{
		limiter: redis_rate.NewLimiter(rdb),
	}
}

// Allow 实现 RateLimiter
func (r *RedisRateLimiter) Allow(ctx context.Context, key string, limit Limit) (*Result, error) {
	l, err := limit.Validate()
	if err != nil {
		return nil, err
	}
	res, err := r.limiter.Allow(ctx, key, toRedisLimit(l))
	if err != nil {
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}
	return fromRedisResult(res), nil
}

func toRedisLimit(l Limit) redis_rate.Limit {
	return redis_rate.Limit{Rate: l.Rate, Period: l.Period, Burst: l.Burst}
}

// fromRedisResult redis_rate 用 -1 表示无需等待
func fromRedisResult(res *redis_rate.Result) *Result {
	out := &Result{
		Allowed:    res.Allowed > 0,
		Remaining:  res.Remaining,
		ResetAfter: res.ResetAfter,
		RetryAfter: res.RetryAfter,
	}
	if out.RetryAfter < 0 {
		out.RetryAfter = 0
	}
	if out.ResetAfter < 0 {
		out.ResetAfter = 0
	}
	return out
}

// LocalRateLimiter 进程内令牌桶，每个 key 一个 rate.Limiter
type LocalRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewLocalRateLimiter 创建进程内限流器
func NewLocalRateLimiter() *LocalRateLimiter {
	return &LocalRateLimiter{limiters: make(map[string]*rate.Limiter)}
}

// Allow 实现 RateLimiter
func (l *LocalRateLimiter) Allow(_ context.Context, key string, limit Limit) (*Result, error) {
	limit, err := limit.Validate()
	if err != nil {
		return nil, err
	}
	burst := limit.Burst

	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(limit.Rate)/limit.Period.Seconds()), burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()

	now := time.Now()
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return &Result{Allowed: false, RetryAfter: limit.Period}, nil
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return &Result{Allowed: false, RetryAfter: delay, ResetAfter: delay}, nil
	}
	return &Result{Allowed: true, Remaining: int(lim.TokensAt(now))}, nil
}
