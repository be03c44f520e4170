package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"fiyattakibi/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

var ErrRateLimitTimeout = errors.New("rate limit wait timeout")

const (
	defaultPrefix = "fiyattakibi:ratelimit"
	jitterMax     = 10 * time.Millisecond
)

// 令牌桶：按毫秒补充令牌，不足时返回需要等待的毫秒数
const tokenBucketLua = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

if rate <= 0 or burst <= 0 then
  return {1, 0, burst}
end

local data = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])
if tokens == nil then
  tokens = burst
end
if ts == nil then
  ts = now
end

local delta = math.max(0, now - ts)
tokens = math.min(burst, tokens + (delta * rate) / 1000.0)

local allowed = tokens >= requested
local wait_ms = 0
if allowed then
  tokens = tokens - requested
else
  wait_ms = math.ceil((requested - tokens) * 1000.0 / rate)
end

redis.call("HMSET", key, "tokens", tokens, "ts", now)
redis.call("PEXPIRE", key, math.ceil((burst / rate) * 1000.0 * 2))

return {allowed and 1 or 0, wait_ms, tokens}
`

// RateLimiter 基于 Redis 的分布式令牌桶，每个作用域（如零售商）一个桶。
//
// 多个服务实例共享同一个桶，保证对同一零售商的总请求速率不超过配置值。
type RateLimiter struct {
	rdb     redis.Scripter
	prefix  string
	rate    float64
	burst   float64
	maxWait time.Duration
	logger  *slog.Logger
	script  *redis.Script
}

// NewRedisRateLimiter 创建限流器。rate 或 burst 不大于 0 时 Acquire 直接放行。
func NewRedisRateLimiter(rdb redis.Scripter, logger *slog.Logger, prefix string, rate float64, burst float64) *RateLimiter {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		rdb:    rdb,
		prefix: prefix,
		rate:   rate,
		burst:  burst,
		logger: logger,
		script: redis.NewScript(tokenBucketLua),
	}
}

// WithMaxWait 设置最长等待时间，超过后放行请求而不是继续等待。
func (r *RateLimiter) WithMaxWait(d time.Duration) *RateLimiter {
	r.maxWait = d
	return r
}

// Key 返回作用域对应的 Redis key。
func (r *RateLimiter) Key(scope string) string {
	if scope == "" {
		scope = "default"
	}
	return r.prefix + ":" + scope
}

// Acquire 阻塞直到 scope 的桶中取得一个令牌。
//
// ctx 取消时返回 ErrRateLimitTimeout；Redis 出错时降级放行并记录日志。
func (r *RateLimiter) Acquire(ctx context.Context, scope string) error {
	if r == nil || r.rate <= 0 || r.burst <= 0 {
		return nil
	}

	start := time.Now()
	var deadline <-chan time.Time
	if r.maxWait > 0 {
		t := time.NewTimer(r.maxWait)
		defer t.Stop()
		deadline = t.C
	}

	for {
		allowed, waitMs, err := r.tryAcquire(ctx, scope)
		if err != nil {
			if ctx.Err() != nil {
				metrics.RateLimitTimeoutTotal.Inc()
				return fmt.Errorf("%w: %v", ErrRateLimitTimeout, ctx.Err())
			}
			r.logger.Warn("rate limit degraded, allowing request",
				slog.String("scope", scope), slog.String("error", err.Error()))
			return nil
		}
		if allowed {
			metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
			return nil
		}

		wait := time.Duration(waitMs) * time.Millisecond
		if wait <= 0 {
			wait = 50 * time.Millisecond
		}
		wait += time.Duration(rand.Int63n(int64(jitterMax)))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
			metrics.RateLimitTimeoutTotal.Inc()
			return fmt.Errorf("%w: %v", ErrRateLimitTimeout, ctx.Err())
		case <-deadline:
			timer.Stop()
			r.logger.Warn("rate limit max wait exceeded, allowing request", slog.String("scope", scope))
			metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
			return nil
		case <-timer.C:
		}
	}
}

func (r *RateLimiter) tryAcquire(ctx context.Context, scope string) (bool, int64, error) {
	now := time.Now().UnixMilli()
	res, err := r.script.Run(ctx, r.rdb, []string{r.Key(scope)}, r.rate, r.burst, now, 1).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit eval: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) < 2 {
		return false, 0, fmt.Errorf("ratelimit invalid result")
	}
	return toInt64(values[0]) == 1, toInt64(values[1]), nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if parsed, err := strconv.ParseInt(t, 10, 64); err == nil {
			return parsed
		}
	}
	return 0
}
