package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"DealSync/internal/interfaces"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Limits 各类别限额
type Limits struct {
	StandardPerMinute int // standard：每 owner 每分钟
	BulkPerHour       int // bulk：每 owner 每小时
	HeavyPerHour      int // heavy：每 owner 每小时
	OriginPerMinute   int // 来源地址：每分钟
}

// Limiter 滑动窗口限流器。Redis 可用时用 ZSET 精确滑窗（跨实例一致）；
// Redis 不可用或未配置时降级为进程内令牌桶，宁可放行也不把限流做成故障点。
type Limiter struct {
	rdb    *redis.Client // 可为 nil
	limits Limits
	logger *logrus.Logger

	mu       sync.Mutex
	fallback map[string]*rate.Limiter
}

// NewLimiter 创建限流器。rdb 传 nil 则仅用进程内限流
func NewLimiter(rdb *redis.Client, limits Limits, logger *logrus.Logger) *Limiter {
	return &Limiter{
		rdb:      rdb,
		limits:   limits,
		logger:   logger,
		fallback: make(map[string]*rate.Limiter),
	}
}

// classLimit 类别对应的限额与窗口
func (l *Limiter) classLimit(class string) (int, time.Duration, error) {
	switch class {
	case interfaces.ClassStandard:
		return l.limits.StandardPerMinute, time.Minute, nil
	case interfaces.ClassBulk:
		return l.limits.BulkPerHour, time.Hour, nil
	case interfaces.ClassHeavy:
		return l.limits.HeavyPerHour, time.Hour, nil
	default:
		return 0, 0, fmt.Errorf("未知的限流类别: %s", class)
	}
}

// AllowAction 校验并计一次 (owner, 类别) 请求
func (l *Limiter) AllowAction(ctx context.Context, ownerID, class string) error {
	limit, window, err := l.classLimit(class)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("reconcile:rate:%s:%s", class, ownerID)
	return l.allow(ctx, key, class, limit, window)
}

// AllowOrigin 校验并计一次来源地址请求（粗粒度防滥用，与 owner 无关）
func (l *Limiter) AllowOrigin(ctx context.Context, addr string) error {
	key := "reconcile:rate:origin:" + addr
	return l.allow(ctx, key, "origin", l.limits.OriginPerMinute, time.Minute)
}

func (l *Limiter) allow(ctx context.Context, key, class string, limit int, window time.Duration) error {
	if limit <= 0 {
		return nil // 未配置视为不限
	}
	if l.rdb != nil {
		ok, err := l.allowRedis(ctx, key, limit, window)
		if err == nil {
			if !ok {
				return &interfaces.RateLimitError{Class: class, Limit: limit}
			}
			return nil
		}
		l.logger.WithError(err).WithField("key", key).Warn("redis限流不可用，降级为进程内限流")
	}
	if !l.allowMemory(key, limit, window) {
		return &interfaces.RateLimitError{Class: class, Limit: limit}
	}
	return nil
}

// 滑动窗口脚本：清窗口外成员、数数、未超限则登记，单脚本原子执行，
// 并发请求不会都通过计数检查后再各自写入
// KEYS[1] 限流key；ARGV: 窗口起点ns、限额、当前ns、成员、过期ms
var slidingWindowScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], 0, ARGV[1])
if redis.call("ZCARD", KEYS[1]) >= tonumber(ARGV[2]) then
	return 0
end
redis.call("ZADD", KEYS[1], ARGV[3], ARGV[4])
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return 1
`)

// allowRedis ZSET 滑动窗口，检查与登记在一个 Lua 脚本内原子完成
func (l *Limiter) allowRedis(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := time.Now()
	res, err := slidingWindowScript.Run(ctx, l.rdb, []string{key},
		now.Add(-window).UnixNano(),
		limit,
		now.UnixNano(),
		uuid.NewString(),
		window.Milliseconds(),
	).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// allowMemory 进程内令牌桶兜底
func (l *Limiter) allowMemory(key string, limit int, window time.Duration) bool {
	l.mu.Lock()
	limiter, ok := l.fallback[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(limit)/window.Seconds()), limit)
		l.fallback[key] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}
