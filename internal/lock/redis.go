package lock

import (
	"context"
	"fmt"
	"time"

	"DealSync/internal/interfaces"

	"github.com/bsm/redislock"
)

// RedisLockCoordinator 基于 redislock 的 owner 锁（多实例部署用）。
// Obtain 不带重试策略即为非阻塞：锁被持有时立即返回 ErrNotObtained。
type RedisLockCoordinator struct {
	client *redislock.Client
	ttl    time.Duration
}

// NewRedisLockCoordinator 创建 Redis 锁协调器。ttl 兜底防止崩溃进程永久持锁
func NewRedisLockCoordinator(client *redislock.Client, ttl time.Duration) *RedisLockCoordinator {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLockCoordinator{client: client, ttl: ttl}
}

type redisLease struct {
	lock *redislock.Lock
}

func (l *redisLease) Release(ctx context.Context) error {
	err := l.lock.Release(ctx)
	if err == redislock.ErrLockNotHeld {
		// TTL 到期后锁已自然失效，不算释放失败
		return nil
	}
	return err
}

// TryAcquire 非阻塞获取 owner 锁，已被持有时返回 interfaces.ErrLockHeld
func (c *RedisLockCoordinator) TryAcquire(ctx context.Context, ownerID string) (interfaces.LockLease, error) {
	lock, err := c.client.Obtain(ctx, lockKey(ownerID), c.ttl, nil)
	if err == redislock.ErrNotObtained {
		return nil, interfaces.ErrLockHeld
	}
	if err != nil {
		return nil, fmt.Errorf("获取redis锁失败: %w", err)
	}
	return &redisLease{lock: lock}, nil
}

func lockKey(ownerID string) string {
	return "reconcile:lock:" + ownerID
}
