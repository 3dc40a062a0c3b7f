package interfaces

import (
	"context"
	"errors"
)

// ErrLockHeld 该 owner 已有对账任务在执行
var ErrLockHeld = errors.New("该归属人的对账任务已在执行中")

// LockLease 已获得的锁，任何退出路径都必须 Release
type LockLease interface {
	Release(ctx context.Context) error
}

// LockCoordinator owner 级互斥锁，获取必须是非阻塞的：
// 已被持有时立即返回 ErrLockHeld，而不是等待
type LockCoordinator interface {
	TryAcquire(ctx context.Context, ownerID string) (LockLease, error)
}
