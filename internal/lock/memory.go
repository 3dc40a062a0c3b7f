package lock

import (
	"context"
	"sync"

	"DealSync/internal/interfaces"
)

// MemoryLockCoordinator 进程内 owner 锁（单实例部署与测试用）
type MemoryLockCoordinator struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewMemoryLockCoordinator 创建进程内锁协调器
func NewMemoryLockCoordinator() *MemoryLockCoordinator {
	return &MemoryLockCoordinator{held: make(map[string]bool)}
}

type memoryLease struct {
	c       *MemoryLockCoordinator
	ownerID string
	once    sync.Once
}

func (l *memoryLease) Release(_ context.Context) error {
	l.once.Do(func() {
		l.c.mu.Lock()
		delete(l.c.held, l.ownerID)
		l.c.mu.Unlock()
	})
	return nil
}

// TryAcquire 非阻塞获取，已被持有时返回 interfaces.ErrLockHeld
func (c *MemoryLockCoordinator) TryAcquire(_ context.Context, ownerID string) (interfaces.LockLease, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.held[ownerID] {
		return nil, interfaces.ErrLockHeld
	}
	c.held[ownerID] = true
	return &memoryLease{c: c, ownerID: ownerID}, nil
}
