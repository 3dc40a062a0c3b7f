package lock

import (
	"context"
	"testing"

	"DealSync/internal/interfaces"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLockNonBlocking(t *testing.T) {
	c := NewMemoryLockCoordinator()
	ctx := context.Background()

	lease, err := c.TryAcquire(ctx, "u1")
	require.NoError(t, err)

	// 同一 owner 第二次获取立即失败，不阻塞
	_, err = c.TryAcquire(ctx, "u1")
	assert.ErrorIs(t, err, interfaces.ErrLockHeld)

	// 不同 owner 互不影响
	other, err := c.TryAcquire(ctx, "u2")
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, lease.Release(ctx))
	relock, err := c.TryAcquire(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, relock.Release(ctx))
}

func TestMemoryLockDoubleRelease(t *testing.T) {
	c := NewMemoryLockCoordinator()
	ctx := context.Background()

	first, err := c.TryAcquire(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, first.Release(ctx))

	second, err := c.TryAcquire(ctx, "u1")
	require.NoError(t, err)

	// 旧租约重复 Release 不得误伤新持有者
	require.NoError(t, first.Release(ctx))
	_, err = c.TryAcquire(ctx, "u1")
	assert.ErrorIs(t, err, interfaces.ErrLockHeld)
	require.NoError(t, second.Release(ctx))
}
