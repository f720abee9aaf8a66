package dlock

import (
	"context"

	"github.com/ceyewan/locksmith/xerrors"
)

// Locker 按 key 寻址的简化接口，由 Client 实现。
// 同一个 Client 对同一个 key 至多持有一次，适合“一个进程一个持有者”的场景
type Locker interface {
	// Lock 阻塞获取锁，直到成功、超出 BlockingTimeout 或 ctx 取消
	Lock(ctx context.Context, key string, opts ...LockOption) error
	// TryLock 尝试获取锁，不阻塞
	TryLock(ctx context.Context, key string, opts ...LockOption) (bool, error)
	// Unlock 释放锁
	Unlock(ctx context.Context, key string) error
	// Close 释放持有的锁并关闭组件
	Close() error
}

// Lock 阻塞获取 key 对应的互斥锁
func (c *Client) Lock(ctx context.Context, key string, opts ...LockOption) error {
	if c.held(key) {
		return ErrLockAlreadyHeld
	}
	m, err := c.NewMutex(key, opts...)
	if err != nil {
		return err
	}
	ok, err := m.Acquire(ctx, Blocking())
	if err != nil {
		return err
	}
	if !ok {
		return xerrors.Wrapf(ErrNotObtained, "lock %s", key)
	}
	return c.track(ctx, key, m)
}

// TryLock 尝试获取 key 对应的互斥锁，被他人持有时返回 false
func (c *Client) TryLock(ctx context.Context, key string, opts ...LockOption) (bool, error) {
	if c.held(key) {
		return false, ErrLockAlreadyHeld
	}
	m, err := c.NewMutex(key, opts...)
	if err != nil {
		return false, err
	}
	ok, err := m.Acquire(ctx, NonBlocking())
	if err != nil || !ok {
		return false, err
	}
	if err := c.track(ctx, key, m); err != nil {
		return false, err
	}
	return true, nil
}

// Unlock 释放通过 Lock / TryLock 持有的锁
func (c *Client) Unlock(ctx context.Context, key string) error {
	c.mu.Lock()
	m, ok := c.locks[key]
	delete(c.locks, key)
	c.mu.Unlock()
	if !ok {
		return ErrLockNotHeld
	}
	return m.Release(ctx)
}

func (c *Client) held(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.locks[key]
	return ok
}

// track 登记已获取的锁。并发 Lock 同一个 key 时后到者释放自己获取的锁
func (c *Client) track(ctx context.Context, key string, m *Mutex) error {
	c.mu.Lock()
	if _, exists := c.locks[key]; !exists {
		c.locks[key] = m
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return xerrors.Combine(ErrLockAlreadyHeld, m.Release(ctx))
}
