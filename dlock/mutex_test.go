package dlock

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ceyewan/locksmith/testkit"
)

func TestMutex_AcquireRelease(t *testing.T) {
	mr, c := setup(t)
	ctx := testkit.NewContext(t, 5*time.Second)

	m, err := c.NewMutex("orders")
	require.NoError(t, err)
	assert.Equal(t, "orders", m.Name())
	assert.Equal(t, 10*time.Second, m.Timeout())

	ok, err := m.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, m.Token())
	assert.Equal(t, "1", mr.HGet(testPrefix+"orders", m.Token()))

	locked, err := m.Locked(ctx)
	require.NoError(t, err)
	assert.True(t, locked)
	owned, err := m.Owned(ctx)
	require.NoError(t, err)
	assert.True(t, owned)

	_, err = m.Acquire(ctx)
	assert.ErrorIs(t, err, ErrAlreadyAcquired)

	require.NoError(t, m.Release(ctx))
	assert.Empty(t, m.Token())
	assert.False(t, mr.Exists(testPrefix+"orders"))

	assert.ErrorIs(t, m.Release(ctx), ErrNotAcquired)
	assert.ErrorIs(t, m.Release(ctx), ErrLock)
}

func TestMutex_ExplicitToken(t *testing.T) {
	mr, c := setup(t)
	ctx := testkit.NewContext(t, 5*time.Second)

	m, err := c.NewMutex("tok")
	require.NoError(t, err)
	ok, err := m.Acquire(ctx, Token("worker-1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "worker-1", m.Token())
	assert.Equal(t, "1", mr.HGet(testPrefix+"tok", "worker-1"))
	require.NoError(t, m.Release(ctx))
}

func TestMutex_NonBlockingContention(t *testing.T) {
	_, c := setup(t)
	ctx := testkit.NewContext(t, 5*time.Second)

	a, _ := c.NewMutex("contended")
	b, _ := c.NewMutex("contended")

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.Acquire(ctx, NonBlocking())
	require.NoError(t, err)
	assert.False(t, ok)

	locked, err := b.Locked(ctx)
	require.NoError(t, err)
	assert.True(t, locked)
	owned, err := b.Owned(ctx)
	require.NoError(t, err)
	assert.False(t, owned)

	require.NoError(t, a.Release(ctx))
	ok, err = b.Acquire(ctx, NonBlocking())
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, b.Release(ctx))
}

func TestMutex_NonBlockingByDefault(t *testing.T) {
	_, c := setup(t, func(cfg *Config) { cfg.NonBlocking = true })
	ctx := testkit.NewContext(t, 5*time.Second)

	a, _ := c.NewMutex("nb")
	b, _ := c.NewMutex("nb")
	ok, _ := a.Acquire(ctx)
	require.True(t, ok)

	start := time.Now()
	ok, err := b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	ok, err = b.Acquire(ctx, NonBlocking(), BlockingTimeout(50*time.Millisecond))
	require.NoError(t, err)
	assert.False(t, ok, "BlockingTimeout 覆盖配置的非阻塞默认值")
}

func TestMutex_BlockingTimeout(t *testing.T) {
	_, c := setup(t)
	ctx := testkit.NewContext(t, 5*time.Second)

	a, _ := c.NewMutex("slow")
	b, _ := c.NewMutex("slow")
	ok, _ := a.Acquire(ctx)
	require.True(t, ok)

	start := time.Now()
	ok, err := b.Acquire(ctx, BlockingTimeout(200*time.Millisecond))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.True(t, c.env.manager.empty(testPrefix+"slow"), "超时后应注销等待者")
}

func TestMutex_ContextCancel(t *testing.T) {
	_, c := setup(t)

	a, _ := c.NewMutex("cancel")
	b, _ := c.NewMutex("cancel")
	ok, _ := a.Acquire(context.Background())
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	ok, err := b.Acquire(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	ok, err = b.Acquire(context.Background(), NonBlocking())
	require.NoError(t, err, "取消后的句柄应可再次使用")
	assert.False(t, ok)
}

func TestMutex_ReleaseWakesWaiter(t *testing.T) {
	_, c := setup(t)
	ctx := testkit.NewContext(t, 10*time.Second)

	a, _ := c.NewMutex("wake")
	b, _ := c.NewMutex("wake", WithSleep(5*time.Second))
	ok, _ := a.Acquire(ctx)
	require.True(t, ok)

	acquired := make(chan time.Duration, 1)
	go func() {
		start := time.Now()
		ok, err := b.Acquire(ctx)
		if err == nil && ok {
			acquired <- time.Since(start)
		}
		close(acquired)
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, a.Release(ctx))

	select {
	case d, ok := <-acquired:
		require.True(t, ok, "等待者应获取成功")
		assert.Less(t, d, 2*time.Second, "应由唤醒通知而不是轮询结束等待")
	case <-time.After(4 * time.Second):
		t.Fatal("等待者未被唤醒")
	}
	require.NoError(t, b.Release(ctx))
}

func TestMutex_CrossProcessWake(t *testing.T) {
	mr, c := setup(t)
	other := peer(t, mr)
	ctx := testkit.NewContext(t, 10*time.Second)

	a, _ := c.NewMutex("shared")
	b, _ := other.NewMutex("shared", WithSleep(5*time.Second))
	ok, _ := a.Acquire(ctx)
	require.True(t, ok)

	done := make(chan error, 1)
	go func() {
		ok, err := b.Acquire(ctx)
		if err == nil && !ok {
			err = errors.New("not acquired")
		}
		done <- err
	}()

	// 等待对端的失败尝试把唤醒通道指向自己
	assert.Eventually(t, func() bool {
		return !other.env.manager.empty(testPrefix + "shared")
	}, 2*time.Second, 10*time.Millisecond)

	start := time.Now()
	require.NoError(t, a.Release(ctx))

	select {
	case err := <-done:
		require.NoError(t, err)
		assert.Less(t, time.Since(start), 2*time.Second)
	case <-time.After(4 * time.Second):
		t.Fatal("跨进程等待者未被唤醒")
	}
	require.NoError(t, b.Release(ctx))
}

func TestMutex_FIFOAmongLocalWaiters(t *testing.T) {
	_, c := setup(t)
	ctx := testkit.NewContext(t, 10*time.Second)

	holder, _ := c.NewMutex("fifo")
	ok, _ := holder.Acquire(ctx)
	require.True(t, ok)

	order := make(chan int, 3)
	for i := 0; i < 3; i++ {
		m, _ := c.NewMutex("fifo", WithSleep(5*time.Second))
		go func(i int) {
			if ok, err := m.Acquire(ctx); err == nil && ok {
				order <- i
				time.Sleep(20 * time.Millisecond)
				_ = m.Release(ctx)
			}
		}(i)
		// 依次排队
		assert.Eventually(t, func() bool {
			return len(queueOf(c, "fifo")) == i+1
		}, time.Second, 5*time.Millisecond)
	}

	require.NoError(t, holder.Release(ctx))
	for want := 0; want < 3; want++ {
		select {
		case got := <-order:
			assert.Equal(t, want, got)
		case <-time.After(5 * time.Second):
			t.Fatal("等待者未按顺序获取")
		}
	}
}

func queueOf(c *Client, name string) []*waiter {
	key := c.env.key(name)
	sh := c.env.manager.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return append([]*waiter(nil), sh.queues[key]...)
}

func TestMutex_MutualExclusion(t *testing.T) {
	_, c := setup(t)
	ctx := testkit.NewContext(t, 20*time.Second)

	var inside, total atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 5; i++ {
		g.Go(func() error {
			m, err := c.NewMutex("counter")
			if err != nil {
				return err
			}
			for j := 0; j < 3; j++ {
				err := m.Do(gctx, func(context.Context) error {
					if inside.Add(1) != 1 {
						return errors.New("two holders inside the critical section")
					}
					time.Sleep(5 * time.Millisecond)
					total.Add(1)
					inside.Add(-1)
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(15), total.Load())
}

func TestMutex_Extend(t *testing.T) {
	mr, c := setup(t)
	ctx := testkit.NewContext(t, 5*time.Second)
	key := testPrefix + "extend"

	m, err := c.NewMutex("extend", WithWatchdog(false))
	require.NoError(t, err)
	assert.ErrorIs(t, m.Extend(ctx, time.Second, false), ErrNotAcquired)

	ok, _ := m.Acquire(ctx)
	require.True(t, ok)

	require.NoError(t, m.Extend(ctx, 5*time.Second, false))
	assert.Equal(t, 15*time.Second, mr.TTL(key))

	require.NoError(t, m.Extend(ctx, 3*time.Second, true))
	assert.Equal(t, 3*time.Second, mr.TTL(key))

	assert.ErrorIs(t, m.Extend(ctx, 0, true), ErrInvalidConfig)
}

func TestMutex_LeaseExpired(t *testing.T) {
	mr, c := setup(t)
	ctx := testkit.NewContext(t, 5*time.Second)

	m, err := c.NewMutex("expire", WithTTL(time.Second), WithWatchdog(false))
	require.NoError(t, err)
	ok, _ := m.Acquire(ctx)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	owned, err := m.Owned(ctx)
	require.NoError(t, err)
	assert.False(t, owned)
	assert.ErrorIs(t, m.Extend(ctx, time.Second, true), ErrLockNotOwned)
	assert.ErrorIs(t, m.Release(ctx), ErrLockNotOwned)
	assert.Empty(t, m.Token(), "即使已失去所有权，释放后句柄也回到未持有状态")
}

func TestMutex_NoTimeout(t *testing.T) {
	mr, c := setup(t)
	ctx := testkit.NewContext(t, 5*time.Second)

	_, err := c.NewMutex("forever", WithTTL(0), WithWatchdog(true))
	assert.ErrorIs(t, err, ErrNoTimeout)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = c.NewMutex("forever", WithTTL(0), WithMiddleware(NewWatchdogMiddleware(nil)))
	assert.ErrorIs(t, err, ErrNoTimeout)

	m, err := c.NewMutex("forever", WithTTL(0))
	require.NoError(t, err)
	ok, _ := m.Acquire(ctx)
	require.True(t, ok)
	assert.Zero(t, mr.TTL(testPrefix+"forever"))
	assert.ErrorIs(t, m.Extend(ctx, time.Second, true), ErrNoTimeout)
	require.NoError(t, m.Release(ctx))
}

func TestMutex_InvalidOptions(t *testing.T) {
	_, c := setup(t)

	_, err := c.NewMutex("")
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = c.NewMutex("x", WithTTL(-time.Second))
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = c.NewMutex("x", WithSleep(0))
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = c.NewMutex("x", WithBlockingTimeout(-time.Second))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestMutex_WatchdogKeepsLeaseAlive(t *testing.T) {
	mr, c := setup(t)
	ctx := testkit.NewContext(t, 5*time.Second)
	key := testPrefix + "dog"

	m, err := c.NewMutex("dog", WithTTL(300*time.Millisecond))
	require.NoError(t, err)
	ok, _ := m.Acquire(ctx)
	require.True(t, ok)

	// miniredis 的 TTL 不随真实时间减少，手动缩短后等看门狗恢复
	mr.SetTTL(key, 50*time.Millisecond)
	assert.Eventually(t, func() bool {
		return mr.TTL(key) == 300*time.Millisecond
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, m.Release(ctx))
	assert.Nil(t, m.dogs.dog, "释放后看门狗应停止")
}

// acquireAndDropMutex 获取锁后不释放也不保留句柄
func acquireAndDropMutex(t *testing.T, mr *miniredis.Miniredis, c *Client, name string) {
	t.Helper()
	m, err := c.NewMutex(name, WithTTL(300*time.Millisecond))
	require.NoError(t, err)
	ok, err := m.Acquire(testkit.NewContext(t, 5*time.Second))
	require.NoError(t, err)
	require.True(t, ok)
	require.Eventually(t, renewedBack(mr, c.env.key(name), 300*time.Millisecond), 2*time.Second, 10*time.Millisecond)
}

func TestMutex_DroppedHandleStopsWatchdog(t *testing.T) {
	mr, c := setup(t)
	acquireAndDropMutex(t, mr, c, "dropped")

	assert.Eventually(t, renewalStopped(mr, testPrefix+"dropped"), 5*time.Second, 10*time.Millisecond,
		"句柄被回收后看门狗应停止，租约自然过期")
}

func TestMutex_ConcurrentReleaseStopsWatchdog(t *testing.T) {
	_, c := setup(t)
	ctx := testkit.NewContext(t, 10*time.Second)

	m, err := c.NewMutex("race", WithTTL(time.Second))
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		released := make(chan error, 1)
		go func() {
			for {
				err := m.Release(ctx)
				if !errors.Is(err, ErrNotAcquired) {
					released <- err
					return
				}
				runtime.Gosched()
			}
		}()

		ok, err := m.Acquire(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, <-released)

		m.dogs.mu.Lock()
		dog := m.dogs.dog
		m.dogs.mu.Unlock()
		require.Nil(t, dog, "获取与释放交错后不应残留看门狗")
	}
}

func TestMutex_WatchdogDisabledByConfig(t *testing.T) {
	_, c := setup(t, func(cfg *Config) { cfg.DisableWatchdog = true })
	ctx := testkit.NewContext(t, 5*time.Second)

	m, _ := c.NewMutex("nodog")
	ok, _ := m.Acquire(ctx)
	require.True(t, ok)
	assert.Nil(t, m.dogs.dog)
	require.NoError(t, m.Release(ctx))
}

func TestMutex_Do(t *testing.T) {
	mr, c := setup(t)
	ctx := testkit.NewContext(t, 5*time.Second)

	m, _ := c.NewMutex("do")
	ran := false
	require.NoError(t, m.Do(ctx, func(context.Context) error {
		ran = true
		assert.True(t, mr.Exists(testPrefix+"do"))
		return nil
	}))
	assert.True(t, ran)
	assert.False(t, mr.Exists(testPrefix+"do"))

	boom := errors.New("boom")
	assert.ErrorIs(t, m.Do(ctx, func(context.Context) error { return boom }), boom)
	assert.False(t, mr.Exists(testPrefix+"do"), "fn 出错也要释放锁")

	holder, _ := c.NewMutex("do")
	ok, _ := holder.Acquire(ctx)
	require.True(t, ok)
	err := m.Do(ctx, func(context.Context) error { return nil }, NonBlocking())
	assert.ErrorIs(t, err, ErrNotObtained)
	require.NoError(t, holder.Release(ctx))
}

func TestMutex_StoreError(t *testing.T) {
	mr, c := setup(t)
	ctx := testkit.NewContext(t, 5*time.Second)

	m, _ := c.NewMutex("broken")
	ok, _ := m.Acquire(ctx)
	require.True(t, ok)
	token := m.Token()

	mr.SetError("ERR injected outage")
	assert.Error(t, m.Release(ctx))
	assert.Equal(t, token, m.Token(), "存储错误时保留 token 以便重试")

	mr.SetError("")
	require.NoError(t, m.Release(ctx))
}
