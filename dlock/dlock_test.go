package dlock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/locksmith/testkit"
)

func TestNew_Validation(t *testing.T) {
	_, conn := testkit.NewMiniRedis(t)

	_, err := New(nil, WithRedisConnector(conn))
	assert.ErrorIs(t, err, ErrConfigNil)

	_, err = New(&Config{})
	assert.ErrorIs(t, err, ErrConnectorNil)

	cases := map[string]func(*Config){
		"negative ttl":     func(c *Config) { c.TTL = -time.Second },
		"no proxies":       func(c *Config) { c.ProxyCount = -1 },
		"poll below 1s":    func(c *Config) { c.PollTimeout = 100 * time.Millisecond },
		"negative timeout": func(c *Config) { c.BlockingTimeout = -time.Second },
		"negative sleep":   func(c *Config) { c.Sleep = -time.Second },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New(testConfig(mutate), WithRedisConnector(conn))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestConfig_Defaults(t *testing.T) {
	cfg := &Config{}
	cfg.setDefaults()
	assert.Equal(t, "dlock:", cfg.Prefix)
	assert.Equal(t, 10*time.Second, cfg.TTL)
	assert.Equal(t, time.Second, cfg.Sleep)
	assert.Equal(t, 8, cfg.ProxyCount)
	assert.Equal(t, 5*time.Second, cfg.PollTimeout)
	assert.Equal(t, 3*time.Second, cfg.WakeGrace)

	_, c := setup(t)
	assert.Equal(t, testPrefix, c.Config().Prefix)
	assert.Len(t, c.env.manager.channels, 2)
}

func TestLocker_LockUnlock(t *testing.T) {
	mr, c := setup(t)
	ctx := testkit.NewContext(t, 5*time.Second)

	var locker Locker = c
	require.NoError(t, locker.Lock(ctx, "job"))
	assert.True(t, mr.Exists(testPrefix+"job"))

	assert.ErrorIs(t, locker.Lock(ctx, "job"), ErrLockAlreadyHeld)
	_, err := locker.TryLock(ctx, "job")
	assert.ErrorIs(t, err, ErrLockAlreadyHeld)

	require.NoError(t, locker.Unlock(ctx, "job"))
	assert.False(t, mr.Exists(testPrefix+"job"))
	assert.ErrorIs(t, locker.Unlock(ctx, "job"), ErrLockNotHeld)
	assert.ErrorIs(t, locker.Unlock(ctx, "job"), ErrNotAcquired)
}

func TestLocker_TryLockAcrossClients(t *testing.T) {
	mr, a := setup(t)
	b := peer(t, mr)
	ctx := testkit.NewContext(t, 5*time.Second)

	ok, err := a.TryLock(ctx, "res", WithTTL(5*time.Second))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, mr.TTL(testPrefix+"res"))

	ok, err = b.TryLock(ctx, "res")
	require.NoError(t, err)
	assert.False(t, ok)

	err = b.Lock(ctx, "res", WithBlockingTimeout(100*time.Millisecond))
	assert.ErrorIs(t, err, ErrNotObtained)

	require.NoError(t, a.Unlock(ctx, "res"))
	require.NoError(t, b.Lock(ctx, "res"))
	require.NoError(t, b.Unlock(ctx, "res"))
}

func TestLocker_LockHonorsContext(t *testing.T) {
	mr, a := setup(t)
	b := peer(t, mr)

	require.NoError(t, a.Lock(context.Background(), "ctx"))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Lock(ctx, "ctx"), context.DeadlineExceeded)
}

func TestClient_CloseReleasesHeldLocks(t *testing.T) {
	mr, c := setup(t)
	ctx := testkit.NewContext(t, 5*time.Second)

	require.NoError(t, c.Lock(ctx, "a"))
	require.NoError(t, c.Lock(ctx, "b"))
	m, _ := c.NewMutex("c")
	ok, _ := m.Acquire(ctx)
	require.True(t, ok)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.False(t, mr.Exists(testPrefix+"a"))
	assert.False(t, mr.Exists(testPrefix+"b"))
	assert.True(t, mr.Exists(testPrefix+"c"), "句柄持有的锁由调用方负责释放")

	_, err := m.Acquire(ctx)
	assert.ErrorIs(t, err, ErrAlreadyAcquired)
	other, _ := c.NewMutex("d")
	_, err = other.Acquire(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	require.NoError(t, m.Release(ctx), "关闭后仍可释放已持有的锁")
}

func TestConfig_Validate(t *testing.T) {
	var nilCfg *Config
	nilCfg.setDefaults()
	assert.ErrorIs(t, nilCfg.validate(), ErrConfigNil)

	cfg := &Config{}
	cfg.setDefaults()
	assert.NoError(t, cfg.validate())

	cfg.WakeGrace = time.Microsecond
	assert.ErrorIs(t, cfg.validate(), ErrInvalidConfig)
}
