package dlock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/locksmith/clog"
	"github.com/ceyewan/locksmith/testkit"
)

func newTestManager(store Store) *manager {
	cfg := testConfig()
	cfg.setDefaults()
	return newManager(store, cfg, clog.Discard(), discardLockMetrics())
}

func TestManager_FIFO(t *testing.T) {
	m := newTestManager(nil)

	assert.True(t, m.empty("k"))
	w1 := m.listen("k", ModeExclusive)
	w2 := m.listen("k", ModeExclusive)
	assert.False(t, m.empty("k"))

	assert.Equal(t, 1, m.dispatch("k"))
	assert.True(t, w1.fired())
	assert.False(t, w2.fired())

	assert.Equal(t, 1, m.dispatch("k"))
	assert.True(t, w2.fired())
	assert.True(t, m.empty("k"))

	assert.Zero(t, m.dispatch("k"), "没有等待者时通知被丢弃")
}

func TestManager_ReadBatch(t *testing.T) {
	m := newTestManager(nil)

	r1 := m.listen("k", ModeRead)
	r2 := m.listen("k", ModeRead)
	w := m.listen("k", ModeWrite)
	r3 := m.listen("k", ModeRead)

	assert.Equal(t, 2, m.dispatch("k"), "连续的读者整批唤醒，遇到写者停止")
	assert.True(t, r1.fired())
	assert.True(t, r2.fired())
	assert.False(t, w.fired())

	assert.Equal(t, 1, m.dispatch("k"))
	assert.True(t, w.fired())
	assert.False(t, r3.fired())

	assert.Equal(t, 1, m.dispatch("k"))
	assert.True(t, r3.fired())
}

func TestManager_Abandon(t *testing.T) {
	m := newTestManager(nil)

	w1 := m.listen("k", ModeExclusive)
	w2 := m.listen("k", ModeExclusive)

	m.abandon(w2)
	assert.False(t, w2.fired())

	m.dispatch("k")
	require.True(t, w1.fired())

	w3 := m.listen("k", ModeExclusive)
	m.abandon(w1)
	assert.True(t, w3.fired(), "已被唤醒的等待者放弃时应把唤醒转交给下一个")
	assert.True(t, m.empty("k"))
}

func TestManager_Done(t *testing.T) {
	m := newTestManager(nil)

	w1 := m.listen("k", ModeExclusive)
	w2 := m.listen("k", ModeExclusive)

	m.done(w1)
	assert.False(t, w2.fired())
	assert.Equal(t, 1, m.dispatch("k"))
	assert.True(t, w2.fired())
}

func TestManager_PickChannelRoundRobin(t *testing.T) {
	m := newTestManager(nil)
	require.Len(t, m.channels, 2)

	first := m.pickChannel()
	second := m.pickChannel()
	assert.NotEqual(t, first, second)
	assert.Equal(t, first, m.pickChannel())
	assert.Contains(t, first, testPrefix+"proxy:")
}

func TestManager_ProxyDeliversWake(t *testing.T) {
	mr, _ := testkit.NewMiniRedis(t)
	m := newTestManager(rawClient(t, mr))
	m.start()
	t.Cleanup(m.close)

	w := m.listen("test:k", ModeExclusive)
	_, err := mr.Lpush(m.channels[1], "test:k")
	require.NoError(t, err)

	select {
	case <-w.wake():
	case <-time.After(3 * time.Second):
		t.Fatal("代理未投递唤醒")
	}
	assert.True(t, m.empty("test:k"))
}

func TestManager_ProxySurvivesStoreErrors(t *testing.T) {
	mr, _ := testkit.NewMiniRedis(t)
	m := newTestManager(rawClient(t, mr))

	mr.SetError("ERR injected outage")
	m.start()
	t.Cleanup(m.close)

	time.Sleep(200 * time.Millisecond)
	mr.SetError("")

	w := m.listen("test:k", ModeExclusive)
	_, err := mr.Lpush(m.channels[0], "test:k")
	require.NoError(t, err)

	select {
	case <-w.wake():
	case <-time.After(5 * time.Second):
		t.Fatal("存储恢复后代理应继续工作")
	}
}
