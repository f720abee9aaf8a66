package dlock

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/locksmith/metrics"
	"github.com/ceyewan/locksmith/testkit"
)

const testPrefix = "test:"

func testConfig(mutate ...func(*Config)) *Config {
	cfg := &Config{
		Prefix:      testPrefix,
		TTL:         10 * time.Second,
		ProxyCount:  2,
		PollTimeout: time.Second,
	}
	for _, fn := range mutate {
		fn(cfg)
	}
	return cfg
}

// setup 启动 miniredis 并返回连接其上的 Client
func setup(t *testing.T, mutate ...func(*Config)) (*miniredis.Miniredis, *Client) {
	t.Helper()
	mr, conn := testkit.NewMiniRedis(t)
	return mr, newTestClient(t, WithRedisConnector(conn), mutate...)
}

// peer 模拟另一个进程：独立的连接与唤醒代理
func peer(t *testing.T, mr *miniredis.Miniredis, mutate ...func(*Config)) *Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return newTestClient(t, WithStore(rdb), mutate...)
}

func newTestClient(t *testing.T, source Option, mutate ...func(*Config)) *Client {
	t.Helper()
	c, err := New(testConfig(mutate...), source,
		WithLogger(testkit.NewLogger()),
		WithMeter(testkit.NewMeter()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func rawClient(t *testing.T, mr *miniredis.Miniredis) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

// renewedBack 把 key 的 TTL 缩短到 50ms，返回看门狗是否已将其恢复为 ttl
func renewedBack(mr *miniredis.Miniredis, key string, ttl time.Duration) func() bool {
	mr.SetTTL(key, 50*time.Millisecond)
	return func() bool { return mr.TTL(key) == ttl }
}

// renewalStopped 触发 GC 后检查 key 是否不再被续期
func renewalStopped(mr *miniredis.Miniredis, key string) func() bool {
	return func() bool {
		runtime.GC()
		mr.SetTTL(key, 50*time.Millisecond)
		time.Sleep(250 * time.Millisecond)
		return mr.TTL(key) == 50*time.Millisecond
	}
}

// histogramRecorder 统计各直方图收到的样本数，其余指标丢弃
type histogramRecorder struct {
	metrics.Meter

	mu      sync.Mutex
	samples map[string]int
}

func newHistogramRecorder() *histogramRecorder {
	return &histogramRecorder{Meter: metrics.Discard(), samples: make(map[string]int)}
}

func (m *histogramRecorder) Histogram(name, _ string, _ ...metrics.MetricOption) (metrics.Histogram, error) {
	return recordedHistogram{name: name, m: m}, nil
}

func (m *histogramRecorder) count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.samples[name]
}

type recordedHistogram struct {
	name string
	m    *histogramRecorder
}

func (h recordedHistogram) Record(context.Context, float64, ...metrics.Label) {
	h.m.mu.Lock()
	h.m.samples[h.name]++
	h.m.mu.Unlock()
}
