package dlock

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ceyewan/locksmith/clog"
	"github.com/ceyewan/locksmith/metrics"
	"github.com/ceyewan/locksmith/xerrors"
)

const shardCount = 32

// waiter 一次阻塞获取在本进程内的排队凭证
type waiter struct {
	key  string
	mode Mode
	ch   chan struct{}
}

// wake 返回被唤醒时关闭的 channel
func (w *waiter) wake() <-chan struct{} { return w.ch }

// fired 是否已被唤醒
func (w *waiter) fired() bool {
	select {
	case <-w.ch:
		return true
	default:
		return false
	}
}

type shard struct {
	mu     sync.Mutex
	queues map[string][]*waiter
}

// manager 唤醒通知管理器。
//
// 每个代理 goroutine 在自己的通道上 BLPOP，弹出的值是被释放的锁记录 Key，
// 随后按 FIFO 唤醒本地排在该 Key 上的等待者。读者连续排队时整批唤醒，遇到写者为止。
type manager struct {
	store       Store
	channels    []string
	next        atomic.Uint64
	pollTimeout time.Duration
	shards      [shardCount]shard

	logger  clog.Logger
	metrics *lockMetrics

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

func newManager(store Store, cfg *Config, logger clog.Logger, m *lockMetrics) *manager {
	id := uuid.NewString()
	channels := make([]string, cfg.ProxyCount)
	for i := range channels {
		channels[i] = cfg.Prefix + "proxy:" + id + ":" + strconv.Itoa(i)
	}
	ctx, cancel := context.WithCancel(context.Background())
	mgr := &manager{
		store:       store,
		channels:    channels,
		pollTimeout: cfg.PollTimeout,
		logger:      logger,
		metrics:     m,
		ctx:         ctx,
		cancel:      cancel,
	}
	for i := range mgr.shards {
		mgr.shards[i].queues = make(map[string][]*waiter)
	}
	return mgr
}

// start 启动全部代理，幂等
func (m *manager) start() {
	m.startOnce.Do(func() {
		for _, ch := range m.channels {
			m.wg.Add(1)
			go m.runProxy(ch)
		}
		m.logger.Debug("wake proxies started", clog.Int("count", len(m.channels)))
	})
}

// close 停止全部代理。进行中的 BLPOP 最多阻塞 PollTimeout 后返回
func (m *manager) close() {
	m.closeOnce.Do(func() {
		m.cancel()
		m.wg.Wait()
		m.logger.Debug("wake proxies stopped")
	})
}

// pickChannel 轮询选择一个唤醒通道写入锁记录
func (m *manager) pickChannel() string {
	n := m.next.Add(1) - 1
	return m.channels[n%uint64(len(m.channels))]
}

func (m *manager) shard(key string) *shard {
	return &m.shards[xxhash.Sum64String(key)%shardCount]
}

// empty 本地是否没有人在等待 key
func (m *manager) empty(key string) bool {
	sh := m.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return len(sh.queues[key]) == 0
}

// listen 在 key 的队尾登记一个等待者
func (m *manager) listen(key string, mode Mode) *waiter {
	w := &waiter{key: key, mode: mode, ch: make(chan struct{})}
	sh := m.shard(key)
	sh.mu.Lock()
	sh.queues[key] = append(sh.queues[key], w)
	sh.mu.Unlock()
	m.metrics.waiters.Inc(context.Background(), metrics.L(LabelMode, mode.String()))
	return w
}

// done 等待者已获取锁，注销其排队
func (m *manager) done(w *waiter) {
	sh := m.shard(w.key)
	sh.mu.Lock()
	m.removeLocked(sh, w)
	sh.mu.Unlock()
}

// abandon 等待者放弃获取。若它已被唤醒却未消费，唤醒转交给下一个等待者
func (m *manager) abandon(w *waiter) {
	sh := m.shard(w.key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if !m.removeLocked(sh, w) && w.fired() {
		m.dispatchLocked(sh, w.key)
	}
}

// dispatch 处理 key 的一次释放通知，返回唤醒的等待者数量
func (m *manager) dispatch(key string) int {
	sh := m.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	n := m.dispatchLocked(sh, key)
	if n == 0 {
		m.metrics.wakeDropped.Inc(context.Background())
		m.logger.Debug("wake dropped, no local waiter", clog.String("key", key))
	}
	return n
}

func (m *manager) dispatchLocked(sh *shard, key string) int {
	q := sh.queues[key]
	n := 0
	for len(q) > 0 {
		w := q[0]
		if n > 0 && w.mode != ModeRead {
			break
		}
		q[0] = nil
		q = q[1:]
		close(w.ch)
		n++
		m.metrics.waiters.Dec(context.Background(), metrics.L(LabelMode, w.mode.String()))
		m.metrics.wakeDelivered.Inc(context.Background(), metrics.L(LabelMode, w.mode.String()))
		if w.mode != ModeRead {
			break
		}
	}
	if len(q) == 0 {
		delete(sh.queues, key)
	} else {
		sh.queues[key] = q
	}
	return n
}

// removeLocked 从队列中移除 w，返回 false 表示它已被唤醒出队
func (m *manager) removeLocked(sh *shard, w *waiter) bool {
	q := sh.queues[w.key]
	for i, cur := range q {
		if cur != w {
			continue
		}
		q = append(q[:i], q[i+1:]...)
		if len(q) == 0 {
			delete(sh.queues, w.key)
		} else {
			sh.queues[w.key] = q
		}
		m.metrics.waiters.Dec(context.Background(), metrics.L(LabelMode, w.mode.String()))
		return true
	}
	return false
}

func (m *manager) runProxy(channel string) {
	defer m.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0

	for m.ctx.Err() == nil {
		res, err := m.store.BLPop(m.ctx, m.pollTimeout, channel).Result()
		switch {
		case err == nil:
			bo.Reset()
			if len(res) == 2 {
				m.dispatch(res[1])
			}
		case xerrors.Is(err, redis.Nil):
			bo.Reset()
		default:
			if m.ctx.Err() != nil {
				return
			}
			wait := bo.NextBackOff()
			m.logger.Warn("wake proxy pop failed",
				clog.String("channel", channel),
				clog.Duration("retry_in", wait),
				clog.Error(err))
			select {
			case <-m.ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}
}
