package dlock

import (
	"context"
	"sync"
	"time"

	"github.com/ceyewan/locksmith/clog"
	"github.com/ceyewan/locksmith/xerrors"
)

// Lease 一次成功获取所对应的租约视图，绑定获取时的 token
type Lease interface {
	// Name 锁名（不含前缀）
	Name() string
	// Token 持有者标识
	Token() string
	// Timeout 获取时使用的租约时长，0 表示不过期
	Timeout() time.Duration
	// Extend 为该 token 续期，失去所有权时返回 ErrLockNotOwned
	Extend(ctx context.Context, additional time.Duration, replace bool) error
}

// Middleware 获取与释放后的回调，回调内不应阻塞
type Middleware interface {
	// AfterAcquire 每次 Acquire 结束后调用，acquired 表示是否成功
	AfterAcquire(ctx context.Context, lease Lease, acquired bool)
	// AfterRelease 每次 Release 结束后调用，released 表示调用方是否已不再持有锁
	AfterRelease(ctx context.Context, lease Lease, released bool)
}

// lease Lease 的实现，不引用句柄本身
type lease struct {
	name  string
	key   string
	token string
	ttl   time.Duration
	env   *env
}

func (l *lease) Name() string           { return l.name }
func (l *lease) Token() string          { return l.token }
func (l *lease) Timeout() time.Duration { return l.ttl }

func (l *lease) Extend(ctx context.Context, additional time.Duration, replace bool) error {
	return l.env.extend(ctx, l.key, l.token, additional, replace)
}

// renew 供看门狗调用，以完整 TTL 替换剩余时间
func (l *lease) renew(ctx context.Context) error {
	return l.Extend(ctx, l.ttl, true)
}

func runAfterAcquire(ctx context.Context, mws []Middleware, l Lease, acquired bool) {
	for _, mw := range mws {
		mw.AfterAcquire(ctx, l, acquired)
	}
}

func runAfterRelease(ctx context.Context, mws []Middleware, l Lease, released bool) {
	for _, mw := range mws {
		mw.AfterRelease(ctx, l, released)
	}
}

// WatchdogMiddleware 为每个成功获取的 token 启动看门狗，释放后停止。
// 可重入锁默认挂载；也可通过 WithMiddleware 挂到任意句柄上
type WatchdogMiddleware struct {
	logger  clog.Logger
	metrics *lockMetrics

	mu   sync.Mutex
	dogs map[string]*watchdog
}

// NewWatchdogMiddleware 创建看门狗中间件，logger 为 nil 时丢弃日志
func NewWatchdogMiddleware(logger clog.Logger) *WatchdogMiddleware {
	if logger == nil {
		logger = clog.Discard()
	}
	return &WatchdogMiddleware{logger: logger, dogs: make(map[string]*watchdog)}
}

func dogKey(l Lease) string {
	return l.Name() + "\x00" + l.Token()
}

// AfterAcquire 成功获取后启动续期，同一 token 重入时保持已有的看门狗
func (m *WatchdogMiddleware) AfterAcquire(_ context.Context, l Lease, acquired bool) {
	if !acquired || l.Timeout() <= 0 {
		return
	}
	k := dogKey(l)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.dogs[k]; ok {
		return
	}
	renew := func(ctx context.Context) error {
		return l.Extend(ctx, l.Timeout(), true)
	}
	m.dogs[k] = startWatchdog(l.Timeout(), renew, m.logger.With(clog.String("lock", l.Name())), m.lockMetrics())
}

// AfterRelease 调用方不再持有锁时停止续期
func (m *WatchdogMiddleware) AfterRelease(_ context.Context, l Lease, released bool) {
	if !released {
		return
	}
	k := dogKey(l)
	m.mu.Lock()
	dog := m.dogs[k]
	delete(m.dogs, k)
	m.mu.Unlock()
	dog.Stop()
}

// Close 停止全部看门狗
func (m *WatchdogMiddleware) Close() error {
	m.mu.Lock()
	dogs := m.dogs
	m.dogs = make(map[string]*watchdog)
	m.mu.Unlock()
	for _, d := range dogs {
		d.Stop()
	}
	return nil
}

// Len 正在运行的看门狗数量
func (m *WatchdogMiddleware) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dogs)
}

func (m *WatchdogMiddleware) lockMetrics() *lockMetrics {
	if m.metrics == nil {
		m.metrics = discardLockMetrics()
	}
	return m.metrics
}

func closeMiddlewares(mws []Middleware) error {
	var errs []error
	for _, mw := range mws {
		if c, ok := mw.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return xerrors.Combine(errs...)
}
