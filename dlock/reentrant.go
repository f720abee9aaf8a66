package dlock

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/ceyewan/locksmith/clog"
	"github.com/ceyewan/locksmith/xerrors"
)

type ownerKey struct{}

// OwnerContextKey 返回持有者标识在 context 中的 key，
// 可传给 clog.WithContextField 以便在日志中输出持有者
func OwnerContextKey() any { return ownerKey{} }

// WithOwner 返回携带持有者标识的 context
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// NewOwnerContext 返回携带新生成持有者标识的 context
func NewOwnerContext(ctx context.Context) context.Context {
	return WithOwner(ctx, newToken())
}

// OwnerFromContext 读取持有者标识，不存在时为空
func OwnerFromContext(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}

// Reentrant 可重入锁。持有者由 context 携带，同一持有者可多次获取，
// 每次获取都需要一次对应的释放。句柄可在 goroutine 间共享。
//
//	ctx, ok, err := lock.Acquire(ctx)
//	if err != nil || !ok {
//		return err
//	}
//	defer lock.Release(ctx)
//	// 在同一 ctx 下再次 Acquire 会立即成功并增加计数
//
// 默认挂载 WatchdogMiddleware，首次获取时启动续期，完全释放后停止。
type Reentrant struct {
	name   string
	key    string
	env    *env
	opts   *lockOptions
	logger clog.Logger

	mu    sync.Mutex
	since map[string]time.Time // 持有者 -> 首次获取时间
}

func newReentrant(e *env, name string, lo *lockOptions) *Reentrant {
	r := &Reentrant{
		name:   name,
		key:    e.key(name),
		env:    e,
		opts:   lo,
		logger: e.logger.With(clog.String("lock", name), clog.String("mode", "reentrant")),
		since:  make(map[string]time.Time),
	}
	if lo.watchdog && !hasWatchdogMiddleware(lo.middlewares) {
		wd := NewWatchdogMiddleware(r.logger)
		wd.metrics = e.metrics
		lo.middlewares = append([]Middleware{wd}, lo.middlewares...)
		// 未释放就被丢弃时停止续期，让租约自然过期
		runtime.AddCleanup(r, func(wd *WatchdogMiddleware) { _ = wd.Close() }, wd)
	}
	return r
}

func hasWatchdogMiddleware(mws []Middleware) bool {
	for _, mw := range mws {
		if _, ok := mw.(*WatchdogMiddleware); ok {
			return true
		}
	}
	return false
}

func (r *Reentrant) lease(owner string) *lease {
	return &lease{name: r.name, key: r.key, token: owner, ttl: r.opts.ttl, env: r.env}
}

// Acquire 以 ctx 中的持有者获取锁，ctx 中没有持有者时生成一个。
// 返回的 context 携带持有者，后续 Release、Extend 与重入都应使用它。
// Token 选项可显式指定持有者
func (r *Reentrant) Acquire(ctx context.Context, opts ...AcquireOption) (context.Context, bool, error) {
	ao := r.opts.acquireOptions(opts)
	owner := ao.token
	if owner == "" {
		owner = OwnerFromContext(ctx)
	}
	// 已知持有者可能是重入，不必排在其他等待者之后
	ao.eager = owner != ""
	if owner == "" {
		owner = newToken()
	}
	ctx = WithOwner(ctx, owner)

	ok, err := r.env.acquire(ctx, exclusiveVariant{}, r.key, owner, r.opts, ao)
	if ok {
		r.mu.Lock()
		if _, held := r.since[owner]; !held {
			r.since[owner] = time.Now()
		}
		r.mu.Unlock()
		r.logger.DebugContext(ctx, "lock acquired")
	} else if err != nil {
		r.logger.WarnContext(ctx, "lock acquire failed", errField(err))
	}
	runAfterAcquire(ctx, r.opts.middlewares, r.lease(owner), ok)
	return ctx, ok, err
}

// Release 释放 ctx 中持有者的一次持有。计数归零时锁被完全释放并通知等待者
func (r *Reentrant) Release(ctx context.Context) error {
	owner := OwnerFromContext(ctx)
	if owner == "" {
		return ErrNotAcquired
	}
	l := r.lease(owner)

	var held time.Duration
	r.mu.Lock()
	if at, ok := r.since[owner]; ok {
		held = time.Since(at)
	}
	r.mu.Unlock()

	res, err := r.env.release(ctx, exclusiveVariant{}, r.key, owner, held)
	if err != nil {
		r.logger.WarnContext(ctx, "lock release failed", errField(err))
		runAfterRelease(ctx, r.opts.middlewares, l, false)
		return err
	}

	if res != releaseHeld {
		r.mu.Lock()
		delete(r.since, owner)
		r.mu.Unlock()
	}
	runAfterRelease(ctx, r.opts.middlewares, l, res != releaseHeld)
	switch res {
	case releaseNotOwned:
		return xerrors.Wrapf(ErrLockNotOwned, "release %s", r.key)
	case releaseHeld:
		r.logger.DebugContext(ctx, "lock still held by owner")
	default:
		r.logger.DebugContext(ctx, "lock released")
	}
	return nil
}

// Extend 为 ctx 中的持有者续期
func (r *Reentrant) Extend(ctx context.Context, additional time.Duration, replace bool) error {
	owner := OwnerFromContext(ctx)
	if owner == "" {
		return ErrNotAcquired
	}
	if r.opts.ttl <= 0 {
		return ErrNoTimeout
	}
	return r.lease(owner).Extend(ctx, additional, replace)
}

// Locked 锁是否被任何人持有
func (r *Reentrant) Locked(ctx context.Context) (bool, error) {
	n, err := r.env.store.Exists(ctx, r.key).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Owned 锁是否被 ctx 中的持有者持有
func (r *Reentrant) Owned(ctx context.Context) (bool, error) {
	owner := OwnerFromContext(ctx)
	if owner == "" {
		return false, nil
	}
	return r.env.store.HExists(ctx, r.key, owner).Result()
}

// Name 锁名
func (r *Reentrant) Name() string { return r.name }

// Timeout 租约时长，0 表示不过期
func (r *Reentrant) Timeout() time.Duration { return r.opts.ttl }

// Do 持有锁执行 fn，fn 收到携带持有者的 context，可在其中重入
func (r *Reentrant) Do(ctx context.Context, fn func(ctx context.Context) error, opts ...AcquireOption) (err error) {
	ctx, ok, err := r.Acquire(ctx, opts...)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotObtained
	}
	defer func() {
		err = xerrors.Combine(err, r.Release(context.WithoutCancel(ctx)))
	}()
	return fn(ctx)
}

// Close 停止所有看门狗并关闭中间件，不释放锁
func (r *Reentrant) Close() error {
	return closeMiddlewares(r.opts.middlewares)
}
