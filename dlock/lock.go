package dlock

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ceyewan/locksmith/clog"
	"github.com/ceyewan/locksmith/xerrors"
)

// env 同一个 Client 下所有句柄共享的依赖
type env struct {
	cfg     *Config
	store   Store
	manager *manager
	logger  clog.Logger
	metrics *lockMetrics
	tracer  trace.Tracer
	closed  atomic.Bool
}

func (e *env) key(name string) string {
	return e.cfg.Prefix + name
}

func newToken() string {
	return uuid.NewString()
}

// acquire 获取循环，所有锁模式共用。
//
// 本地已有人排队时新来者直接排到队尾，不抢先尝试（可能重入的调用除外）；
// 尝试失败后登记等待者并立刻再试一次，避免释放通知落在两者之间而丢失。
// 每轮最多等待 min(剩余租约/3, sleep)，收到唤醒提前结束。
func (e *env) acquire(ctx context.Context, v variant, key, token string, lo *lockOptions, ao acquireOptions) (acquired bool, err error) {
	if e.closed.Load() {
		return false, ErrClosed
	}

	ctx, span := e.tracer.Start(ctx, "dlock.acquire", trace.WithAttributes(
		attribute.String("dlock.key", key),
		attribute.String("dlock.mode", v.mode().String()),
		attribute.Bool("dlock.blocking", ao.blocking),
	))
	start := time.Now()
	defer func() {
		e.metrics.observeAcquire(ctx, v.mode(), acquired, err, time.Since(start))
		span.SetAttributes(attribute.Bool("dlock.acquired", acquired))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	proxy := e.manager.pickChannel()
	if !ao.blocking {
		_, ok, err := v.acquire(ctx, e.store, key, token, proxy, lo.ttl)
		return ok, err
	}

	var deadline time.Time
	if ao.blockingTimeout > 0 {
		deadline = start.Add(ao.blockingTimeout)
	}

	var w *waiter
	remain := lo.ttl
	for first := true; ; first = false {
		attempted := false
		if w != nil || (first && ao.eager) || e.manager.empty(key) {
			attempted = true
			r, ok, err := v.acquire(ctx, e.store, key, token, proxy, lo.ttl)
			if err != nil {
				if w != nil {
					e.manager.abandon(w)
				}
				return false, err
			}
			if ok {
				if w != nil {
					e.manager.done(w)
				}
				return true, nil
			}
			remain = r
		}

		if w == nil || w.fired() {
			w = e.manager.listen(key, v.mode())
			if attempted {
				continue
			}
		}

		wait := lo.sleep
		if remain > 0 && remain/3 < wait {
			wait = remain / 3
		}
		if !deadline.IsZero() {
			left := time.Until(deadline)
			if left <= 0 {
				e.manager.abandon(w)
				return false, nil
			}
			if left < wait {
				wait = left
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-w.wake():
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			e.manager.abandon(w)
			return false, ctx.Err()
		}
		timer.Stop()
	}
}

func (e *env) release(ctx context.Context, v variant, key, token string, held time.Duration) (releaseResult, error) {
	ctx, span := e.tracer.Start(ctx, "dlock.release", trace.WithAttributes(
		attribute.String("dlock.key", key),
		attribute.String("dlock.mode", v.mode().String()),
	))
	defer span.End()

	res, err := v.release(ctx, e.store, key, token, e.cfg.WakeGrace)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetAttributes(attribute.String("dlock.result", res.String()))
	e.metrics.observeRelease(ctx, v.mode(), res, held)
	return res, nil
}

func (e *env) extend(ctx context.Context, key, token string, d time.Duration, replace bool) error {
	if d <= 0 {
		return xerrors.Wrap(ErrInvalidConfig, "extend duration must be positive")
	}
	ctx, span := e.tracer.Start(ctx, "dlock.extend", trace.WithAttributes(
		attribute.String("dlock.key", key),
		attribute.Int64("dlock.extend_ms", d.Milliseconds()),
		attribute.Bool("dlock.replace", replace),
	))
	defer span.End()

	ok, err := extendLease(ctx, e.store, key, token, d, replace)
	if err == nil && !ok {
		err = xerrors.Wrapf(ErrLockNotOwned, "extend %s", key)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// handle Mutex、ReadLock、WriteLock 的公共实现。一个句柄同一时刻至多持有一个 token
type handle struct {
	name    string
	key     string
	variant variant
	env     *env
	opts    *lockOptions
	logger  clog.Logger

	mu         sync.Mutex
	token      string
	acquiring  bool
	acquiredAt time.Time
	lease      *lease

	dogs *watchdogSlot
}

func newHandle(e *env, name string, v variant, lo *lockOptions) *handle {
	h := &handle{
		name:    name,
		key:     e.key(name),
		variant: v,
		env:     e,
		opts:    lo,
		logger:  e.logger.With(clog.String("lock", name), clog.String("mode", v.mode().String())),
		dogs:    &watchdogSlot{},
	}
	// 句柄未释放就被丢弃时，停止其看门狗让租约自然过期
	runtime.AddCleanup(h, func(s *watchdogSlot) { s.stop() }, h.dogs)
	return h
}

// Acquire 获取锁。阻塞模式下直到成功、超出 BlockingTimeout（返回 false, nil）或 ctx 取消
func (h *handle) Acquire(ctx context.Context, opts ...AcquireOption) (bool, error) {
	ao := h.opts.acquireOptions(opts)

	h.mu.Lock()
	if h.token != "" || h.acquiring {
		h.mu.Unlock()
		return false, ErrAlreadyAcquired
	}
	h.acquiring = true
	h.mu.Unlock()

	token := ao.token
	if token == "" {
		token = newToken()
	}
	l := &lease{name: h.name, key: h.key, token: token, ttl: h.opts.ttl, env: h.env}

	ok, err := h.env.acquire(ctx, h.variant, h.key, token, h.opts, ao)

	h.mu.Lock()
	h.acquiring = false
	if ok {
		h.token = token
		h.acquiredAt = time.Now()
		h.lease = l
		// 与 token 一同发布，并发的 Release 一定能停止它
		if h.opts.watchdog {
			h.dogs.set(startWatchdog(h.opts.ttl, l.renew, h.logger, h.env.metrics))
		}
	}
	h.mu.Unlock()

	if ok {
		h.logger.DebugContext(ctx, "lock acquired")
	} else if err != nil {
		h.logger.WarnContext(ctx, "lock acquire failed", errField(err))
	}
	runAfterAcquire(ctx, h.opts.middlewares, l, ok)
	return ok, err
}

// Release 释放锁。先停止看门狗再执行释放脚本；租约已失效时返回 ErrLockNotOwned
func (h *handle) Release(ctx context.Context) error {
	h.mu.Lock()
	token, l := h.token, h.lease
	if token == "" {
		h.mu.Unlock()
		return ErrNotAcquired
	}
	held := time.Since(h.acquiredAt)
	h.token, h.lease = "", nil
	h.mu.Unlock()

	h.dogs.stop()

	res, err := h.env.release(ctx, h.variant, h.key, token, held)
	if err != nil {
		// 存储错误时保留 token，调用方可以重试
		h.mu.Lock()
		if h.token == "" && !h.acquiring {
			h.token, h.lease = token, l
		}
		h.mu.Unlock()
		h.logger.WarnContext(ctx, "lock release failed", errField(err))
		runAfterRelease(ctx, h.opts.middlewares, l, false)
		return err
	}

	runAfterRelease(ctx, h.opts.middlewares, l, true)
	if res == releaseNotOwned {
		h.logger.WarnContext(ctx, "lock released after ownership was lost")
		return xerrors.Wrapf(ErrLockNotOwned, "release %s", h.key)
	}
	h.logger.DebugContext(ctx, "lock released", clog.Duration("held", held))
	return nil
}

// Extend 延长租约。replace 为 true 时把剩余时间设为 additional，否则在剩余时间上追加
func (h *handle) Extend(ctx context.Context, additional time.Duration, replace bool) error {
	h.mu.Lock()
	l := h.lease
	h.mu.Unlock()
	if l == nil {
		return ErrNotAcquired
	}
	if h.opts.ttl <= 0 {
		return ErrNoTimeout
	}
	return l.Extend(ctx, additional, replace)
}

// Locked 锁是否被任何人持有
func (h *handle) Locked(ctx context.Context) (bool, error) {
	n, err := h.env.store.Exists(ctx, h.key).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Owned 锁是否仍被本句柄持有
func (h *handle) Owned(ctx context.Context) (bool, error) {
	token := h.Token()
	if token == "" {
		return false, nil
	}
	return h.env.store.HExists(ctx, h.key, token).Result()
}

// Token 当前持有的 token，未持有时为空
func (h *handle) Token() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.token
}

// Name 锁名（不含前缀）
func (h *handle) Name() string { return h.name }

// Timeout 租约时长，0 表示不过期
func (h *handle) Timeout() time.Duration { return h.opts.ttl }

// Do 持有锁执行 fn，返回时释放锁。未能获取时返回 ErrNotObtained
func (h *handle) Do(ctx context.Context, fn func(ctx context.Context) error, opts ...AcquireOption) (err error) {
	ok, err := h.Acquire(ctx, opts...)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotObtained
	}
	defer func() {
		err = xerrors.Combine(err, h.Release(context.WithoutCancel(ctx)))
	}()
	return fn(ctx)
}

// Close 停止看门狗并关闭中间件，不释放锁
func (h *handle) Close() error {
	h.dogs.stop()
	return closeMiddlewares(h.opts.middlewares)
}
