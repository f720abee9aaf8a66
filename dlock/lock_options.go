package dlock

import (
	"time"

	"github.com/ceyewan/locksmith/xerrors"
)

// lockOptions 句柄级配置，创建句柄时由 Config 填充默认值
type lockOptions struct {
	ttl             time.Duration
	sleep           time.Duration
	blocking        bool
	blockingTimeout time.Duration
	watchdog        bool
	watchdogSet     bool
	middlewares     []Middleware
}

// LockOption 句柄创建选项
type LockOption func(*lockOptions)

// WithTTL 设置租约时长，覆盖 Config.TTL。0 表示锁永不过期，此时不会启动看门狗
//
//	m, _ := client.NewMutex("orders", dlock.WithTTL(10*time.Second))
func WithTTL(d time.Duration) LockOption {
	return func(o *lockOptions) {
		o.ttl = d
	}
}

// WithSleep 设置两次尝试之间的最长等待
func WithSleep(d time.Duration) LockOption {
	return func(o *lockOptions) {
		o.sleep = d
	}
}

// WithBlocking 设置 Acquire 默认是否阻塞
func WithBlocking(blocking bool) LockOption {
	return func(o *lockOptions) {
		o.blocking = blocking
	}
}

// WithBlockingTimeout 设置阻塞获取的默认总时限，0 表示不限
func WithBlockingTimeout(d time.Duration) LockOption {
	return func(o *lockOptions) {
		o.blockingTimeout = d
	}
}

// WithWatchdog 显式开关自动续期，要求 TTL 大于 0
func WithWatchdog(enabled bool) LockOption {
	return func(o *lockOptions) {
		o.watchdog = enabled
		o.watchdogSet = true
	}
}

// WithMiddleware 追加获取、释放后的回调，按添加顺序执行
func WithMiddleware(mws ...Middleware) LockOption {
	return func(o *lockOptions) {
		for _, mw := range mws {
			if mw != nil {
				o.middlewares = append(o.middlewares, mw)
			}
		}
	}
}

func newLockOptions(cfg *Config, opts []LockOption) (*lockOptions, error) {
	o := &lockOptions{
		ttl:             cfg.TTL,
		sleep:           cfg.Sleep,
		blocking:        !cfg.NonBlocking,
		blockingTimeout: cfg.BlockingTimeout,
		watchdog:        !cfg.DisableWatchdog,
	}
	for _, opt := range opts {
		opt(o)
	}

	switch {
	case o.ttl < 0:
		return nil, xerrors.Wrap(ErrInvalidConfig, "ttl must not be negative")
	case o.sleep <= 0:
		return nil, xerrors.Wrap(ErrInvalidConfig, "sleep must be positive")
	case o.blockingTimeout < 0:
		return nil, xerrors.Wrap(ErrInvalidConfig, "blocking timeout must not be negative")
	}

	if o.ttl == 0 {
		if o.watchdogSet && o.watchdog {
			return nil, xerrors.Wrap(ErrNoTimeout, "watchdog requires a ttl")
		}
		for _, mw := range o.middlewares {
			if _, ok := mw.(*WatchdogMiddleware); ok {
				return nil, xerrors.Wrap(ErrNoTimeout, "watchdog middleware requires a ttl")
			}
		}
		o.watchdog = false
	}
	return o, nil
}

// AcquireOption 单次 Acquire 的选项，覆盖句柄默认值
type AcquireOption func(*acquireOptions)

type acquireOptions struct {
	blocking        bool
	blockingTimeout time.Duration
	token           string
	// eager 首轮不理会本地排队直接尝试，用于可能的重入
	eager bool
}

// NonBlocking 只尝试一次，失败立即返回 false
func NonBlocking() AcquireOption {
	return func(o *acquireOptions) {
		o.blocking = false
	}
}

// Blocking 阻塞等待直到成功、超时或 ctx 取消
func Blocking() AcquireOption {
	return func(o *acquireOptions) {
		o.blocking = true
	}
}

// BlockingTimeout 阻塞等待的总时限，隐含 Blocking
func BlockingTimeout(d time.Duration) AcquireOption {
	return func(o *acquireOptions) {
		o.blocking = true
		o.blockingTimeout = d
	}
}

// Token 使用调用方指定的 token，默认生成随机值
func Token(token string) AcquireOption {
	return func(o *acquireOptions) {
		o.token = token
	}
}

func (o *lockOptions) acquireOptions(opts []AcquireOption) acquireOptions {
	ao := acquireOptions{blocking: o.blocking, blockingTimeout: o.blockingTimeout}
	for _, opt := range opts {
		opt(&ao)
	}
	if ao.blockingTimeout < 0 {
		ao.blockingTimeout = 0
	}
	return ao
}
