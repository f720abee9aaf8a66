// Package dlock 提供基于 Redis 的分布式锁：互斥锁、读写锁与可重入锁。
//
// 锁状态保存在 Redis Hash 中，由 Lua 脚本原子地获取、释放与续期。
// 等待者不靠轮询：释放时脚本把锁记录 Key 推入等待进程监听的唤醒通道，
// 进程内的唤醒代理弹出通知后按 FIFO 唤醒本地等待者。
//
// 基本使用:
//
//	conn, _ := connector.NewRedis(&connector.RedisConfig{Addr: "127.0.0.1:6379"})
//	_ = conn.Connect(ctx)
//	defer conn.Close()
//
//	client, err := dlock.New(&dlock.Config{Prefix: "app:lock:", TTL: 10 * time.Second},
//		dlock.WithRedisConnector(conn), dlock.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	m, _ := client.NewMutex("orders:42")
//	ok, err := m.Acquire(ctx, dlock.BlockingTimeout(3*time.Second))
//
// 资源所有权：Client 借用 Connector，Close 时只停止唤醒代理，不关闭连接。
package dlock

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/ceyewan/locksmith/clog"
	"github.com/ceyewan/locksmith/metrics"
	"github.com/ceyewan/locksmith/xerrors"
)

const tracerName = "github.com/ceyewan/locksmith/dlock"

// Client 锁工厂，持有共享的存储、唤醒代理与可观测性依赖。并发安全
type Client struct {
	cfg *Config
	env *env

	mu    sync.Mutex
	locks map[string]*Mutex

	closeOnce sync.Once
}

var _ Locker = (*Client)(nil)

// New 创建 Client 并启动唤醒代理
func New(cfg *Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, ErrConfigNil
	}
	c := *cfg
	c.setDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}

	o := options{
		logger: clog.Default(),
		meter:  metrics.Discard(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	store := o.store
	if store == nil && o.redisConnector != nil {
		store = o.redisConnector.GetClient()
	}
	if store == nil {
		return nil, ErrConnectorNil
	}

	lm, err := newLockMetrics(o.meter)
	if err != nil {
		return nil, xerrors.Wrap(err, "dlock: create metrics")
	}

	tp := o.tracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	logger := o.logger.WithNamespace("dlock")
	e := &env{
		cfg:     &c,
		store:   store,
		logger:  logger,
		metrics: lm,
		tracer:  tp.Tracer(tracerName),
	}
	e.manager = newManager(store, &c, logger.WithNamespace("manager"), lm)
	e.manager.start()

	logger.Info("dlock client started",
		clog.String("prefix", c.Prefix),
		clog.Duration("ttl", c.TTL),
		clog.Int("proxies", c.ProxyCount))

	return &Client{cfg: &c, env: e, locks: make(map[string]*Mutex)}, nil
}

// Config 返回填充默认值后的配置副本
func (c *Client) Config() Config { return *c.cfg }

// NewMutex 创建互斥锁句柄
func (c *Client) NewMutex(name string, opts ...LockOption) (*Mutex, error) {
	lo, err := c.lockOptions(name, opts)
	if err != nil {
		return nil, err
	}
	return &Mutex{newHandle(c.env, name, exclusiveVariant{}, lo)}, nil
}

// NewRWMutex 创建读写锁工厂
func (c *Client) NewRWMutex(name string, opts ...LockOption) (*RWMutex, error) {
	lo, err := c.lockOptions(name, opts)
	if err != nil {
		return nil, err
	}
	return &RWMutex{name: name, env: c.env, opts: lo}, nil
}

// NewReentrant 创建可重入锁
func (c *Client) NewReentrant(name string, opts ...LockOption) (*Reentrant, error) {
	lo, err := c.lockOptions(name, opts)
	if err != nil {
		return nil, err
	}
	return newReentrant(c.env, name, lo), nil
}

func (c *Client) lockOptions(name string, opts []LockOption) (*lockOptions, error) {
	if name == "" {
		return nil, xerrors.Wrap(ErrInvalidConfig, "lock name must not be empty")
	}
	return newLockOptions(c.cfg, opts)
}

// Close 释放通过 Lock 持有的锁并停止唤醒代理，幂等。
// 句柄创建的锁需由调用方自行释放
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.env.closed.Store(true)

		c.mu.Lock()
		held := c.locks
		c.locks = make(map[string]*Mutex)
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		var errs []error
		for key, m := range held {
			if rerr := m.Release(ctx); rerr != nil {
				errs = append(errs, xerrors.Wrapf(rerr, "release %s", key))
			}
		}
		err = xerrors.Combine(errs...)

		c.env.manager.close()
		c.env.logger.Info("dlock client closed")
	})
	return err
}
