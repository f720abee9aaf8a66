package connector

import (
	"context"
	"sync/atomic"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"github.com/redis/go-redis/v9/maintnotifications"

	"github.com/ceyewan/locksmith/clog"
	"github.com/ceyewan/locksmith/metrics"
	"github.com/ceyewan/locksmith/xerrors"
)

// MetricRedisHealthy 连接健康状态（1 健康 / 0 异常）
const MetricRedisHealthy = "connector_redis_healthy"

type redisConnector struct {
	cfg     *RedisConfig
	client  *redis.Client
	logger  clog.Logger
	health  metrics.Gauge
	healthy atomic.Bool
	closed  atomic.Bool
}

// NewRedis 创建 Redis 连接器，此时不建立连接
func NewRedis(cfg *RedisConfig, opts ...Option) (RedisConnector, error) {
	if cfg == nil {
		return nil, ErrConfigNil
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	opt := applyOptions(opts)
	health, err := opt.meter.Gauge(MetricRedisHealthy, "Redis 连接健康状态")
	if err != nil {
		return nil, xerrors.Wrap(err, "connector: create health gauge")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaintNotificationsConfig: &maintnotifications.Config{
			Mode: maintnotifications.ModeDisabled,
		},
	})

	if cfg.EnableTracing {
		if err := redisotel.InstrumentTracing(client); err != nil {
			_ = client.Close()
			return nil, xerrors.Wrap(err, "connector: instrument redis tracing")
		}
	}
	if cfg.EnableMetrics {
		if err := redisotel.InstrumentMetrics(client); err != nil {
			_ = client.Close()
			return nil, xerrors.Wrap(err, "connector: instrument redis metrics")
		}
	}

	return &redisConnector{
		cfg:    cfg,
		client: client,
		logger: opt.logger.With(clog.String("connector", "redis"), clog.String("name", cfg.Name)),
		health: health,
	}, nil
}

// Connect 通过 PING 建立连接，失败时以固定间隔重试 MaxRetries 次
func (c *redisConnector) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrAlreadyClosed
	}
	if c.healthy.Load() {
		return nil
	}

	c.logger.Info("attempting to connect to redis", clog.String("addr", c.cfg.Addr))

	attempt := 0
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.RetryInterval), uint64(c.cfg.MaxRetries)),
		ctx,
	)
	err := backoff.Retry(func() error {
		attempt++
		err := c.client.Ping(ctx).Err()
		if err != nil {
			c.logger.Warn("redis ping failed", clog.Int("attempt", attempt), clog.Error(err))
		}
		return err
	}, policy)
	if err != nil {
		c.setHealthy(ctx, false)
		c.logger.Error("failed to connect to redis", clog.Error(err), clog.String("addr", c.cfg.Addr))
		return xerrors.Wrapf(xerrors.Combine(ErrConnection, err), "redis connector[%s]", c.cfg.Name)
	}

	c.setHealthy(ctx, true)
	c.logger.Info("successfully connected to redis", clog.String("addr", c.cfg.Addr))
	return nil
}

// Close 关闭连接，重复调用直接返回 nil
func (c *redisConnector) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.healthy.Store(false)
	c.logger.Info("closing redis connection", clog.String("addr", c.cfg.Addr))

	if err := c.client.Close(); err != nil {
		c.logger.Error("failed to close redis connection", clog.Error(err))
		return err
	}
	return nil
}

// HealthCheck 检查连接健康状态
func (c *redisConnector) HealthCheck(ctx context.Context) error {
	if c.closed.Load() {
		return ErrAlreadyClosed
	}
	if err := c.client.Ping(ctx).Err(); err != nil {
		c.setHealthy(ctx, false)
		c.logger.Warn("redis health check failed", clog.Error(err))
		return xerrors.Wrapf(xerrors.Combine(ErrHealthCheck, err), "redis connector[%s]", c.cfg.Name)
	}
	c.setHealthy(ctx, true)
	return nil
}

func (c *redisConnector) IsHealthy() bool {
	return c.healthy.Load()
}

func (c *redisConnector) Name() string {
	return c.cfg.Name
}

func (c *redisConnector) GetClient() *redis.Client {
	return c.client
}

func (c *redisConnector) setHealthy(ctx context.Context, ok bool) {
	c.healthy.Store(ok)
	val := 0.0
	if ok {
		val = 1
	}
	c.health.Set(ctx, val, metrics.L("name", c.cfg.Name))
}
