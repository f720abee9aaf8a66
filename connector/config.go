package connector

import (
	"time"

	"github.com/ceyewan/locksmith/xerrors"
)

// RedisConfig Redis 连接配置
type RedisConfig struct {
	Name          string        `mapstructure:"name"`           // 连接器名称 (默认: "default")
	MaxRetries    int           `mapstructure:"max_retries"`    // Connect 最大重试次数 (默认: 3)
	RetryInterval time.Duration `mapstructure:"retry_interval"` // 重试间隔 (默认: 1s)

	Addr     string `mapstructure:"addr"`     // [必填] 连接地址，如 "127.0.0.1:6379"
	Password string `mapstructure:"password"` // [可选] 认证密码
	DB       int    `mapstructure:"db"`       // [可选] 数据库编号

	PoolSize     int           `mapstructure:"pool_size"`      // 连接池大小 (默认: 10)
	MinIdleConns int           `mapstructure:"min_idle_conns"` // 最小空闲连接数
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`   // 连接超时 (默认: 5s)
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`   // 读取超时 (默认: 3s)，BLPOP 会在此基础上自动延长
	WriteTimeout time.Duration `mapstructure:"write_timeout"`  // 写入超时 (默认: 3s)

	EnableTracing bool `mapstructure:"enable_tracing"` // 为客户端注入 OpenTelemetry 追踪
	EnableMetrics bool `mapstructure:"enable_metrics"` // 为客户端注入 OpenTelemetry 连接池指标
}

func (c *RedisConfig) setDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = time.Second
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 10
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 3 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 3 * time.Second
	}
}

func (c *RedisConfig) validate() error {
	if c.Addr == "" {
		return xerrors.Wrap(ErrConfig, "redis addr is required")
	}
	if c.DB < 0 {
		return xerrors.Wrap(ErrConfig, "redis db must not be negative")
	}
	if c.MaxRetries < 0 {
		return xerrors.Wrap(ErrConfig, "max_retries must not be negative")
	}
	return nil
}
