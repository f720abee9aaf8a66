package dlock

import (
	"time"

	"github.com/ceyewan/locksmith/xerrors"
)

// Config 组件静态配置，可通过 config.Loader.UnmarshalKey("dlock", &cfg) 加载
type Config struct {
	// Prefix 锁记录与唤醒通道 Key 的全局前缀，例如 "dlock:"
	Prefix string `json:"prefix" yaml:"prefix" mapstructure:"prefix"`

	// TTL 默认租约时长。句柄可用 WithTTL(0) 创建不过期的锁
	TTL time.Duration `json:"ttl" yaml:"ttl" mapstructure:"ttl"`

	// Sleep 两次尝试之间等待的上限，实际等待为 min(剩余 TTL/3, Sleep)，收到唤醒会提前结束
	Sleep time.Duration `json:"sleep" yaml:"sleep" mapstructure:"sleep"`

	// NonBlocking 为 true 时 Acquire 默认只尝试一次
	NonBlocking bool `json:"non_blocking" yaml:"non_blocking" mapstructure:"non_blocking"`

	// BlockingTimeout 阻塞获取的总时限，0 表示不限
	BlockingTimeout time.Duration `json:"blocking_timeout" yaml:"blocking_timeout" mapstructure:"blocking_timeout"`

	// ProxyCount 唤醒代理数量，每个代理独占一个唤醒通道
	ProxyCount int `json:"proxy_count" yaml:"proxy_count" mapstructure:"proxy_count"`

	// PollTimeout 代理单次 BLPOP 的阻塞时长，Redis 以秒为粒度
	PollTimeout time.Duration `json:"poll_timeout" yaml:"poll_timeout" mapstructure:"poll_timeout"`

	// WakeGrace 释放时写入的唤醒通知在无人消费时的保留时长
	WakeGrace time.Duration `json:"wake_grace" yaml:"wake_grace" mapstructure:"wake_grace"`

	// DisableWatchdog 关闭默认的自动续期
	DisableWatchdog bool `json:"disable_watchdog" yaml:"disable_watchdog" mapstructure:"disable_watchdog"`
}

func (c *Config) setDefaults() {
	if c == nil {
		return
	}
	if c.Prefix == "" {
		c.Prefix = "dlock:"
	}
	if c.TTL == 0 {
		c.TTL = 10 * time.Second
	}
	if c.Sleep == 0 {
		c.Sleep = time.Second
	}
	if c.ProxyCount == 0 {
		c.ProxyCount = 8
	}
	if c.PollTimeout == 0 {
		c.PollTimeout = 5 * time.Second
	}
	if c.WakeGrace == 0 {
		c.WakeGrace = 3 * time.Second
	}
}

func (c *Config) validate() error {
	if c == nil {
		return ErrConfigNil
	}
	switch {
	case c.TTL < 0:
		return xerrors.Wrap(ErrInvalidConfig, "ttl must not be negative")
	case c.Sleep <= 0:
		return xerrors.Wrap(ErrInvalidConfig, "sleep must be positive")
	case c.BlockingTimeout < 0:
		return xerrors.Wrap(ErrInvalidConfig, "blocking_timeout must not be negative")
	case c.ProxyCount < 1:
		return xerrors.Wrap(ErrInvalidConfig, "proxy_count must be at least 1")
	case c.PollTimeout < time.Second:
		return xerrors.Wrap(ErrInvalidConfig, "poll_timeout must be at least 1s")
	case c.WakeGrace < time.Millisecond:
		return xerrors.Wrap(ErrInvalidConfig, "wake_grace must be at least 1ms")
	}
	return nil
}
