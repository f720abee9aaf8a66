// Package clog 提供基于 slog 的结构化日志组件。
//
// 特性：
//   - 抽象接口，不暴露底层实现（slog）
//   - 层级命名空间，组件以 WithNamespace 派生子 Logger
//   - 从 Context 中提取字段（例如分布式锁的持有者标识）
//   - 运行时调整日志级别
//
// 基本使用：
//
//	logger, _ := clog.New(&clog.Config{Level: "info", Format: "console"})
//	logger.Info("lock acquired", clog.String("key", "orders"))
//
// 从 Context 提取字段：
//
//	logger, _ := clog.New(cfg, clog.WithContextField(dlock.OwnerContextKey(), "lock_owner"))
//	logger.InfoContext(ctx, "critical section entered")
package clog

import (
	"fmt"
	"sync"
)

var (
	defaultMu     sync.RWMutex
	defaultLogger Logger
)

// New 创建一个新的 Logger 实例
//
// config 为 nil 时使用开发环境默认配置。
func New(config *Config, opts ...Option) (Logger, error) {
	if config == nil {
		config = NewDevDefaultConfig()
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return newLogger(config, applyOptions(opts...))
}

// Default 返回包级默认 Logger，未设置时惰性创建一个输出到 stdout 的 console Logger。
func Default() Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	if l != nil {
		return l
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		logger, err := New(NewDevDefaultConfig())
		if err != nil {
			return Discard()
		}
		defaultLogger = logger
	}
	return defaultLogger
}

// SetDefault 替换包级默认 Logger，传入 nil 会恢复惰性创建。
func SetDefault(l Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}
