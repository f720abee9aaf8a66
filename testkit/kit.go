// Package testkit 提供测试公共依赖：日志、指标、上下文、唯一 ID 与 Redis。
package testkit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ceyewan/locksmith/clog"
	"github.com/ceyewan/locksmith/metrics"
)

// Kit 包含通用的测试依赖
type Kit struct {
	Ctx    context.Context
	Logger clog.Logger
	Meter  metrics.Meter
}

// NewKit 返回一个包含默认依赖的测试工具包，Ctx 在测试结束时取消
func NewKit(t *testing.T) *Kit {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &Kit{
		Ctx:    ctx,
		Logger: NewLogger(),
		Meter:  NewMeter(),
	}
}

// NewLogger 返回测试用 logger。设置 LOCKSMITH_TEST_VERBOSE=1 时输出 debug 日志到 stderr
func NewLogger() clog.Logger {
	if os.Getenv("LOCKSMITH_TEST_VERBOSE") == "" {
		return clog.Discard()
	}
	cfg := clog.NewDevDefaultConfig()
	cfg.Output = "stderr"
	logger, err := clog.New(cfg, clog.WithNamespace("test"))
	if err != nil {
		return clog.Discard()
	}
	return logger
}

// NewMeter 返回测试用 meter，不暴露 HTTP 端口
func NewMeter() metrics.Meter {
	meter, err := metrics.New(&metrics.Config{Enabled: true, ServiceName: "locksmith-test"})
	if err != nil {
		return metrics.Discard()
	}
	return meter
}

// NewContext 返回一个带有超时的测试上下文，测试结束时自动取消
func NewContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// NewID 返回 UUID v4 前 8 位，用于生成互不冲突的锁名
func NewID() string {
	return uuid.NewString()[:8]
}
