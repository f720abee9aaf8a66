package connector

import (
	"github.com/ceyewan/locksmith/clog"
	"github.com/ceyewan/locksmith/metrics"
)

type options struct {
	logger clog.Logger
	meter  metrics.Meter
}

// Option 配置连接器的选项
type Option func(*options)

// WithLogger 设置日志记录器，自动添加 "connector" 命名空间
func WithLogger(logger clog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger.WithNamespace("connector")
		}
	}
}

// WithMeter 设置指标收集器
func WithMeter(meter metrics.Meter) Option {
	return func(o *options) {
		if meter != nil {
			o.meter = meter
		}
	}
}

func applyOptions(opts []Option) *options {
	o := &options{logger: clog.Discard(), meter: metrics.Discard()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
