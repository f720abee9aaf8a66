package dlock

import (
	"go.opentelemetry.io/otel/trace"

	"github.com/ceyewan/locksmith/clog"
	"github.com/ceyewan/locksmith/connector"
	"github.com/ceyewan/locksmith/metrics"
)

// Option Client 初始化选项函数
type Option func(*options)

type options struct {
	logger         clog.Logger
	meter          metrics.Meter
	tracerProvider trace.TracerProvider
	redisConnector connector.RedisConnector
	store          Store
}

// WithLogger 注入日志记录器，组件会自动添加 "dlock" 命名空间
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMeter 注入指标收集器
func WithMeter(m metrics.Meter) Option {
	return func(o *options) {
		if m != nil {
			o.meter = m
		}
	}
}

// WithTracerProvider 指定 Tracer 来源，默认使用 otel 全局 Provider
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}

// WithRedisConnector 注入 Redis 连接器
func WithRedisConnector(conn connector.RedisConnector) Option {
	return func(o *options) {
		if conn != nil {
			o.redisConnector = conn
		}
	}
}

// WithStore 直接注入存储，优先级高于 WithRedisConnector
func WithStore(s Store) Option {
	return func(o *options) {
		if s != nil {
			o.store = s
		}
	}
}
