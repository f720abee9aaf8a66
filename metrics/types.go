// Package metrics 提供统一的指标收集能力。
// 基于 OpenTelemetry 构建，通过 Prometheus Exporter 暴露指标。
//
//	meter, err := metrics.New(&metrics.Config{Enabled: true, ServiceName: "locksmith", Port: 9090, Path: "/metrics"})
//	defer meter.Shutdown(ctx)
//
//	acquired, _ := meter.Counter("dlock_lock_acquired_total", "成功获取锁的次数")
//	acquired.Inc(ctx, metrics.L("mode", "write"))
package metrics

import "context"

// Counter 计数器，只增不减
type Counter interface {
	// Inc 将计数器增加 1
	Inc(ctx context.Context, labels ...Label)
	// Add 将计数器增加给定的值，负数会被忽略
	Add(ctx context.Context, val float64, labels ...Label)
}

// Gauge 仪表盘，记录可任意增减的瞬时值，例如等待中的锁请求数
type Gauge interface {
	Set(ctx context.Context, val float64, labels ...Label)
	Inc(ctx context.Context, labels ...Label)
	Dec(ctx context.Context, labels ...Label)
}

// Histogram 直方图，记录值的分布，例如锁等待耗时
type Histogram interface {
	Record(ctx context.Context, val float64, labels ...Label)
}

// Meter 指标创建工厂，创建出的指标可在多个 goroutine 中并发使用
type Meter interface {
	Counter(name string, desc string, opts ...MetricOption) (Counter, error)
	Gauge(name string, desc string, opts ...MetricOption) (Gauge, error)
	Histogram(name string, desc string, opts ...MetricOption) (Histogram, error)

	// Shutdown 刷新并关闭 Meter，同时关闭 Prometheus HTTP 服务器
	Shutdown(ctx context.Context) error
}

// MetricOption 指标配置选项
type MetricOption func(*MetricOptions)

// MetricOptions 指标选项
type MetricOptions struct {
	// Unit 指标单位，建议使用 UCUM 单位代码，例如 "s"、"By"
	Unit string
	// Buckets 直方图桶边界，仅对 Histogram 生效
	Buckets []float64
}

// WithUnit 设置指标的单位
func WithUnit(unit string) MetricOption {
	return func(o *MetricOptions) {
		o.Unit = unit
	}
}

// WithBuckets 设置直方图的桶边界
func WithBuckets(buckets ...float64) MetricOption {
	return func(o *MetricOptions) {
		o.Buckets = buckets
	}
}

func applyMetricOptions(opts []MetricOption) *MetricOptions {
	o := &MetricOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Label 指标标签。避免高基数取值，例如锁名或 token 不应作为标签
type Label struct {
	Key   string
	Value string
}

// L 创建一个 Label
func L(key, value string) Label {
	return Label{Key: key, Value: value}
}
