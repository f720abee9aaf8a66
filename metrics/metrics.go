package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"

	"github.com/ceyewan/locksmith/clog"
	"github.com/ceyewan/locksmith/xerrors"
)

// ErrConfigNil 配置为空
var ErrConfigNil = xerrors.New("metrics: config is nil")

// ============================================================================
// 工厂函数
// ============================================================================

// New 创建 Meter 实例，cfg.Enabled 为 false 时返回 noop 实现
func New(cfg *Config, opts ...Option) (Meter, error) {
	if cfg == nil {
		return nil, ErrConfigNil
	}
	if !cfg.Enabled {
		return Discard(), nil
	}

	o := &options{logger: clog.Discard()}
	for _, opt := range opts {
		opt(o)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.Version),
		),
	)
	if err != nil {
		return nil, xerrors.Wrap(err, "metrics: create resource")
	}

	// 每个 Meter 使用独立的 Registry，避免重复注册冲突
	registry := promclient.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, xerrors.Wrap(err, "metrics: create prometheus exporter")
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	m := &meterImpl{
		meter:    mp.Meter(cfg.ServiceName),
		provider: mp,
		registry: registry,
		logger:   o.logger,
	}

	if cfg.Port > 0 && cfg.Path != "" {
		if err := m.serve(cfg.Port, cfg.Path); err != nil {
			_ = mp.Shutdown(context.Background())
			return nil, err
		}
	}
	return m, nil
}

// Must 类似 New，但出错时 panic，仅用于初始化阶段
func Must(cfg *Config, opts ...Option) Meter {
	return xerrors.Must(New(cfg, opts...))
}

// ============================================================================
// Meter 实现
// ============================================================================

type meterImpl struct {
	meter    metric.Meter
	provider *sdkmetric.MeterProvider
	registry *promclient.Registry
	logger   clog.Logger
	server   *http.Server
}

func (m *meterImpl) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *meterImpl) serve(port int, path string) error {
	addr := fmt.Sprintf(":%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return xerrors.Wrapf(err, "metrics: listen %s", addr)
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.handler())
	m.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		m.logger.Info("prometheus metrics server started", clog.String("addr", ln.Addr().String()), clog.String("path", path))
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("prometheus metrics server error", clog.Error(err))
		}
	}()
	return nil
}

func (m *meterImpl) Counter(name string, desc string, opts ...MetricOption) (Counter, error) {
	o := applyMetricOptions(opts)
	counterOpts := []metric.Float64CounterOption{metric.WithDescription(desc)}
	if o.Unit != "" {
		counterOpts = append(counterOpts, metric.WithUnit(o.Unit))
	}
	c, err := m.meter.Float64Counter(name, counterOpts...)
	if err != nil {
		return nil, err
	}
	return &counterImpl{c: c}, nil
}

func (m *meterImpl) Gauge(name string, desc string, opts ...MetricOption) (Gauge, error) {
	o := applyMetricOptions(opts)
	gaugeOpts := []metric.Float64GaugeOption{metric.WithDescription(desc)}
	if o.Unit != "" {
		gaugeOpts = append(gaugeOpts, metric.WithUnit(o.Unit))
	}
	g, err := m.meter.Float64Gauge(name, gaugeOpts...)
	if err != nil {
		return nil, err
	}
	return &gaugeImpl{g: g, values: make(map[attribute.Distinct]float64)}, nil
}

func (m *meterImpl) Histogram(name string, desc string, opts ...MetricOption) (Histogram, error) {
	o := applyMetricOptions(opts)
	histOpts := []metric.Float64HistogramOption{metric.WithDescription(desc)}
	if o.Unit != "" {
		histOpts = append(histOpts, metric.WithUnit(o.Unit))
	}
	if len(o.Buckets) > 0 {
		histOpts = append(histOpts, metric.WithExplicitBucketBoundaries(o.Buckets...))
	}
	h, err := m.meter.Float64Histogram(name, histOpts...)
	if err != nil {
		return nil, err
	}
	return &histogramImpl{h: h}, nil
}

func (m *meterImpl) Shutdown(ctx context.Context) error {
	var serverErr error
	if m.server != nil {
		serverErr = m.server.Shutdown(ctx)
	}
	return xerrors.Combine(serverErr, m.provider.Shutdown(ctx))
}

// ============================================================================
// 指标实现
// ============================================================================

type counterImpl struct {
	c metric.Float64Counter
}

func (c *counterImpl) Inc(ctx context.Context, labels ...Label) {
	c.c.Add(ctx, 1, metric.WithAttributeSet(toAttributeSet(labels)))
}

func (c *counterImpl) Add(ctx context.Context, val float64, labels ...Label) {
	if val < 0 {
		return
	}
	c.c.Add(ctx, val, metric.WithAttributeSet(toAttributeSet(labels)))
}

// gaugeImpl 在本地维护每组标签的当前值以支持 Inc/Dec
type gaugeImpl struct {
	g      metric.Float64Gauge
	mu     sync.Mutex
	values map[attribute.Distinct]float64
}

func (g *gaugeImpl) Set(ctx context.Context, val float64, labels ...Label) {
	g.update(ctx, labels, func(float64) float64 { return val })
}

func (g *gaugeImpl) Inc(ctx context.Context, labels ...Label) {
	g.update(ctx, labels, func(v float64) float64 { return v + 1 })
}

func (g *gaugeImpl) Dec(ctx context.Context, labels ...Label) {
	g.update(ctx, labels, func(v float64) float64 { return v - 1 })
}

func (g *gaugeImpl) update(ctx context.Context, labels []Label, fn func(float64) float64) {
	set := toAttributeSet(labels)
	key := set.Equivalent()

	g.mu.Lock()
	val := fn(g.values[key])
	g.values[key] = val
	g.mu.Unlock()

	g.g.Record(ctx, val, metric.WithAttributeSet(set))
}

type histogramImpl struct {
	h metric.Float64Histogram
}

func (h *histogramImpl) Record(ctx context.Context, val float64, labels ...Label) {
	h.h.Record(ctx, val, metric.WithAttributeSet(toAttributeSet(labels)))
}

func toAttributeSet(labels []Label) attribute.Set {
	if len(labels) == 0 {
		return *attribute.EmptySet()
	}
	kvs := make([]attribute.KeyValue, len(labels))
	for i, l := range labels {
		kvs[i] = attribute.String(l.Key, l.Value)
	}
	return attribute.NewSet(kvs...)
}
