package metrics

import "context"

// Discard 返回一个不记录任何数据的 Meter，常用作组件的默认 Meter
func Discard() Meter {
	return noopMeter{}
}

type noopMeter struct{}

func (noopMeter) Counter(string, string, ...MetricOption) (Counter, error) {
	return noopCounter{}, nil
}

func (noopMeter) Gauge(string, string, ...MetricOption) (Gauge, error) {
	return noopGauge{}, nil
}

func (noopMeter) Histogram(string, string, ...MetricOption) (Histogram, error) {
	return noopHistogram{}, nil
}

func (noopMeter) Shutdown(context.Context) error { return nil }

type noopCounter struct{}

func (noopCounter) Inc(context.Context, ...Label)          {}
func (noopCounter) Add(context.Context, float64, ...Label) {}

type noopGauge struct{}

func (noopGauge) Set(context.Context, float64, ...Label) {}
func (noopGauge) Inc(context.Context, ...Label)          {}
func (noopGauge) Dec(context.Context, ...Label)          {}

type noopHistogram struct{}

func (noopHistogram) Record(context.Context, float64, ...Label) {}
