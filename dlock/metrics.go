package dlock

import (
	"context"
	"time"

	"github.com/ceyewan/locksmith/metrics"
)

// Metrics 指标常量定义
const (
	// MetricLockAcquired 锁获取成功次数 (Counter)
	MetricLockAcquired = "dlock_lock_acquired_total"

	// MetricLockFailed 锁获取失败次数，包括超时、取消与存储错误 (Counter)
	MetricLockFailed = "dlock_lock_failed_total"

	// MetricLockReleased 锁释放次数 (Counter)
	MetricLockReleased = "dlock_lock_released_total"

	// MetricLockWaitDuration 获取锁的等待耗时 (Histogram)
	MetricLockWaitDuration = "dlock_lock_wait_duration_seconds"

	// MetricLockHoldDuration 锁持有时长 (Histogram)
	MetricLockHoldDuration = "dlock_lock_hold_duration_seconds"

	// MetricWakeDelivered 唤醒通知投递给本地等待者的次数 (Counter)
	MetricWakeDelivered = "dlock_wake_delivered_total"

	// MetricWakeDropped 唤醒通知到达时没有本地等待者的次数 (Counter)
	MetricWakeDropped = "dlock_wake_dropped_total"

	// MetricWaiters 当前本地等待者数量 (Gauge)
	MetricWaiters = "dlock_waiters"

	// MetricWatchdogFailures 看门狗续期失败次数 (Counter)
	MetricWatchdogFailures = "dlock_watchdog_renew_failed_total"

	// LabelMode 锁模式标签：exclusive / read / write
	LabelMode = "mode"

	// LabelResult 结果标签
	LabelResult = "result"
)

var durationBuckets = []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

type lockMetrics struct {
	acquired      metrics.Counter
	failed        metrics.Counter
	released      metrics.Counter
	wait          metrics.Histogram
	hold          metrics.Histogram
	wakeDelivered metrics.Counter
	wakeDropped   metrics.Counter
	waiters       metrics.Gauge
	renewFailed   metrics.Counter
}

func newLockMetrics(meter metrics.Meter) (*lockMetrics, error) {
	m := &lockMetrics{}
	var err error
	if m.acquired, err = meter.Counter(MetricLockAcquired, "成功获取锁的次数"); err != nil {
		return nil, err
	}
	if m.failed, err = meter.Counter(MetricLockFailed, "获取锁失败的次数"); err != nil {
		return nil, err
	}
	if m.released, err = meter.Counter(MetricLockReleased, "释放锁的次数"); err != nil {
		return nil, err
	}
	if m.wait, err = meter.Histogram(MetricLockWaitDuration, "获取锁的等待耗时",
		metrics.WithUnit("s"), metrics.WithBuckets(durationBuckets...)); err != nil {
		return nil, err
	}
	if m.hold, err = meter.Histogram(MetricLockHoldDuration, "锁的持有时长",
		metrics.WithUnit("s"), metrics.WithBuckets(durationBuckets...)); err != nil {
		return nil, err
	}
	if m.wakeDelivered, err = meter.Counter(MetricWakeDelivered, "投递给本地等待者的唤醒次数"); err != nil {
		return nil, err
	}
	if m.wakeDropped, err = meter.Counter(MetricWakeDropped, "无本地等待者而丢弃的唤醒次数"); err != nil {
		return nil, err
	}
	if m.waiters, err = meter.Gauge(MetricWaiters, "当前本地等待者数量"); err != nil {
		return nil, err
	}
	if m.renewFailed, err = meter.Counter(MetricWatchdogFailures, "看门狗续期失败次数"); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *lockMetrics) observeAcquire(ctx context.Context, mode Mode, acquired bool, err error, waited time.Duration) {
	label := metrics.L(LabelMode, mode.String())
	switch {
	case acquired:
		m.acquired.Inc(ctx, label)
		m.wait.Record(ctx, waited.Seconds(), label)
	case err != nil:
		m.failed.Inc(ctx, label, metrics.L(LabelResult, "error"))
	default:
		m.failed.Inc(ctx, label, metrics.L(LabelResult, "timeout"))
	}
}

func (m *lockMetrics) observeRelease(ctx context.Context, mode Mode, res releaseResult, held time.Duration) {
	label := metrics.L(LabelMode, mode.String())
	m.released.Inc(ctx, label, metrics.L(LabelResult, res.String()))
	if res == releaseUnlocked && held > 0 {
		m.hold.Record(ctx, held.Seconds(), label)
	}
}

func discardLockMetrics() *lockMetrics {
	m, _ := newLockMetrics(metrics.Discard())
	return m
}
