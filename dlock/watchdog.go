package dlock

import (
	"context"
	"sync"
	"time"

	"github.com/ceyewan/locksmith/clog"
	"github.com/ceyewan/locksmith/xerrors"
)

const minWatchdogInterval = 10 * time.Millisecond

// watchdog 每隔 TTL/3 续期一次，直到 Stop 或失去所有权
type watchdog struct {
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// startWatchdog 启动续期 goroutine。renew 不得引用持有 watchdog 的句柄，
// 否则句柄无法被回收
func startWatchdog(ttl time.Duration, renew func(ctx context.Context) error, logger clog.Logger, m *lockMetrics) *watchdog {
	interval := ttl / 3
	if interval < minWatchdogInterval {
		interval = minWatchdogInterval
	}
	w := &watchdog{
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go w.run(interval, renew, logger, m)
	return w
}

func (w *watchdog) run(interval time.Duration, renew func(ctx context.Context) error, logger clog.Logger, m *lockMetrics) {
	defer close(w.doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), interval)
		err := renew(ctx)
		cancel()
		if err == nil {
			continue
		}

		m.renewFailed.Inc(context.Background())
		if xerrors.Is(err, ErrLockNotOwned) {
			logger.Warn("watchdog stopped, lock ownership lost", clog.Error(err))
			return
		}
		logger.Error("watchdog renew failed", clog.Error(err))
	}
}

// Stop 停止续期并等待 goroutine 退出，幂等，nil 安全
func (w *watchdog) Stop() {
	if w == nil {
		return
	}
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
}

// watchdogSlot 句柄当前的看门狗。句柄被回收时由 runtime cleanup 停止，
// 因此 slot 自身不能引用句柄
type watchdogSlot struct {
	mu  sync.Mutex
	dog *watchdog
}

func (s *watchdogSlot) set(d *watchdog) {
	s.mu.Lock()
	old := s.dog
	s.dog = d
	s.mu.Unlock()
	old.Stop()
}

func (s *watchdogSlot) stop() {
	s.set(nil)
}
