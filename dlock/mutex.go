package dlock

// Mutex 分布式互斥锁。句柄不可在多个持有者之间共享，
// 需要并发获取同一把锁时，每个 goroutine 各自创建句柄。
//
//	m, err := client.NewMutex("orders:42")
//	if err != nil {
//		return err
//	}
//	err = m.Do(ctx, func(ctx context.Context) error {
//		return process(ctx)
//	})
type Mutex struct {
	*handle
}

// ReadLock 读写锁的读端，多个读者可同时持有
type ReadLock struct {
	*handle
}

// WriteLock 读写锁的写端，与所有读者和其他写者互斥
type WriteLock struct {
	*handle
}

// RWMutex 读写锁工厂。每个 ReadLock / WriteLock 句柄代表一个持有者
//
//	rw, _ := client.NewRWMutex("catalog")
//	r := rw.ReadLock()
//	if ok, err := r.Acquire(ctx); err == nil && ok {
//		defer r.Release(ctx)
//	}
//
// 写者在读者持有期间排队时会设置等待标记，此后新读者需等写者完成。
type RWMutex struct {
	name string
	env  *env
	opts *lockOptions
}

// Name 锁名
func (rw *RWMutex) Name() string { return rw.name }

// ReadLock 创建一个新的读锁句柄
func (rw *RWMutex) ReadLock() *ReadLock {
	return &ReadLock{newHandle(rw.env, rw.name, readVariant{}, rw.opts)}
}

// WriteLock 创建一个新的写锁句柄
func (rw *RWMutex) WriteLock() *WriteLock {
	return &WriteLock{newHandle(rw.env, rw.name, writeVariant{}, rw.opts)}
}
