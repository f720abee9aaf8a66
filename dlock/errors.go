package dlock

import (
	"github.com/ceyewan/locksmith/clog"
	"github.com/ceyewan/locksmith/xerrors"
)

// 错误分类：
//
//	ErrLock            锁操作错误的根
//	├── ErrLockNotOwned     调用方不再持有锁（租约过期或被他人持有）
//	├── ErrAlreadyAcquired  句柄已持有锁时再次 Acquire
//	├── ErrNotAcquired      未持有锁时 Release / Extend
//	└── ErrNotObtained      Do 在限定时间内未能获取锁
//	ErrInvalidConfig   配置错误的根
//	└── ErrNoTimeout        需要租约时长的操作作用在不过期的锁上
//
// 统一使用 errors.Is 判断。
var (
	ErrLock            = xerrors.New("dlock: lock error")
	ErrLockNotOwned    = xerrors.Derive(ErrLock, "dlock: lock not owned")
	ErrAlreadyAcquired = xerrors.Derive(ErrLock, "dlock: lock already acquired by this handle")
	ErrNotAcquired     = xerrors.Derive(ErrLock, "dlock: lock not acquired")
	ErrNotObtained     = xerrors.Derive(ErrLock, "dlock: unable to acquire lock within the time specified")

	ErrInvalidConfig = xerrors.New("dlock: invalid configuration")
	ErrNoTimeout     = xerrors.Derive(ErrInvalidConfig, "dlock: lock has no timeout")

	// ErrProtocol 脚本返回了无法识别的结果，通常意味着存储被外部篡改
	ErrProtocol = xerrors.New("dlock: unexpected script reply")

	// ErrConfigNil 配置为空
	ErrConfigNil = xerrors.New("dlock: config is nil")

	// ErrConnectorNil 未提供连接器或存储
	ErrConnectorNil = xerrors.New("dlock: connector is nil")

	// ErrClosed Client 已关闭
	ErrClosed = xerrors.New("dlock: client closed")

	// ErrLockNotHeld Unlock 的 key 未被本 Client 持有
	ErrLockNotHeld = xerrors.Derive(ErrNotAcquired, "dlock: lock not held")

	// ErrLockAlreadyHeld 同一 Client 重复 Lock 同一个 key
	ErrLockAlreadyHeld = xerrors.Derive(ErrAlreadyAcquired, "dlock: lock already held locally")
)

// CodeProtocol 协议错误携带的错误码，可用 xerrors.GetCode 提取
const CodeProtocol = "DLOCK_PROTOCOL"

// protocolError 包装一次无法识别的脚本回复
func protocolError(format string, args ...any) error {
	return xerrors.WithCode(xerrors.Wrapf(ErrProtocol, format, args...), CodeProtocol)
}

// errField 带错误码的错误输出 code 分组，否则只输出消息
func errField(err error) clog.Field {
	if code := xerrors.GetCode(err); code != "" {
		return clog.ErrorWithCode(err, code)
	}
	return clog.Error(err)
}
