package dlock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store 锁状态所在的存储，*redis.Client 满足该接口。
//
// 脚本会访问调用方未在 KEYS 中声明的读者超时键与唤醒通道，
// 因此不支持 Redis Cluster。
type Store interface {
	redis.Scripter
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	HExists(ctx context.Context, key, field string) *redis.BoolCmd
	BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
}

var _ Store = (*redis.Client)(nil)

// Mode 锁记录的模式
type Mode int

const (
	// ModeExclusive 互斥锁与可重入锁
	ModeExclusive Mode = iota
	// ModeRead 读锁，可与其他读者共享
	ModeRead
	// ModeWrite 写锁
	ModeWrite
)

func (m Mode) String() string {
	switch m {
	case ModeExclusive:
		return "exclusive"
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	default:
		return "unknown"
	}
}

// 记录哈希中的保留字段，其余字段均为 token -> 持有计数
const (
	fieldMode  = "mode"
	fieldProxy = "proxy_name"

	readerKeySuffix = ":rwlock_timeout"
	writeFlagSuffix = ":write"
)

// readerKeyPrefix 某个读者 token 的超时键前缀，第 n 次持有对应 {prefix}:{n}
func readerKeyPrefix(record, token string) string {
	return record + ":" + token + readerKeySuffix
}

// writeFlagKey 写者等待标记，存在时阻止新读者进入
func writeFlagKey(record string) string {
	return record + writeFlagSuffix
}
