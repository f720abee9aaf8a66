package dlock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ceyewan/locksmith/xerrors"
)

// 锁记录是一个 Hash：
//
//	mode        exclusive | read | write
//	proxy_name  最近一次获取失败的进程所监听的唤醒通道
//	<token>     该 token 的持有计数
//
// 获取脚本成功返回 nil，失败返回记录当前剩余毫秒（-1 表示不过期）。
// 释放脚本返回 nil 表示调用方不持有，0 表示仍被持有，1 表示锁已完全释放并写入唤醒通知。
// 租约参数以毫秒传入，0 表示不设置过期。

// acquireScript 互斥与可重入获取
//
//	KEYS[1] 锁记录
//	ARGV[1] token  ARGV[2] 唤醒通道  ARGV[3] 租约毫秒
var acquireScript = redis.NewScript(`
local ttl = tonumber(ARGV[3])
if redis.call('exists', KEYS[1]) == 0 then
    redis.call('hset', KEYS[1], 'mode', 'exclusive', ARGV[1], 1, 'proxy_name', ARGV[2])
    if ttl > 0 then
        redis.call('pexpire', KEYS[1], ttl)
    end
    redis.call('lrem', ARGV[2], 0, KEYS[1])
    return nil
end
if redis.call('hget', KEYS[1], 'mode') == 'exclusive' and redis.call('hexists', KEYS[1], ARGV[1]) == 1 then
    redis.call('hincrby', KEYS[1], ARGV[1], 1)
    if ttl > 0 then
        redis.call('pexpire', KEYS[1], ttl)
    end
    return nil
end
redis.call('hset', KEYS[1], 'proxy_name', ARGV[2])
return redis.call('pttl', KEYS[1])
`)

// releaseScript 互斥与可重入释放
//
//	KEYS[1] 锁记录
//	ARGV[1] token  ARGV[2] 唤醒通知保留毫秒
var releaseScript = redis.NewScript(`
if redis.call('hexists', KEYS[1], ARGV[1]) == 0 then
    return nil
end
if redis.call('hincrby', KEYS[1], ARGV[1], -1) > 0 then
    return 0
end
local proxy = redis.call('hget', KEYS[1], 'proxy_name')
redis.call('del', KEYS[1])
if proxy then
    redis.call('lpush', proxy, KEYS[1])
    redis.call('pexpire', proxy, ARGV[2])
end
return 1
`)

// extendScript 续期，适用于所有模式。读模式下同时续期仍存活的读者超时键
//
//	KEYS[1] 锁记录
//	ARGV[1] token  ARGV[2] 毫秒  ARGV[3] '1' 替换剩余时间，'0' 在剩余时间上追加
var extendScript = redis.NewScript(`
if redis.call('hexists', KEYS[1], ARGV[1]) == 0 then
    return 0
end
local current = redis.call('pttl', KEYS[1])
if current < 0 then
    return 0
end
local add = tonumber(ARGV[2])
if ARGV[3] == '0' then
    redis.call('pexpire', KEYS[1], current + add)
else
    redis.call('pexpire', KEYS[1], add)
end
if redis.call('hget', KEYS[1], 'mode') == 'read' then
    for _, field in ipairs(redis.call('hkeys', KEYS[1])) do
        if field ~= 'mode' and field ~= 'proxy_name' then
            local count = tonumber(redis.call('hget', KEYS[1], field)) or 0
            for i = count, 1, -1 do
                local key = KEYS[1] .. ':' .. field .. ':rwlock_timeout:' .. i
                local remain = redis.call('pttl', key)
                if remain > 0 then
                    if ARGV[3] == '0' then
                        redis.call('pexpire', key, remain + add)
                    else
                        redis.call('pexpire', key, add)
                    end
                end
            end
        end
    end
end
return 1
`)

// readAcquireScript 读锁获取。写者等待标记存在时拒绝新读者，即使记录已被释放；
// 此时也不改写唤醒通道，保证释放通知送达等待的写者
//
//	KEYS[1] 锁记录  KEYS[2] 本 token 的读者超时键前缀  KEYS[3] 写者等待标记
//	ARGV[1] token  ARGV[2] 唤醒通道  ARGV[3] 租约毫秒
var readAcquireScript = redis.NewScript(`
local ttl = tonumber(ARGV[3])
local waiting = redis.call('exists', KEYS[3]) == 1
local mode = redis.call('hget', KEYS[1], 'mode')
if not mode then
    if waiting then
        return redis.call('pttl', KEYS[3])
    end
    redis.call('hset', KEYS[1], 'mode', 'read', ARGV[1], 1, 'proxy_name', ARGV[2])
    if ttl > 0 then
        redis.call('set', KEYS[2] .. ':1', 1, 'px', ttl)
        redis.call('pexpire', KEYS[1], ttl)
    else
        redis.call('set', KEYS[2] .. ':1', 1)
    end
    redis.call('lrem', ARGV[2], 0, KEYS[1])
    return nil
end
if mode == 'read' and not waiting then
    local seq = redis.call('hincrby', KEYS[1], ARGV[1], 1)
    if ttl > 0 then
        redis.call('set', KEYS[2] .. ':' .. seq, 1, 'px', ttl)
        local current = redis.call('pttl', KEYS[1])
        if current >= 0 and current < ttl then
            redis.call('pexpire', KEYS[1], ttl)
        end
    else
        redis.call('set', KEYS[2] .. ':' .. seq, 1)
        redis.call('persist', KEYS[1])
    end
    return nil
end
if not waiting then
    redis.call('hset', KEYS[1], 'proxy_name', ARGV[2])
end
return redis.call('pttl', KEYS[1])
`)

// readReleaseScript 读锁释放。剩余读者中最长的超时键决定记录的新过期时间
//
//	KEYS[1] 锁记录  KEYS[2] 本 token 的读者超时键前缀
//	ARGV[1] token  ARGV[2] 唤醒通知保留毫秒
var readReleaseScript = redis.NewScript(`
if redis.call('hget', KEYS[1], 'mode') ~= 'read' or redis.call('hexists', KEYS[1], ARGV[1]) == 0 then
    return nil
end
local seq = redis.call('hincrby', KEYS[1], ARGV[1], -1)
redis.call('del', KEYS[2] .. ':' .. (seq + 1))
if seq <= 0 then
    redis.call('hdel', KEYS[1], ARGV[1])
end
local remain = 0
local forever = false
for _, field in ipairs(redis.call('hkeys', KEYS[1])) do
    if field ~= 'mode' and field ~= 'proxy_name' then
        local count = tonumber(redis.call('hget', KEYS[1], field)) or 0
        for i = count, 1, -1 do
            local t = redis.call('pttl', KEYS[1] .. ':' .. field .. ':rwlock_timeout:' .. i)
            if t == -1 then
                forever = true
            elseif t > remain then
                remain = t
            end
        end
    end
end
if forever then
    redis.call('persist', KEYS[1])
    return 0
end
if remain > 0 then
    redis.call('pexpire', KEYS[1], remain)
    return 0
end
local proxy = redis.call('hget', KEYS[1], 'proxy_name')
redis.call('del', KEYS[1])
if proxy then
    redis.call('lpush', proxy, KEYS[1])
    redis.call('pexpire', proxy, ARGV[2])
end
return 1
`)

// writeAcquireScript 写锁获取。未能获取时设置等待标记，阻止后续读者插队；
// 获取成功后清除标记
//
//	KEYS[1] 锁记录  KEYS[2] 写者等待标记
//	ARGV[1] token  ARGV[2] 唤醒通道  ARGV[3] 租约毫秒
var writeAcquireScript = redis.NewScript(`
local ttl = tonumber(ARGV[3])
local mode = redis.call('hget', KEYS[1], 'mode')
if not mode then
    redis.call('hset', KEYS[1], 'mode', 'write', ARGV[1], 1, 'proxy_name', ARGV[2])
    if ttl > 0 then
        redis.call('pexpire', KEYS[1], ttl)
    end
    redis.call('del', KEYS[2])
    redis.call('lrem', ARGV[2], 0, KEYS[1])
    return nil
end
local current = redis.call('pttl', KEYS[1])
local keep = ttl
if current > keep then
    keep = current
end
if keep > 0 then
    redis.call('set', KEYS[2], 'wait_write', 'px', keep)
else
    redis.call('set', KEYS[2], 'wait_write')
end
redis.call('hset', KEYS[1], 'proxy_name', ARGV[2])
return current
`)

// writeReleaseScript 写锁释放，同时清理等待标记
//
//	KEYS[1] 锁记录  KEYS[2] 写者等待标记
//	ARGV[1] token  ARGV[2] 唤醒通知保留毫秒
var writeReleaseScript = redis.NewScript(`
if redis.call('hget', KEYS[1], 'mode') ~= 'write' or redis.call('hexists', KEYS[1], ARGV[1]) == 0 then
    return nil
end
local proxy = redis.call('hget', KEYS[1], 'proxy_name')
redis.call('del', KEYS[1], KEYS[2])
if proxy then
    redis.call('lpush', proxy, KEYS[1])
    redis.call('pexpire', proxy, ARGV[2])
end
return 1
`)

// releaseResult 释放脚本的结果
type releaseResult int

const (
	releaseNotOwned releaseResult = iota
	releaseHeld
	releaseUnlocked
)

func (r releaseResult) String() string {
	switch r {
	case releaseHeld:
		return "held"
	case releaseUnlocked:
		return "unlocked"
	default:
		return "not_owned"
	}
}

// variant 一种锁模式对应的获取与释放脚本
type variant interface {
	mode() Mode
	// acquire 成功返回 ok=true；失败时 remain 为当前持有者剩余租约，负数表示不过期
	acquire(ctx context.Context, s Store, key, token, proxy string, ttl time.Duration) (remain time.Duration, ok bool, err error)
	release(ctx context.Context, s Store, key, token string, grace time.Duration) (releaseResult, error)
}

type exclusiveVariant struct{}

func (exclusiveVariant) mode() Mode { return ModeExclusive }

func (exclusiveVariant) acquire(ctx context.Context, s Store, key, token, proxy string, ttl time.Duration) (time.Duration, bool, error) {
	return parseAcquire(acquireScript.Run(ctx, s, []string{key}, token, proxy, ttl.Milliseconds()).Result())
}

func (exclusiveVariant) release(ctx context.Context, s Store, key, token string, grace time.Duration) (releaseResult, error) {
	return parseRelease(releaseScript.Run(ctx, s, []string{key}, token, grace.Milliseconds()).Result())
}

type readVariant struct{}

func (readVariant) mode() Mode { return ModeRead }

func (readVariant) acquire(ctx context.Context, s Store, key, token, proxy string, ttl time.Duration) (time.Duration, bool, error) {
	keys := []string{key, readerKeyPrefix(key, token), writeFlagKey(key)}
	return parseAcquire(readAcquireScript.Run(ctx, s, keys, token, proxy, ttl.Milliseconds()).Result())
}

func (readVariant) release(ctx context.Context, s Store, key, token string, grace time.Duration) (releaseResult, error) {
	keys := []string{key, readerKeyPrefix(key, token)}
	return parseRelease(readReleaseScript.Run(ctx, s, keys, token, grace.Milliseconds()).Result())
}

type writeVariant struct{}

func (writeVariant) mode() Mode { return ModeWrite }

func (writeVariant) acquire(ctx context.Context, s Store, key, token, proxy string, ttl time.Duration) (time.Duration, bool, error) {
	keys := []string{key, writeFlagKey(key)}
	return parseAcquire(writeAcquireScript.Run(ctx, s, keys, token, proxy, ttl.Milliseconds()).Result())
}

func (writeVariant) release(ctx context.Context, s Store, key, token string, grace time.Duration) (releaseResult, error) {
	keys := []string{key, writeFlagKey(key)}
	return parseRelease(writeReleaseScript.Run(ctx, s, keys, token, grace.Milliseconds()).Result())
}

// extendLease 为 token 持有的记录续期，ok=false 表示调用方已不再持有
func extendLease(ctx context.Context, s Store, key, token string, d time.Duration, replace bool) (bool, error) {
	mode := "0"
	if replace {
		mode = "1"
	}
	v, err := extendScript.Run(ctx, s, []string{key}, token, d.Milliseconds(), mode).Result()
	if err != nil {
		return false, err
	}
	n, ok := v.(int64)
	if !ok {
		return false, protocolError("extend returned %T", v)
	}
	return n == 1, nil
}

func parseAcquire(v any, err error) (time.Duration, bool, error) {
	if xerrors.Is(err, redis.Nil) {
		return 0, true, nil
	}
	if err != nil {
		return 0, false, err
	}
	ms, ok := v.(int64)
	if !ok {
		return 0, false, protocolError("acquire returned %T", v)
	}
	return time.Duration(ms) * time.Millisecond, false, nil
}

func parseRelease(v any, err error) (releaseResult, error) {
	if xerrors.Is(err, redis.Nil) {
		return releaseNotOwned, nil
	}
	if err != nil {
		return releaseNotOwned, err
	}
	switch v {
	case int64(0):
		return releaseHeld, nil
	case int64(1):
		return releaseUnlocked, nil
	}
	return releaseNotOwned, protocolError("release returned %v", v)
}
