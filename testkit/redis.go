package testkit

import (
	"context"
	"os"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ceyewan/locksmith/connector"
)

// RedisAddrEnv 指向真实 Redis 的环境变量，未设置时集成测试被跳过
const RedisAddrEnv = "LOCKSMITH_TEST_REDIS_ADDR"

// NewMiniRedis 启动一个内存 Redis 并返回已连接的连接器。
//
// miniredis 支持 Lua 脚本与 BLPOP，但 TTL 不会随真实时间流逝，
// 需要用 mr.FastForward 推进过期。
func NewMiniRedis(t *testing.T) (*miniredis.Miniredis, connector.RedisConnector) {
	t.Helper()
	mr := miniredis.RunT(t)
	return mr, connect(t, &connector.RedisConfig{Name: "miniredis", Addr: mr.Addr()})
}

// GetRedisConnector 连接由 LOCKSMITH_TEST_REDIS_ADDR 指定的真实 Redis（DB 1）
func GetRedisConnector(t *testing.T) connector.RedisConnector {
	t.Helper()
	addr := os.Getenv(RedisAddrEnv)
	if addr == "" {
		t.Skipf("%s not set, skipping integration test", RedisAddrEnv)
	}
	return connect(t, &connector.RedisConfig{Name: "test-redis", Addr: addr, DB: 1})
}

// FlushRedis 清空当前数据库（慎用！）
func FlushRedis(t *testing.T, client *redis.Client) {
	t.Helper()
	if err := client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("failed to flush redis: %v", err)
	}
}

func connect(t *testing.T, cfg *connector.RedisConfig) connector.RedisConnector {
	t.Helper()
	conn, err := connector.NewRedis(cfg, connector.WithLogger(NewLogger()))
	if err != nil {
		t.Fatalf("failed to create redis connector: %v", err)
	}
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect to redis: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}
