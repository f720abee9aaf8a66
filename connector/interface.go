// Package connector 提供连接管理能力。
//
//	conn, err := connector.NewRedis(&connector.RedisConfig{Addr: "127.0.0.1:6379"}, connector.WithLogger(logger))
//	if err != nil {
//		panic(err)
//	}
//	defer conn.Close()
//
//	if err := conn.Connect(ctx); err != nil {
//		panic(err)
//	}
//	client := conn.GetClient()
//
// 资源所有权：Connector 拥有底层连接的生命周期；dlock 等组件仅借用 Connector，
// 不应调用 Close()。应用层按 LIFO 顺序释放：先关闭组件，再关闭 Connector。
package connector

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Connector 定义所有连接器的通用行为，方法均为并发安全
type Connector interface {
	// Connect 建立连接，幂等；失败时按配置重试
	Connect(ctx context.Context) error

	// Close 关闭连接并释放资源，幂等
	Close() error

	// HealthCheck 发送探测请求并更新健康状态缓存
	HealthCheck(ctx context.Context) error

	// IsHealthy 返回最后一次检查的结果，不阻塞
	IsHealthy() bool

	// Name 返回连接实例名称，用于日志与指标
	Name() string
}

// TypedConnector 提供类型安全的客户端访问
type TypedConnector[T any] interface {
	Connector

	// GetClient 返回底层客户端；Close() 之后不应再使用
	GetClient() T
}

// RedisConnector Redis 连接器
type RedisConnector interface {
	TypedConnector[*redis.Client]
}
