// Package config 提供统一的配置加载能力，基于 Viper 实现。
//
// 特性：
//   - 多源配置：YAML/JSON 文件、环境变量、.env 文件
//   - 优先级：环境变量 > .env > 环境特定配置 > 基础配置
//   - 热更新：监听配置文件变化并通知订阅者
//
//	loader := config.MustLoad(
//		config.WithConfigName("locksmith"),
//		config.WithConfigPaths("./examples/dlock"),
//		config.WithEnvPrefix("LOCKSMITH"),
//	)
//
//	var lockCfg dlock.Config
//	if err := loader.UnmarshalKey("dlock", &lockCfg); err != nil {
//		panic(err)
//	}
package config

import (
	"context"
	"time"
)

// Loader 配置加载器：加载、解析和监听配置变化
type Loader interface {
	// Load 从所有来源加载配置并启动文件监听
	Load(ctx context.Context) error

	// Get 获取原始配置值
	Get(key string) any

	// Unmarshal 将整个配置反序列化到结构体
	Unmarshal(v any) error

	// UnmarshalKey 将指定 Key 的配置反序列化到结构体
	UnmarshalKey(key string, v any) error

	// Watch 监听 key 的变化，ctx 取消时关闭返回的 channel
	Watch(ctx context.Context, key string) (<-chan Event, error)

	// Validate 验证当前配置的有效性
	Validate() error
}

// Event 配置变更事件
type Event struct {
	Key       string
	Value     any
	OldValue  any
	Source    string // "file"
	Timestamp time.Time
}
