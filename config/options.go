package config

import "github.com/ceyewan/locksmith/clog"

// Option 配置选项
type Option func(*options)

type options struct {
	name      string   // 配置文件名称（不含扩展名）
	paths     []string // 配置文件搜索路径
	fileType  string   // 配置文件类型 (yaml, json, ...)
	envPrefix string   // 环境变量前缀
	logger    clog.Logger
}

func defaultOptions() *options {
	return &options{
		name:      "config",
		paths:     []string{".", "./config"},
		fileType:  "yaml",
		envPrefix: "LOCKSMITH",
		logger:    clog.Discard(),
	}
}

// WithConfigName 设置配置文件名称（不带扩展名）
func WithConfigName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithConfigPath 追加配置文件搜索路径
func WithConfigPath(path string) Option {
	return func(o *options) {
		o.paths = append(o.paths, path)
	}
}

// WithConfigPaths 设置配置文件搜索路径（覆盖默认值）
func WithConfigPaths(paths ...string) Option {
	return func(o *options) {
		o.paths = paths
	}
}

// WithConfigType 设置配置文件类型
func WithConfigType(typ string) Option {
	return func(o *options) {
		o.fileType = typ
	}
}

// WithEnvPrefix 设置环境变量前缀，例如 LOCKSMITH_DLOCK_PREFIX 覆盖 dlock.prefix
func WithEnvPrefix(prefix string) Option {
	return func(o *options) {
		o.envPrefix = prefix
	}
}

// WithLogger 设置日志记录器，自动添加 "config" 命名空间
func WithLogger(logger clog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger.WithNamespace("config")
		}
	}
}
