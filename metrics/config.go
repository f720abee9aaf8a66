package metrics

// Config 指标系统配置，可通过 viper 从配置文件加载：
//
//	metrics:
//	  enabled: true
//	  service_name: "locksmith"
//	  version: "v0.1.0"
//	  port: 9090
//	  path: "/metrics"
type Config struct {
	// Enabled 为 false 时 New 返回 noop Meter
	Enabled bool `json:"enabled" yaml:"enabled" mapstructure:"enabled"`

	// ServiceName 与 Version 写入 OpenTelemetry Resource
	ServiceName string `json:"serviceName" yaml:"serviceName" mapstructure:"service_name"`
	Version     string `json:"version" yaml:"version" mapstructure:"version"`

	// Port 大于 0 且 Path 非空时启动 Prometheus HTTP 服务器
	Port int    `json:"port" yaml:"port" mapstructure:"port"`
	Path string `json:"path" yaml:"path" mapstructure:"path"`
}
