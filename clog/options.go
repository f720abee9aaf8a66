package clog

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

// NamespaceKey 日志中命名空间的字段名
const NamespaceKey = "namespace"

// ContextField 定义从 Context 中提取字段的规则
type ContextField struct {
	Key       any    // Context 中存储的键
	FieldName string // 日志中的字段名
}

// Option 函数式选项
type Option func(*options)

type options struct {
	namespaceParts []string
	contextFields  []ContextField
	writer         io.Writer
}

// WithNamespace 设置日志命名空间，多级命名空间以 "." 连接
func WithNamespace(parts ...string) Option {
	return func(o *options) {
		o.namespaceParts = append(o.namespaceParts, parts...)
	}
}

// WithContextField 从 Context 中提取 key 对应的值，作为 fieldName 字段输出
//
//	clog.WithContextField(dlock.OwnerContextKey(), "lock_owner")
func WithContextField(key any, fieldName string) Option {
	return func(o *options) {
		o.contextFields = append(o.contextFields, ContextField{Key: key, FieldName: fieldName})
	}
}

// WithStandardContext 提取 trace_id、user_id、request_id 三个常用字段
func WithStandardContext() Option {
	return func(o *options) {
		o.contextFields = append(o.contextFields,
			ContextField{Key: "trace_id", FieldName: "trace_id"},
			ContextField{Key: "user_id", FieldName: "user_id"},
			ContextField{Key: "request_id", FieldName: "request_id"},
		)
	}
}

// WithWriter 将日志写入指定的 io.Writer，优先于 Config.Output
func WithWriter(w io.Writer) Option {
	return func(o *options) {
		o.writer = w
	}
}

func applyOptions(opts ...Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *options) namespace() string {
	return strings.Join(o.namespaceParts, ".")
}

// contextAttrs 按配置顺序提取 Context 中存在的字段
func (o *options) contextAttrs(ctx context.Context) []slog.Attr {
	if ctx == nil || len(o.contextFields) == 0 {
		return nil
	}
	var attrs []slog.Attr
	for _, cf := range o.contextFields {
		if v := ctx.Value(cf.Key); v != nil {
			attrs = append(attrs, slog.Any(cf.FieldName, v))
		}
	}
	return attrs
}
