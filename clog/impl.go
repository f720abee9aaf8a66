package clog

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"slices"
	"time"
)

// loggerImpl 是 Logger 接口的具体实现，子 Logger 共享同一个 handler
type loggerImpl struct {
	handler *clogHandler
	options *options
	attrs   []slog.Attr
}

func newLogger(config *Config, options *options) (Logger, error) {
	handler, err := newHandler(config, options)
	if err != nil {
		return nil, err
	}
	return &loggerImpl{handler: handler, options: options}, nil
}

func (l *loggerImpl) Debug(msg string, fields ...Field) {
	l.log(context.Background(), DebugLevel, msg, fields)
}

func (l *loggerImpl) Info(msg string, fields ...Field) {
	l.log(context.Background(), InfoLevel, msg, fields)
}

func (l *loggerImpl) Warn(msg string, fields ...Field) {
	l.log(context.Background(), WarnLevel, msg, fields)
}

func (l *loggerImpl) Error(msg string, fields ...Field) {
	l.log(context.Background(), ErrorLevel, msg, fields)
}

func (l *loggerImpl) Fatal(msg string, fields ...Field) {
	l.log(context.Background(), FatalLevel, msg, fields)
}

func (l *loggerImpl) DebugContext(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, DebugLevel, msg, fields)
}

func (l *loggerImpl) InfoContext(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, InfoLevel, msg, fields)
}

func (l *loggerImpl) WarnContext(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, WarnLevel, msg, fields)
}

func (l *loggerImpl) ErrorContext(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, ErrorLevel, msg, fields)
}

func (l *loggerImpl) FatalContext(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, FatalLevel, msg, fields)
}

func (l *loggerImpl) With(fields ...Field) Logger {
	return &loggerImpl{
		handler: l.handler,
		options: l.options,
		attrs:   append(slices.Clip(l.attrs), fields...),
	}
}

func (l *loggerImpl) WithNamespace(parts ...string) Logger {
	opts := *l.options
	opts.namespaceParts = append(slices.Clip(l.options.namespaceParts), parts...)
	return &loggerImpl{handler: l.handler, options: &opts, attrs: l.attrs}
}

func (l *loggerImpl) SetLevel(level Level) error {
	l.handler.setLevel(level)
	return nil
}

func (l *loggerImpl) Flush() {
	l.handler.flush()
}

func (l *loggerImpl) log(ctx context.Context, level Level, msg string, fields []Field) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !l.handler.Enabled(ctx, level.slogLevel()) {
		return
	}

	// skip: runtime.Callers, log, Info/Debug 等
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	record := slog.NewRecord(time.Now(), level.slogLevel(), msg, pcs[0])

	if ns := l.options.namespace(); ns != "" {
		record.AddAttrs(slog.String(NamespaceKey, ns))
	}
	record.AddAttrs(l.attrs...)
	record.AddAttrs(fields...)
	record.AddAttrs(l.options.contextAttrs(ctx)...)

	_ = l.handler.Handle(ctx, record)

	if level == FatalLevel {
		l.Flush()
		os.Exit(1)
	}
}
