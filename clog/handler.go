package clog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// clogHandler 封装 slog.Handler，提供动态级别能力
type clogHandler struct {
	slog.Handler
	levelVar *slog.LevelVar
	closer   io.Closer
}

func newHandler(config *Config, options *options) (*clogHandler, error) {
	w, closer, err := resolveWriter(config, options)
	if err != nil {
		return nil, err
	}

	level, _ := ParseLevel(config.Level)
	levelVar := new(slog.LevelVar)
	levelVar.Set(level.slogLevel())

	opts := &slog.HandlerOptions{
		AddSource:   config.AddSource,
		Level:       levelVar,
		ReplaceAttr: newReplaceAttr(config),
	}

	var handler slog.Handler
	if strings.ToLower(config.Format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &clogHandler{Handler: handler, levelVar: levelVar, closer: closer}, nil
}

func resolveWriter(config *Config, options *options) (io.Writer, io.Closer, error) {
	if options.writer != nil {
		return options.writer, nil, nil
	}
	switch strings.ToLower(config.Output) {
	case "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	default:
		f, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		return f, f, nil
	}
}

// newReplaceAttr 统一 Level/Time/Source 的输出格式
func newReplaceAttr(config *Config) func(groups []string, a slog.Attr) slog.Attr {
	return func(groups []string, a slog.Attr) slog.Attr {
		if len(groups) > 0 {
			return a
		}
		switch a.Key {
		case slog.LevelKey:
			level, ok := a.Value.Any().(slog.Level)
			if !ok {
				return a
			}
			switch {
			case level < slog.LevelInfo:
				a.Value = slog.StringValue("DEBUG")
			case level < slog.LevelWarn:
				a.Value = slog.StringValue("INFO")
			case level < slog.LevelError:
				a.Value = slog.StringValue("WARN")
			case level < FatalLevel.slogLevel():
				a.Value = slog.StringValue("ERROR")
			default:
				a.Value = slog.StringValue("FATAL")
			}
		case slog.TimeKey:
			if a.Value.Kind() == slog.KindTime {
				a.Value = slog.StringValue(a.Value.Time().Format(timeFormat))
			}
		case slog.SourceKey:
			if source, ok := a.Value.Any().(*slog.Source); ok {
				return slog.String("caller", fmt.Sprintf("%s:%d", trimSourcePath(source.File, config.SourceRoot), source.Line))
			}
		}
		return a
	}
}

func trimSourcePath(fileName, sourceRoot string) string {
	if sourceRoot != "" {
		if rel, err := filepath.Rel(sourceRoot, fileName); err == nil && !strings.HasPrefix(rel, "..") {
			return rel
		}
	}
	return filepath.Join(filepath.Base(filepath.Dir(fileName)), filepath.Base(fileName))
}

func (h *clogHandler) setLevel(level Level) {
	h.levelVar.Set(level.slogLevel())
}

func (h *clogHandler) flush() {
	if s, ok := h.closer.(interface{ Sync() error }); ok {
		_ = s.Sync()
	}
}
