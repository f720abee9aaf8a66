package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/ceyewan/locksmith/clog"
	"github.com/ceyewan/locksmith/xerrors"
)

type loader struct {
	v         *viper.Viper
	opts      *options
	logger    clog.Logger
	mu        sync.Mutex
	loaded    bool
	watches   map[string][]chan Event
	oldValues map[string]any
}

// New 创建配置加载器，需调用 Load 后才能读取配置
func New(opts ...Option) (Loader, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.name == "" {
		return nil, xerrors.Wrap(ErrValidationFailed, "config name is empty")
	}

	return &loader{
		v:         viper.New(),
		opts:      o,
		logger:    o.logger,
		watches:   make(map[string][]chan Event),
		oldValues: make(map[string]any),
	}, nil
}

// MustLoad 创建并加载配置，失败时 panic，仅用于初始化阶段
func MustLoad(opts ...Option) Loader {
	l := xerrors.Must(New(opts...))
	if err := l.Load(context.Background()); err != nil {
		panic(fmt.Sprintf("config: load failed: %v", err))
	}
	return l
}

func (l *loader) Load(ctx context.Context) error {
	l.v.SetConfigName(l.opts.name)
	l.v.SetConfigType(l.opts.fileType)
	for _, path := range l.opts.paths {
		l.v.AddConfigPath(path)
	}

	l.v.SetEnvPrefix(l.opts.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	l.loadDotEnv()

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return xerrors.Wrapf(err, "config: read %s", l.opts.name)
		}
		l.logger.WarnContext(ctx, "no configuration file found", clog.String("name", l.opts.name))
	}

	if err := l.mergeEnvironmentConfig(ctx); err != nil {
		return err
	}
	if err := l.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	l.loaded = true
	for key := range l.watches {
		l.oldValues[key] = l.v.Get(key)
	}
	l.mu.Unlock()

	if l.v.ConfigFileUsed() != "" {
		l.v.OnConfigChange(func(e fsnotify.Event) {
			if err := l.mergeEnvironmentConfig(context.Background()); err != nil {
				l.logger.Error("reload environment config failed", clog.Error(err))
			}
			l.loadDotEnv()
			l.notifyWatches(e)
		})
		l.v.WatchConfig()
	}
	return nil
}

// loadDotEnv 加载工作目录与搜索路径下的 .env，godotenv 不会覆盖已存在的环境变量
func (l *loader) loadDotEnv() {
	files := []string{".env"}
	for _, path := range l.opts.paths {
		files = append(files, filepath.Join(path, ".env"))
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			l.logger.Warn("load .env failed", clog.String("file", f), clog.Error(err))
		}
	}
}

// mergeEnvironmentConfig 合并 {name}.{env}.yaml，env 取自 {PREFIX}_ENV
func (l *loader) mergeEnvironmentConfig(ctx context.Context) error {
	env := os.Getenv(l.opts.envPrefix + "_ENV")
	if env == "" {
		return nil
	}

	envName := l.opts.name + "." + env
	l.v.SetConfigName(envName)
	defer l.v.SetConfigName(l.opts.name)

	if err := l.v.MergeInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return xerrors.Wrapf(err, "config: merge %s", envName)
		}
		l.logger.DebugContext(ctx, "no environment configuration file", clog.String("env", env))
		return nil
	}
	l.logger.InfoContext(ctx, "environment configuration merged", clog.String("env", env))
	return nil
}

func (l *loader) Get(key string) any {
	return l.v.Get(key)
}

func (l *loader) Unmarshal(v any) error {
	return l.v.Unmarshal(v)
}

func (l *loader) UnmarshalKey(key string, v any) error {
	return l.v.UnmarshalKey(key, v)
}

func (l *loader) Watch(ctx context.Context, key string) (<-chan Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.loaded {
		return nil, ErrNotLoaded
	}

	ch := make(chan Event, 10)
	l.watches[key] = append(l.watches[key], ch)
	l.oldValues[key] = l.v.Get(key)

	go func() {
		<-ctx.Done()
		l.removeWatch(key, ch)
	}()
	return ch, nil
}

func (l *loader) removeWatch(key string, ch chan Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	chans := l.watches[key]
	for i, c := range chans {
		if c == ch {
			l.watches[key] = append(chans[:i], chans[i+1:]...)
			close(ch)
			break
		}
	}
	if len(l.watches[key]) == 0 {
		delete(l.watches, key)
		delete(l.oldValues, key)
	}
}

func (l *loader) Validate() error {
	if len(l.v.AllSettings()) == 0 {
		return xerrors.Wrap(ErrValidationFailed, "configuration is empty")
	}
	return nil
}

func (l *loader) notifyWatches(_ fsnotify.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, channels := range l.watches {
		newValue := l.v.Get(key)
		oldValue := l.oldValues[key]
		if reflect.DeepEqual(oldValue, newValue) {
			continue
		}
		l.oldValues[key] = newValue

		event := Event{Key: key, Value: newValue, OldValue: oldValue, Source: "file", Timestamp: time.Now()}
		for _, ch := range channels {
			select {
			case ch <- event:
			default:
				l.logger.Warn("watch channel is full, event dropped", clog.String("key", key))
			}
		}
	}
}
