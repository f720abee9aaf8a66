package config

import "github.com/ceyewan/locksmith/xerrors"

var (
	// ErrValidationFailed 配置为空或不合法
	ErrValidationFailed = xerrors.New("config: validation failed")
	// ErrNotLoaded 在 Load 之前调用了 Watch
	ErrNotLoaded = xerrors.New("config: not loaded")
)
