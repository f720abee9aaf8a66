package connector

import "github.com/ceyewan/locksmith/xerrors"

// ErrConnector 是本包所有错误的根，可用 errors.Is 统一判断
var ErrConnector = xerrors.New("connector: error")

var (
	ErrConfig        = xerrors.Derive(ErrConnector, "connector: invalid config")
	ErrConfigNil     = xerrors.Derive(ErrConfig, "connector: config is nil")
	ErrAlreadyClosed = xerrors.Derive(ErrConnector, "connector: already closed")
	ErrConnection    = xerrors.Derive(ErrConnector, "connector: connection failed")
	// 健康检查失败也是连接失败的一种
	ErrHealthCheck = xerrors.Derive(ErrConnection, "connector: health check failed")
)
