package storage

import (
	"context"

	xerrors "AutoDCA-Chain/internal/errors"
)

// ErrKeyNotFound 表示指定的键不存在。
var ErrKeyNotFound = xerrors.New(xerrors.CodeNotFound, "key not found")

// Store 抽象了编排器依赖的键值持久化接口。授权凭证、决策历史与
// 审计历史都通过它落盘，核心逻辑因此与具体存储无关。
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Close() error
}
