package storage

import (
	"context"
	"sync"

	xerrors "AutoDCA-Chain/internal/errors"
)

// MemoryStore 以内存方式保存键值对，主要用于测试与单机运行。
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Get 实现 Store 接口。
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "键不能为空")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	clone := make([]byte, len(value))
	copy(clone, value)
	return clone, nil
}

// Set 实现 Store 接口。
func (m *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	if key == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "键不能为空")
	}
	clone := make([]byte, len(value))
	copy(clone, value)
	m.mu.Lock()
	m.data[key] = clone
	m.mu.Unlock()
	return nil
}

// Remove 实现 Store 接口。删除不存在的键不视为错误。
func (m *MemoryStore) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error {
	return nil
}
