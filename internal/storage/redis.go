package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	xerrors "AutoDCA-Chain/internal/errors"
)

// RedisConfig 描述 Redis 存储的连接参数。
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore 使用 Redis 字符串键实现 Store 接口。
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore 创建 Redis 存储实例并验证连通性。
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "autodca"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (r *RedisStore) key(key string) string {
	return r.prefix + ":" + key
}

// Get 实现 Store 接口。
func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrKeyNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 读取失败")
	}
	return value, nil
}

// Set 实现 Store 接口。
func (r *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, r.key(key), value, 0).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 写入失败")
	}
	return nil
}

// Remove 实现 Store 接口。
func (r *RedisStore) Remove(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 删除失败")
	}
	return nil
}

// Close 实现 Store 接口。
func (r *RedisStore) Close() error {
	return r.client.Close()
}
