package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"AutoDCA-Chain/deploy/migrations"
	xerrors "AutoDCA-Chain/internal/errors"
)

// MySQLConfig 描述 MySQL 存储的连接参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// MySQLStore 将键值对保存在单张 kv 表中。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 建立数据库连接并确保表结构存在。
func NewMySQLStore(ctx context.Context, cfg MySQLConfig) (*MySQLStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("MySQL DSN 不能为空")
	}
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("打开 MySQL 连接失败: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}

	store := &MySQLStore{db: db}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// migrate 按序执行内嵌的迁移语句。结构刻意保持单表，避免把领域
// 模型耦合进存储层。
func (m *MySQLStore) migrate(ctx context.Context) error {
	statements, err := migrations.Statements()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "加载迁移语句失败")
	}
	for _, stmt := range statements {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 kv 表失败")
		}
	}
	return nil
}

// Get 实现 Store 接口。
func (m *MySQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := m.db.QueryRowContext(ctx, "SELECT v FROM autodca_kv WHERE k = ?", key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "MySQL 读取失败")
	}
	return value, nil
}

// Set 实现 Store 接口。
func (m *MySQLStore) Set(ctx context.Context, key string, value []byte) error {
	const stmt = `INSERT INTO autodca_kv (k, v, updated_at) VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE v = VALUES(v), updated_at = VALUES(updated_at)`
	if _, err := m.db.ExecContext(ctx, stmt, key, value, time.Now().Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "MySQL 写入失败")
	}
	return nil
}

// Remove 实现 Store 接口。
func (m *MySQLStore) Remove(ctx context.Context, key string) error {
	if _, err := m.db.ExecContext(ctx, "DELETE FROM autodca_kv WHERE k = ?", key); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "MySQL 删除失败")
	}
	return nil
}

// Close 实现 Store 接口。
func (m *MySQLStore) Close() error {
	return m.db.Close()
}
