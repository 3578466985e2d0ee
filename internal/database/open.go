// Package database 对话日志存储的SQL后端与后端选择
package database

import (
	"context"
	"fmt"

	"LiveAvatarGateway/internal/logstore"
)

// 后端驱动
const (
	DriverNone     = "none"
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config 存储配置
type Config struct {
	Driver     string         `mapstructure:"driver" yaml:"driver"`
	SQLitePath string         `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	Postgres   PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
}

// DefaultConfig 默认使用内存后端
func DefaultConfig() Config {
	return Config{
		Driver:     DriverMemory,
		SQLitePath: "liveavatar.db",
		Postgres:   DefaultPostgresConfig(),
	}
}

// Open 按配置创建后端；DriverNone 返回nil，存储随后以 NotConfigured 拒绝所有写入
func Open(ctx context.Context, config Config) (logstore.Backend, error) {
	switch config.Driver {
	case DriverNone:
		return nil, nil
	case DriverMemory, "":
		return logstore.NewMemoryBackend(), nil
	case DriverPostgres:
		b, err := ConnectPostgres(ctx, config.Postgres)
		if err != nil {
			return nil, err
		}
		return b, nil
	case DriverSQLite:
		b, err := OpenSQLite(ctx, config.SQLitePath)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", config.Driver)
	}
}
