package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrations embed.FS

// goose 的方言与文件系统是包级状态
var gooseMu sync.Mutex

// Migrate 对给定连接执行全部未应用的迁移；dialect 为 "postgres" 或 "sqlite3"
func Migrate(ctx context.Context, db *sql.DB, dialect string) error {
	dir, err := migrationDir(dialect)
	if err != nil {
		return err
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, dir); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func migrationDir(dialect string) (string, error) {
	switch dialect {
	case "postgres":
		return "migrations/postgres", nil
	case "sqlite3":
		return "migrations/sqlite", nil
	default:
		return "", fmt.Errorf("unsupported migration dialect %q", dialect)
	}
}
