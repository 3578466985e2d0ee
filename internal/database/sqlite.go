package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"LiveAvatarGateway/internal/conversation"
	"LiveAvatarGateway/internal/logger"
	"LiveAvatarGateway/internal/logstore"
)

const sqliteTimeLayout = time.RFC3339Nano

// SQLiteBackend 单文件部署的对话日志后端，语义与PostgreSQL后端一致
type SQLiteBackend struct {
	db  *sql.DB
	log zerolog.Logger
}

// OpenSQLite 打开数据库文件并执行迁移
func OpenSQLite(ctx context.Context, path string) (*SQLiteBackend, error) {
	if path == "" {
		return nil, errors.New("sqlite path is empty")
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// 单写连接，避免 SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	if err := Migrate(ctx, db, "sqlite3"); err != nil {
		db.Close()
		return nil, err
	}

	b := &SQLiteBackend{db: db, log: logger.WithComponent("sqlite")}
	b.log.Info().Str("path", path).Msg("sqlite store ready")
	return b, nil
}

// Load 实现 logstore.Backend
func (b *SQLiteBackend) Load(ctx context.Context, sessionID string) (logstore.Record, error) {
	var (
		raw, started, updated string
		version               int64
	)
	err := b.db.QueryRowContext(ctx,
		`SELECT messages, started_at, last_updated, version FROM conversation_logs WHERE session_id = ?`,
		sessionID,
	).Scan(&raw, &started, &updated, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return logstore.Record{}, logstore.ErrNotFound
	}
	if err != nil {
		return logstore.Record{}, fmt.Errorf("load conversation log: %w", err)
	}

	l, err := decodeRow(sessionID, raw, started, updated)
	if err != nil {
		return logstore.Record{}, err
	}
	return logstore.Record{Log: l, Version: version}, nil
}

// Create 实现 logstore.Backend
func (b *SQLiteBackend) Create(ctx context.Context, l *conversation.Log) (logstore.Record, error) {
	raw, err := json.Marshal(l.Messages)
	if err != nil {
		return logstore.Record{}, fmt.Errorf("encode messages: %w", err)
	}

	_, err = b.db.ExecContext(ctx,
		`INSERT INTO conversation_logs (session_id, messages, started_at, last_updated, version)
		 VALUES (?, ?, ?, ?, 1)`,
		l.SessionID, string(raw), formatTime(l.StartedAt), formatTime(l.LastUpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return logstore.Record{}, logstore.ErrConflict
		}
		return logstore.Record{}, fmt.Errorf("insert conversation log: %w", err)
	}
	return logstore.Record{Log: l.Clone(), Version: 1}, nil
}

// Update 实现 logstore.Backend
func (b *SQLiteBackend) Update(ctx context.Context, l *conversation.Log, version int64) (logstore.Record, error) {
	raw, err := json.Marshal(l.Messages)
	if err != nil {
		return logstore.Record{}, fmt.Errorf("encode messages: %w", err)
	}

	res, err := b.db.ExecContext(ctx,
		`UPDATE conversation_logs
		    SET messages = ?, last_updated = ?, version = version + 1
		  WHERE session_id = ? AND version = ?`,
		string(raw), formatTime(l.LastUpdatedAt), l.SessionID, version,
	)
	if err != nil {
		return logstore.Record{}, fmt.Errorf("update conversation log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return logstore.Record{}, fmt.Errorf("update conversation log: %w", err)
	}
	if n == 0 {
		return logstore.Record{}, logstore.ErrConflict
	}
	return logstore.Record{Log: l.Clone(), Version: version + 1}, nil
}

// List 实现 logstore.Backend
func (b *SQLiteBackend) List(ctx context.Context, from, to time.Time) ([]*conversation.Log, error) {
	query := `SELECT session_id, messages, started_at, last_updated FROM conversation_logs WHERE 1 = 1`
	var args []interface{}
	if !from.IsZero() {
		query += ` AND started_at >= ?`
		args = append(args, formatTime(from))
	}
	if !to.IsZero() {
		query += ` AND started_at < ?`
		args = append(args, formatTime(to))
	}
	query += ` ORDER BY started_at, session_id`

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversation logs: %w", err)
	}
	defer rows.Close()

	var out []*conversation.Log
	for rows.Next() {
		var id, raw, started, updated string
		if err := rows.Scan(&id, &raw, &started, &updated); err != nil {
			return nil, fmt.Errorf("scan conversation log: %w", err)
		}
		l, err := decodeRow(id, raw, started, updated)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Ping 实现 logstore.Backend
func (b *SQLiteBackend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

// Close 关闭数据库
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

// formatTime 固定宽度的UTC时间，保证字符串比较与时间顺序一致
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

func decodeRow(sessionID, raw, started, updated string) (*conversation.Log, error) {
	l := &conversation.Log{SessionID: sessionID}
	if err := json.Unmarshal([]byte(raw), &l.Messages); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	var err error
	if l.StartedAt, err = time.Parse(sqliteTimeLayout, started); err != nil {
		return nil, fmt.Errorf("decode started_at: %w", err)
	}
	if l.LastUpdatedAt, err = time.Parse(sqliteTimeLayout, updated); err != nil {
		return nil, fmt.Errorf("decode last_updated: %w", err)
	}
	normalize(l)
	return l, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	switch code {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	// 未开启扩展错误码时只有主错误码
	return code == sqlite3.SQLITE_CONSTRAINT
}
