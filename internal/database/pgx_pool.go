package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"

	"LiveAvatarGateway/internal/conversation"
	"LiveAvatarGateway/internal/logger"
	"LiveAvatarGateway/internal/logstore"
)

// uniqueViolation PostgreSQL唯一约束冲突
const uniqueViolation = "23505"

// PostgresConfig PostgreSQL连接配置
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn" yaml:"-"`
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"-"`
	DBName   string `mapstructure:"dbname" yaml:"dbname"`
	SSLMode  string `mapstructure:"sslmode" yaml:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns" yaml:"max_conns"`
	MinConns int32  `mapstructure:"min_conns" yaml:"min_conns"`
}

// DefaultPostgresConfig 默认配置
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		DBName:   "liveavatar",
		SSLMode:  "disable",
		MaxConns: 25,
		MinConns: 2,
	}
}

// ConnString 优先使用DSN
func (c PostgresConfig) ConnString() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// PostgresBackend 基于pgx连接池的对话日志后端。
// 以 session_id 主键串行化创建，以 version 列做比较并交换。
type PostgresBackend struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// ConnectPostgres 建立连接池、检测连通性并执行迁移
func ConnectPostgres(ctx context.Context, config PostgresConfig) (*PostgresBackend, error) {
	poolConfig, err := pgxpool.ParseConfig(config.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	// 设置连接池参数
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	err = Migrate(ctx, db, "postgres")
	db.Close()
	if err != nil {
		pool.Close()
		return nil, err
	}

	b := &PostgresBackend{pool: pool, log: logger.WithComponent("postgres")}
	b.log.Info().Str("host", config.Host).Str("db", config.DBName).Msg("postgres pool ready")
	return b, nil
}

// Load 实现 logstore.Backend
func (b *PostgresBackend) Load(ctx context.Context, sessionID string) (logstore.Record, error) {
	var (
		raw     []byte
		l       = &conversation.Log{SessionID: sessionID}
		version int64
	)
	err := b.pool.QueryRow(ctx,
		`SELECT messages, started_at, last_updated, version FROM conversation_logs WHERE session_id = $1`,
		sessionID,
	).Scan(&raw, &l.StartedAt, &l.LastUpdatedAt, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return logstore.Record{}, logstore.ErrNotFound
	}
	if err != nil {
		return logstore.Record{}, fmt.Errorf("load conversation log: %w", err)
	}
	if err := json.Unmarshal(raw, &l.Messages); err != nil {
		return logstore.Record{}, fmt.Errorf("decode messages: %w", err)
	}
	normalize(l)
	return logstore.Record{Log: l, Version: version}, nil
}

// Create 实现 logstore.Backend
func (b *PostgresBackend) Create(ctx context.Context, l *conversation.Log) (logstore.Record, error) {
	raw, err := json.Marshal(l.Messages)
	if err != nil {
		return logstore.Record{}, fmt.Errorf("encode messages: %w", err)
	}

	_, err = b.pool.Exec(ctx,
		`INSERT INTO conversation_logs (session_id, messages, started_at, last_updated, version)
		 VALUES ($1, $2, $3, $4, 1)`,
		l.SessionID, raw, l.StartedAt, l.LastUpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return logstore.Record{}, logstore.ErrConflict
		}
		return logstore.Record{}, fmt.Errorf("insert conversation log: %w", err)
	}
	return logstore.Record{Log: l.Clone(), Version: 1}, nil
}

// Update 实现 logstore.Backend
func (b *PostgresBackend) Update(ctx context.Context, l *conversation.Log, version int64) (logstore.Record, error) {
	raw, err := json.Marshal(l.Messages)
	if err != nil {
		return logstore.Record{}, fmt.Errorf("encode messages: %w", err)
	}

	var next int64
	err = b.pool.QueryRow(ctx,
		`UPDATE conversation_logs
		    SET messages = $2, last_updated = $3, version = version + 1
		  WHERE session_id = $1 AND version = $4
		RETURNING version`,
		l.SessionID, raw, l.LastUpdatedAt, version,
	).Scan(&next)
	if errors.Is(err, pgx.ErrNoRows) {
		return logstore.Record{}, logstore.ErrConflict
	}
	if err != nil {
		return logstore.Record{}, fmt.Errorf("update conversation log: %w", err)
	}
	return logstore.Record{Log: l.Clone(), Version: next}, nil
}

// List 实现 logstore.Backend
func (b *PostgresBackend) List(ctx context.Context, from, to time.Time) ([]*conversation.Log, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT session_id, messages, started_at, last_updated FROM conversation_logs
		  WHERE ($1::timestamptz IS NULL OR started_at >= $1)
		    AND ($2::timestamptz IS NULL OR started_at < $2)
		  ORDER BY started_at, session_id`,
		nullableTime(from), nullableTime(to),
	)
	if err != nil {
		return nil, fmt.Errorf("list conversation logs: %w", err)
	}
	defer rows.Close()

	var out []*conversation.Log
	for rows.Next() {
		var (
			l   conversation.Log
			raw []byte
		)
		if err := rows.Scan(&l.SessionID, &raw, &l.StartedAt, &l.LastUpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation log: %w", err)
		}
		if err := json.Unmarshal(raw, &l.Messages); err != nil {
			return nil, fmt.Errorf("decode messages: %w", err)
		}
		normalize(&l)
		out = append(out, &l)
	}
	return out, rows.Err()
}

// Ping 实现 logstore.Backend
func (b *PostgresBackend) Ping(ctx context.Context) error {
	return b.pool.Ping(ctx)
}

// Close 关闭连接池
func (b *PostgresBackend) Close() error {
	b.pool.Close()
	b.log.Info().Msg("postgres pool closed")
	return nil
}

// Stats 连接池统计信息
func (b *PostgresBackend) Stats() *pgxpool.Stat {
	return b.pool.Stat()
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func normalize(l *conversation.Log) {
	l.StartedAt = l.StartedAt.UTC()
	l.LastUpdatedAt = l.LastUpdatedAt.UTC()
	if l.Messages == nil {
		l.Messages = []conversation.Message{}
	}
}
