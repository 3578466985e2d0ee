package logstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"LiveAvatarGateway/internal/apperr"
	"LiveAvatarGateway/internal/conversation"
	"LiveAvatarGateway/internal/logger"
	"LiveAvatarGateway/internal/observability/metrics"
)

// DefaultMaxAttempts 跨进程写入冲突时的默认回退预算
const DefaultMaxAttempts = 8

// Store 按 sessionId 创建或合并对话日志。
// 进程内同一键的写入由键锁串行化；其他进程的并发写入由后端的唯一约束与版本比较检测，
// 冲突时重新读取并合并。
type Store struct {
	backend     Backend
	locks       *keyedMutex
	clock       func() time.Time
	maxAttempts int
	listeners   []Listener
	log         zerolog.Logger
}

// Option 存储选项
type Option func(*Store)

// WithClock 注入时钟
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// WithMaxAttempts 设置冲突回退预算
func WithMaxAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithListener 追加成功后的通知
func WithListener(l Listener) Option {
	return func(s *Store) { s.listeners = append(s.listeners, l) }
}

// New 创建存储；backend为nil时所有操作返回 NotConfigured
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:     backend,
		locks:       newKeyedMutex(),
		clock:       func() time.Time { return time.Now().UTC() },
		maxAttempts: DefaultMaxAttempts,
		log:         logger.WithComponent("logstore"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddListener 注册追加通知；须在并发使用前调用
func (s *Store) AddListener(l Listener) {
	s.listeners = append(s.listeners, l)
}

// Configured 是否配置了后端
func (s *Store) Configured() bool {
	return s.backend != nil
}

// Ping 检查后端可达
func (s *Store) Ping(ctx context.Context) error {
	if s.backend == nil {
		return apperr.New(apperr.KindNotConfigured, "ping", "storage backend is not configured")
	}
	if err := s.backend.Ping(ctx); err != nil {
		return apperr.Wrap(apperr.KindNotConfigured, "ping", err)
	}
	return nil
}

// Append 不存在时以给定消息创建记录，存在时追加到已有消息之后，返回持久化后的记录。
// 单次调用内的消息顺序保持不变。
func (s *Store) Append(ctx context.Context, sessionID string, messages []conversation.Message) (*conversation.Log, error) {
	start := time.Now()
	out, err := s.append(ctx, sessionID, messages)

	result := "ok"
	if err != nil {
		result = strings.ToLower(apperr.KindOf(err).String())
	}
	metrics.DefaultMetrics.LogAppends.WithLabelValues(result).Inc()
	metrics.DefaultMetrics.LogAppendLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	metrics.DefaultMetrics.MessagesSaved.Add(float64(len(messages)))
	for _, l := range s.listeners {
		l.OnAppend(ctx, out.Clone(), append([]conversation.Message(nil), messages...))
	}
	return out, nil
}

func (s *Store) append(ctx context.Context, sessionID string, messages []conversation.Message) (*conversation.Log, error) {
	const op = "append"

	if strings.TrimSpace(sessionID) == "" {
		return nil, apperr.New(apperr.KindInvalidInput, op, "session_id is required")
	}
	if len(messages) == 0 {
		return nil, apperr.New(apperr.KindInvalidInput, op, "messages must not be empty")
	}
	if s.backend == nil {
		return nil, apperr.New(apperr.KindNotConfigured, op, "storage backend is not configured")
	}

	unlock, err := s.locks.lock(ctx, sessionID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientIO, op, err)
	}
	defer unlock()

	now := s.clock()
	batch := make([]conversation.Message, len(messages))
	for i, m := range messages {
		if !m.Speaker.Valid() {
			return nil, apperr.New(apperr.KindInvalidInput, op, "message type must be user or avatar")
		}
		if m.Text == "" {
			return nil, apperr.New(apperr.KindInvalidInput, op, "message text is required")
		}
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		batch[i] = m
	}

	log := s.log.With().Str("sessionId", sessionID).Logger()

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, apperr.Wrap(apperr.KindTransientIO, op, err)
		}

		rec, err := s.backend.Load(ctx, sessionID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			// 查询失败按不存在处理，创建路径仍受唯一约束保护
			log.Warn().Err(err).Msg("lookup failed, falling back to create")
		}

		if err != nil {
			created, cerr := s.backend.Create(ctx, &conversation.Log{
				SessionID:     sessionID,
				Messages:      batch,
				StartedAt:     now,
				LastUpdatedAt: now,
			})
			if cerr == nil {
				log.Debug().Int("messages", len(batch)).Msg("conversation log created")
				return created.Log, nil
			}
			if errors.Is(cerr, ErrConflict) {
				metrics.DefaultMetrics.LogMergeConflict.Inc()
				log.Debug().Int("attempt", attempt).Msg("create lost race, merging")
				continue
			}
			return nil, apperr.Wrap(apperr.KindNotConfigured, op, cerr)
		}

		merged := rec.Log.Clone()
		merged.Messages = append(merged.Messages, batch...)
		merged.LastUpdatedAt = now

		updated, uerr := s.backend.Update(ctx, merged, rec.Version)
		if uerr == nil {
			log.Debug().Int("messages", len(batch)).Int("total", len(updated.Log.Messages)).Msg("conversation log merged")
			return updated.Log, nil
		}
		if errors.Is(uerr, ErrConflict) || errors.Is(uerr, ErrNotFound) {
			metrics.DefaultMetrics.LogMergeConflict.Inc()
			log.Debug().Int("attempt", attempt).Msg("update lost race, re-merging")
			continue
		}
		return nil, apperr.Wrap(apperr.KindNotConfigured, op, uerr)
	}

	return nil, apperr.New(apperr.KindTransientIO, op, "too many concurrent writers for session")
}

// Get 读取单个会话的日志
func (s *Store) Get(ctx context.Context, sessionID string) (*conversation.Log, error) {
	if sessionID == "" {
		return nil, apperr.New(apperr.KindInvalidInput, "get", "session_id is required")
	}
	if s.backend == nil {
		return nil, apperr.New(apperr.KindNotConfigured, "get", "storage backend is not configured")
	}
	rec, err := s.backend.Load(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.KindNotConfigured, "get", err)
	}
	return rec.Log, nil
}

// List 返回开始时间在 [from, to) 内的日志
func (s *Store) List(ctx context.Context, from, to time.Time) ([]*conversation.Log, error) {
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return nil, apperr.New(apperr.KindInvalidInput, "list", "from must be before to")
	}
	if s.backend == nil {
		return nil, apperr.New(apperr.KindNotConfigured, "list", "storage backend is not configured")
	}
	logs, err := s.backend.List(ctx, from, to)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNotConfigured, "list", err)
	}
	return logs, nil
}

// Close 关闭后端
func (s *Store) Close() error {
	if s.backend == nil {
		return nil
	}
	return s.backend.Close()
}
