// Package logstore 会话对话日志的合并存储
package logstore

import (
	"context"
	"errors"
	"time"

	"LiveAvatarGateway/internal/conversation"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("conversation log not found")
	// ErrConflict 唯一键冲突或版本不匹配
	ErrConflict = errors.New("conversation log write conflict")
)

// Record 带乐观锁版本的日志记录
type Record struct {
	Log     *conversation.Log
	Version int64
}

// Backend 存储后端。
// Create 在同一 sessionId 已存在时返回 ErrConflict；
// Update 仅在当前版本等于 version 时写入，否则返回 ErrConflict。
type Backend interface {
	Load(ctx context.Context, sessionID string) (Record, error)
	Create(ctx context.Context, log *conversation.Log) (Record, error)
	Update(ctx context.Context, log *conversation.Log, version int64) (Record, error)
	List(ctx context.Context, from, to time.Time) ([]*conversation.Log, error)
	Ping(ctx context.Context) error
	Close() error
}

// Listener 追加成功后的通知
type Listener interface {
	OnAppend(ctx context.Context, log *conversation.Log, appended []conversation.Message)
}

// ListenerFunc 函数适配器
type ListenerFunc func(ctx context.Context, log *conversation.Log, appended []conversation.Message)

// OnAppend 实现 Listener
func (f ListenerFunc) OnAppend(ctx context.Context, log *conversation.Log, appended []conversation.Message) {
	f(ctx, log, appended)
}
