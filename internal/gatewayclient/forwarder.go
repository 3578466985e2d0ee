package gatewayclient

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"LiveAvatarGateway/internal/apperr"
	"LiveAvatarGateway/internal/conversation"
	"LiveAvatarGateway/internal/logger"
	"LiveAvatarGateway/internal/retry"
)

// BatchPoster 批量写入对话日志。只有 NotCommitted 认定的错误会被重发
type BatchPoster interface {
	PostBatch(ctx context.Context, sessionID string, messages []conversation.Message) (int, error)
}

// ForwarderConfig 上报配置
type ForwarderConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	QueueSize     int
	CallTimeout   time.Duration
	Retry         retry.Policy
}

// DefaultForwarderConfig 默认配置
func DefaultForwarderConfig() ForwarderConfig {
	return ForwarderConfig{
		BatchSize:     10,
		FlushInterval: 2 * time.Second,
		QueueSize:     256,
		CallTimeout:   10 * time.Second,
		Retry:         retry.DefaultPolicy(),
	}
}

type queued struct {
	sessionID string
	message   conversation.Message
}

// Forwarder 后台批量上报被接受的转写片段，实现 session.TranscriptSink。
// 同一会话的消息按提交顺序上报；队列满时丢弃并计数，不阻塞会话。
type Forwarder struct {
	poster BatchPoster
	config ForwarderConfig
	log    zerolog.Logger

	queue     chan queued
	flushReq  chan chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	sent    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

// NewForwarder 创建并启动上报器
func NewForwarder(poster BatchPoster, config ForwarderConfig) *Forwarder {
	if config.BatchSize <= 0 {
		config.BatchSize = 10
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 2 * time.Second
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = 10 * time.Second
	}

	f := &Forwarder{
		poster:   poster,
		config:   config,
		log:      logger.WithComponent("forwarder"),
		queue:    make(chan queued, config.QueueSize),
		flushReq: make(chan chan struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go f.loop()
	return f
}

// Submit 实现 session.TranscriptSink
func (f *Forwarder) Submit(sessionID string, ev conversation.TranscriptEvent) {
	if sessionID == "" {
		f.dropped.Add(1)
		return
	}
	item := queued{
		sessionID: sessionID,
		message:   conversation.Message{Speaker: ev.Speaker, Text: ev.Text, Timestamp: ev.ObservedAt},
	}
	select {
	case f.queue <- item:
	case <-f.stop:
		f.dropped.Add(1)
	default:
		f.dropped.Add(1)
		f.log.Warn().Str("sessionId", sessionID).Msg("forward queue full, message dropped")
	}
}

// Flush 立即上报已排队的消息并等待完成
func (f *Forwarder) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case f.flushReq <- ack:
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 上报剩余消息后停止
func (f *Forwarder) Close(ctx context.Context) error {
	f.closeOnce.Do(func() { close(f.stop) })
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats 上报统计
func (f *Forwarder) Stats() (sent, failed, dropped uint64) {
	return f.sent.Load(), f.failed.Load(), f.dropped.Load()
}

func (f *Forwarder) loop() {
	defer close(f.done)

	ticker := time.NewTicker(f.config.FlushInterval)
	defer ticker.Stop()

	pending := make(map[string][]conversation.Message)
	var order []string

	add := func(item queued) {
		if _, ok := pending[item.sessionID]; !ok {
			order = append(order, item.sessionID)
		}
		pending[item.sessionID] = append(pending[item.sessionID], item.message)
		if len(pending[item.sessionID]) >= f.config.BatchSize {
			f.send(item.sessionID, pending[item.sessionID])
			delete(pending, item.sessionID)
			order = remove(order, item.sessionID)
		}
	}
	flushAll := func() {
		for _, id := range order {
			f.send(id, pending[id])
			delete(pending, id)
		}
		order = order[:0]
	}
	drain := func() {
		for {
			select {
			case item := <-f.queue:
				add(item)
			default:
				return
			}
		}
	}

	for {
		select {
		case item := <-f.queue:
			add(item)
		case <-ticker.C:
			flushAll()
		case ack := <-f.flushReq:
			drain()
			flushAll()
			close(ack)
		case <-f.stop:
			drain()
			flushAll()
			return
		}
	}
}

func (f *Forwarder) send(sessionID string, messages []conversation.Message) {
	if len(messages) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.config.CallTimeout)
	defer cancel()

	err := retry.Do(ctx, f.config.Retry, func(ctx context.Context) error {
		_, err := f.poster.PostBatch(ctx, sessionID, messages)
		if err != nil && !apperr.IsPermanent(err) && !NotCommitted(err) {
			// 结果未知，重发可能重复写入
			return apperr.Wrap(apperr.KindUnrecoverable, "log_batch", err)
		}
		return err
	}, retry.WithName("log_batch"))
	if err != nil {
		f.failed.Add(uint64(len(messages)))
		f.log.Error().Err(err).Str("sessionId", sessionID).Int("messages", len(messages)).Msg("transcript forward failed")
		return
	}
	f.sent.Add(uint64(len(messages)))
}

func remove(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
