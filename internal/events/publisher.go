// Package events 将对话日志追加事件发布到Kafka
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"LiveAvatarGateway/internal/conversation"
	"LiveAvatarGateway/internal/logger"
	"LiveAvatarGateway/internal/observability/metrics"
)

// Config Kafka发布配置
type Config struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Brokers      []string      `mapstructure:"brokers" yaml:"brokers"`
	Topic        string        `mapstructure:"topic" yaml:"topic"`
	Principal    string        `mapstructure:"principal" yaml:"principal"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// DefaultConfig 默认关闭
func DefaultConfig() Config {
	return Config{
		Topic:        "liveavatar.conversation",
		Principal:    "liveavatar-gateway",
		WriteTimeout: 10 * time.Second,
	}
}

// MessagesAppended 一次追加对应的事件负载
type MessagesAppended struct {
	SessionID   string                 `json:"session_id"`
	Messages    []conversation.Message `json:"messages"`
	Total       int                    `json:"total_messages"`
	StartedAt   time.Time              `json:"started_at"`
	LastUpdated time.Time              `json:"last_updated"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher 实现 logstore.Listener。未启用时只记录日志
type Publisher struct {
	writer    messageWriter
	topic     string
	principal string
	enabled   bool
	metrics   *metrics.Metrics
	log       zerolog.Logger
}

// New 创建发布器
func New(cfg *Config) *Publisher {
	p := &Publisher{
		metrics: metrics.DefaultMetrics,
		log:     logger.WithComponent("events"),
	}
	if cfg == nil {
		p.log.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return p
	}
	p.topic = cfg.Topic
	p.principal = cfg.Principal
	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		p.log.Info().Msg("Kafka disabled, using log-only mode")
		return p
	}

	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: writeTimeout,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
	}
	p.enabled = true

	p.log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic", cfg.Topic).
		Str("principal", cfg.Principal).
		Msg("Kafka publisher initialized")
	return p
}

// Enabled 是否真正写入Kafka
func (p *Publisher) Enabled() bool { return p.enabled }

// OnAppend 实现 logstore.Listener。以会话ID为key，保证同一会话分区内有序
func (p *Publisher) OnAppend(ctx context.Context, log *conversation.Log, appended []conversation.Message) {
	event := MessagesAppended{
		SessionID:   log.SessionID,
		Messages:    appended,
		Total:       len(log.Messages),
		StartedAt:   log.StartedAt,
		LastUpdated: log.LastUpdatedAt,
	}
	_ = p.Publish(ctx, log.SessionID, "messages_appended", event)
}

// Publish 序列化并写入一条事件
func (p *Publisher) Publish(ctx context.Context, key, eventType string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		p.log.Error().Err(err).Str("topic", p.topic).Msg("Failed to marshal event")
		p.metrics.PublishErrors.Inc()
		return err
	}

	p.log.Debug().
		Str("topic", p.topic).
		Str("key", key).
		Str("eventType", eventType).
		RawJSON("payload", payload).
		Msg("Publishing event")

	if !p.enabled || p.writer == nil {
		p.metrics.PublishTotal.Inc()
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Error().Err(err).Str("topic", p.topic).Str("key", key).Msg("Failed to write to Kafka")
		p.metrics.PublishErrors.Inc()
		return err
	}
	p.metrics.PublishTotal.Inc()
	return nil
}

// Close 关闭writer
func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	if err := p.writer.Close(); err != nil {
		p.log.Error().Err(err).Msg("Error closing kafka writer")
		return err
	}
	return nil
}
