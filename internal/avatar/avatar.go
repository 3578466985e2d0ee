// Package avatar 流式数字人服务的边界类型：入站事件、传输命令与令牌签发
package avatar

import (
	"context"
	"encoding/json"
	"fmt"
)

// EventKind 入站事件的封闭集合
type EventKind int

const (
	EventSessionStateChanged EventKind = iota + 1
	EventStreamReady
	EventDisconnected
	EventConnectionQualityChanged
	EventUserSpeechStarted
	EventUserSpeechEnded
	EventUserTranscription
	EventAvatarSpeechStarted
	EventAvatarSpeechEnded
	EventAvatarTranscription
)

var eventKindNames = map[EventKind]string{
	EventSessionStateChanged:      "session_state_changed",
	EventStreamReady:              "stream_ready",
	EventDisconnected:             "disconnected",
	EventConnectionQualityChanged: "connection_quality_changed",
	EventUserSpeechStarted:        "user_speech_started",
	EventUserSpeechEnded:          "user_speech_ended",
	EventUserTranscription:        "user_transcription",
	EventAvatarSpeechStarted:      "avatar_speech_started",
	EventAvatarSpeechEnded:        "avatar_speech_ended",
	EventAvatarTranscription:      "avatar_transcription",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// ParseEventKind 由名称解析事件类型
func ParseEventKind(name string) (EventKind, error) {
	for k, n := range eventKindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown event kind %q", name)
}

// MarshalJSON 事件类型以名称编码
func (k EventKind) MarshalJSON() ([]byte, error) {
	if _, ok := eventKindNames[k]; !ok {
		return nil, fmt.Errorf("invalid event kind %d", int(k))
	}
	return json.Marshal(k.String())
}

// UnmarshalJSON 由名称解码
func (k *EventKind) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseEventKind(name)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Quality 连接质量，仅供参考
type Quality int

const (
	QualityUnknown Quality = iota
	QualityGood
	QualityBad
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "GOOD"
	case QualityBad:
		return "BAD"
	default:
		return "UNKNOWN"
	}
}

// MarshalText 以名称编码
func (q Quality) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

// ParseQuality 解析连接质量，未知值返回 QualityUnknown
func ParseQuality(v string) Quality {
	switch v {
	case "GOOD", "good":
		return QualityGood
	case "BAD", "bad":
		return QualityBad
	default:
		return QualityUnknown
	}
}

// Event 入站事件；只有与类型相关的字段有值
type Event struct {
	Kind    EventKind `json:"kind"`
	Text    string    `json:"text,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	State   string    `json:"state,omitempty"`
	Quality string    `json:"quality,omitempty"`
}

// Transport 流式传输的命令面，每个命令都可能异步失败。
// Events 在 Stop 之后关闭。
type Transport interface {
	Start(ctx context.Context) error
	Attach(ctx context.Context, sinkID string) error
	Message(ctx context.Context, text string) error
	Stop(ctx context.Context) error
	Events() <-chan Event
}

// Dialer 用会话令牌创建传输
type Dialer interface {
	Dial(ctx context.Context, token Token) (Transport, error)
}

// DialerFunc 函数适配器
type DialerFunc func(ctx context.Context, token Token) (Transport, error)

// Dial 实现 Dialer
func (f DialerFunc) Dial(ctx context.Context, token Token) (Transport, error) {
	return f(ctx, token)
}

// TokenRequest 令牌请求
type TokenRequest struct {
	Language  string `json:"language"`
	AvatarID  string `json:"avatar_id,omitempty"`
	VoiceID   string `json:"voice_id,omitempty"`
	ContextID string `json:"context_id,omitempty"`
}

// Token 令牌签发结果
type Token struct {
	SessionID    string `json:"session_id"`
	SessionToken string `json:"session_token"`
}

// TokenIssuer 令牌签发方；API凭据由服务端持有，不暴露给会话调用方
type TokenIssuer interface {
	IssueToken(ctx context.Context, req TokenRequest) (Token, error)
}
