// Package conversation 对话转写与持久化日志的数据模型
package conversation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Speaker 发言方
type Speaker int

const (
	SpeakerUser Speaker = iota + 1
	SpeakerAvatar
)

func (s Speaker) String() string {
	switch s {
	case SpeakerUser:
		return "user"
	case SpeakerAvatar:
		return "avatar"
	default:
		return "unknown"
	}
}

// Valid 是否为已知发言方
func (s Speaker) Valid() bool {
	return s == SpeakerUser || s == SpeakerAvatar
}

// ParseSpeaker 解析 "user"/"avatar"
func ParseSpeaker(v string) (Speaker, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "user":
		return SpeakerUser, nil
	case "avatar":
		return SpeakerAvatar, nil
	default:
		return 0, fmt.Errorf("unknown speaker %q", v)
	}
}

// MarshalJSON 输出为 "user"/"avatar"
func (s Speaker) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid speaker %d", int(s))
	}
	return json.Marshal(s.String())
}

// UnmarshalJSON 从 "user"/"avatar" 解析
func (s *Speaker) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	parsed, err := ParseSpeaker(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// TranscriptEvent 一条入站转写片段
type TranscriptEvent struct {
	Speaker    Speaker   `json:"speaker"`
	Text       string    `json:"text"`
	ObservedAt time.Time `json:"observed_at"`
}

// Message 对话日志中的一行
type Message struct {
	Speaker   Speaker   `json:"type"`
	Text      string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Log 单个会话的持久化对话日志
type Log struct {
	SessionID     string    `json:"session_id"`
	Messages      []Message `json:"messages"`
	StartedAt     time.Time `json:"started_at"`
	LastUpdatedAt time.Time `json:"last_updated"`
}

// Clone 深拷贝，避免调用方修改存储内部状态
func (l *Log) Clone() *Log {
	if l == nil {
		return nil
	}
	out := *l
	out.Messages = append([]Message(nil), l.Messages...)
	return &out
}
