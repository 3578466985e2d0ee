// Package session 数字人会话的生命周期控制器
package session

import (
	"LiveAvatarGateway/internal/apperr"
	"LiveAvatarGateway/internal/avatar"
	"LiveAvatarGateway/internal/conversation"
)

// Lifecycle 会话生命周期状态
type Lifecycle int

const (
	LifecycleIdle Lifecycle = iota
	LifecycleLoading
	LifecycleReady
	LifecycleError
)

func (l Lifecycle) String() string {
	switch l {
	case LifecycleIdle:
		return "IDLE"
	case LifecycleLoading:
		return "LOADING"
	case LifecycleReady:
		return "READY"
	case LifecycleError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// MarshalText 以名称编码
func (l Lifecycle) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// AvatarState Ready期间的对话轮次子状态
type AvatarState int

const (
	AvatarIdle AvatarState = iota
	AvatarListening
	AvatarThinking
	AvatarSpeaking
)

func (a AvatarState) String() string {
	switch a {
	case AvatarIdle:
		return "IDLE"
	case AvatarListening:
		return "LISTENING"
	case AvatarThinking:
		return "THINKING"
	case AvatarSpeaking:
		return "SPEAKING"
	default:
		return "UNKNOWN"
	}
}

// MarshalText 以名称编码
func (a AvatarState) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// 控制器错误
var (
	ErrNotReady       = &apperr.Error{Kind: apperr.KindInvalidInput, Op: "send", Msg: "session is not ready"}
	ErrTurnInProgress = &apperr.Error{Kind: apperr.KindInvalidInput, Op: "send", Msg: "avatar turn in progress"}
	ErrEmptyMessage   = &apperr.Error{Kind: apperr.KindInvalidInput, Op: "send", Msg: "message is empty"}
	ErrBusy           = &apperr.Error{Kind: apperr.KindInvalidInput, Op: "start", Msg: "session already active"}
	ErrNotFailed      = &apperr.Error{Kind: apperr.KindInvalidInput, Op: "retry", Msg: "session is not in error state"}
	ErrClosed         = &apperr.Error{Kind: apperr.KindUnrecoverable, Op: "controller", Msg: "controller closed"}
)

// 提示信息
const (
	NoticeSlowResponse     = "slow response: the avatar did not answer in time"
	NoticeMediaUnavailable = "media sink unavailable"
	NoticeKeepAliveFailed  = "keep-alive failed"
	NoticeSendFailed       = "message could not be delivered"
)

// Snapshot 会话状态的只读副本
type Snapshot struct {
	Lifecycle  Lifecycle                      `json:"lifecycle"`
	Avatar     AvatarState                    `json:"avatar"`
	Quality    avatar.Quality                 `json:"quality"`
	SessionID  string                         `json:"session_id,omitempty"`
	HasToken   bool                           `json:"has_token"`
	Language   string                         `json:"language,omitempty"`
	Error      string                         `json:"error,omitempty"`
	Notice     string                         `json:"notice,omitempty"`
	Transcript []conversation.TranscriptEvent `json:"transcript,omitempty"`
}

// TranscriptSink 接收被接受的转写片段；实现不得阻塞
type TranscriptSink interface {
	Submit(sessionID string, ev conversation.TranscriptEvent)
}

// Observer 每次状态发布后回调，在控制器的处理路径上执行，不得回调控制器的阻塞方法
type Observer func(Snapshot)

// StartOptions 单次启动参数
type StartOptions struct {
	Language  string
	AvatarID  string
	VoiceID   string
	ContextID string
}

func (o StartOptions) tokenRequest() avatar.TokenRequest {
	return avatar.TokenRequest{
		Language:  o.Language,
		AvatarID:  o.AvatarID,
		VoiceID:   o.VoiceID,
		ContextID: o.ContextID,
	}
}
