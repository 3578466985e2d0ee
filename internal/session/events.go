package session

import (
	"time"

	"LiveAvatarGateway/internal/apperr"
	"LiveAvatarGateway/internal/avatar"
	"LiveAvatarGateway/internal/conversation"
	"LiveAvatarGateway/internal/observability/metrics"
)

// handleEvent 在收件箱中按到达顺序处理一个传输事件
func (c *Controller) handleEvent(gen uint64, ev avatar.Event) {
	if gen != c.gen {
		return
	}

	switch ev.Kind {
	case avatar.EventSessionStateChanged:
		c.slog.Debug().Str("state", ev.State).Msg("stream state changed")
		return
	case avatar.EventStreamReady:
		c.onStreamReady()
		return
	case avatar.EventDisconnected:
		if c.lifecycle == LifecycleLoading || c.lifecycle == LifecycleReady {
			reason := ev.Reason
			if reason == "" {
				reason = "stream disconnected"
			}
			c.fail("disconnected", apperr.New(apperr.KindUnrecoverable, "disconnected", reason))
		}
		return
	case avatar.EventConnectionQualityChanged:
		if c.lifecycle == LifecycleLoading || c.lifecycle == LifecycleReady {
			c.quality = avatar.ParseQuality(ev.Quality)
			c.publish()
		}
		return
	}

	// 对话事件只在Ready时有效
	if c.lifecycle != LifecycleReady {
		c.slog.Debug().Stringer("event", ev.Kind).Stringer("lifecycle", c.lifecycle).Msg("event ignored outside ready")
		return
	}

	switch ev.Kind {
	case avatar.EventUserSpeechStarted:
		c.watchdog.Cancel()
		c.dedup.ResetSpeaker(conversation.SpeakerUser)
		c.setAvatar(AvatarListening)
	case avatar.EventUserSpeechEnded:
		if c.avatar != AvatarListening {
			return
		}
		c.setAvatar(AvatarThinking)
		c.watchdog.Arm()
	case avatar.EventAvatarSpeechStarted:
		c.watchdog.Cancel()
		c.dedup.ResetSpeaker(conversation.SpeakerAvatar)
		if c.notice == NoticeSlowResponse {
			c.notice = ""
		}
		c.setAvatar(AvatarSpeaking)
	case avatar.EventAvatarSpeechEnded:
		c.watchdog.Cancel()
		if c.avatar != AvatarSpeaking {
			return
		}
		c.setAvatar(AvatarIdle)
	case avatar.EventUserTranscription:
		if !c.acceptTranscript(conversation.SpeakerUser, ev.Text) {
			return
		}
	case avatar.EventAvatarTranscription:
		if !c.acceptTranscript(conversation.SpeakerAvatar, ev.Text) {
			return
		}
	default:
		return
	}
	c.publish()
}

func (c *Controller) onStreamReady() {
	if c.lifecycle != LifecycleLoading {
		return
	}
	c.setAvatar(AvatarIdle)
	c.setLifecycle(LifecycleReady)
	metrics.DefaultMetrics.SessionsActive.Inc()
	if c.heartbeat != nil {
		c.beatRun = c.heartbeat.Start(c.token.SessionToken)
	}
	c.slog.Info().Msg("stream ready")
	c.publish()
}

// acceptTranscript 经过滤器后记录并转发片段
func (c *Controller) acceptTranscript(speaker conversation.Speaker, text string) bool {
	if !c.dedup.Accept(speaker, text) {
		return false
	}
	ev := conversation.TranscriptEvent{Speaker: speaker, Text: text, ObservedAt: time.Now().UTC()}
	c.transcript = append(c.transcript, ev)
	if c.sink != nil {
		c.sink.Submit(c.token.SessionID, ev)
	}
	return true
}
