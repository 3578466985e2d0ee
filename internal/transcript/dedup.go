// Package transcript 流式转写片段过滤
package transcript

import (
	"LiveAvatarGateway/internal/conversation"
	"LiveAvatarGateway/internal/observability/metrics"
)

// Deduplicator 按发言方记住最后一次接受的文本，只与紧邻的上一个值比较。
// 非并发安全，由会话的串行处理路径独占。
type Deduplicator struct {
	last map[conversation.Speaker]string
}

// NewDeduplicator 创建过滤器
func NewDeduplicator() *Deduplicator {
	return &Deduplicator{last: make(map[conversation.Speaker]string)}
}

// Accept 返回片段是否应被接受；接受时更新该发言方的基线
func (d *Deduplicator) Accept(speaker conversation.Speaker, text string) bool {
	if text == "" {
		metrics.DefaultMetrics.TranscriptsSuppressed.WithLabelValues(speaker.String()).Inc()
		return false
	}
	if prev, ok := d.last[speaker]; ok && prev == text {
		metrics.DefaultMetrics.TranscriptsSuppressed.WithLabelValues(speaker.String()).Inc()
		return false
	}
	d.last[speaker] = text
	metrics.DefaultMetrics.TranscriptsAccepted.WithLabelValues(speaker.String()).Inc()
	return true
}

// ResetSpeaker 发言开始边界：清除该发言方的基线
func (d *Deduplicator) ResetSpeaker(speaker conversation.Speaker) {
	delete(d.last, speaker)
}

// Reset 清除所有基线
func (d *Deduplicator) Reset() {
	clear(d.last)
}
