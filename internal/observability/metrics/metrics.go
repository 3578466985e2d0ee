// Package metrics 网关的Prometheus指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "liveavatar"

// Metrics 所有指标
type Metrics struct {
	// 会话
	SessionsStarted  prometheus.Counter
	SessionsFailed   *prometheus.CounterVec
	SessionsActive   prometheus.Gauge
	StateTransitions *prometheus.CounterVec

	// 重试
	RetryAttempts *prometheus.CounterVec

	// 心跳与看门狗
	HeartbeatsSent   prometheus.Counter
	HeartbeatsFailed prometheus.Counter
	WatchdogFired    prometheus.Counter

	// 转写
	TranscriptsAccepted   *prometheus.CounterVec
	TranscriptsSuppressed *prometheus.CounterVec

	// 对话日志存储
	LogAppends       *prometheus.CounterVec
	LogAppendLatency prometheus.Histogram
	LogMergeConflict prometheus.Counter
	MessagesSaved    prometheus.Counter

	// 事件发布
	PublishTotal  prometheus.Counter
	PublishErrors prometheus.Counter

	// HTTP
	HTTPRequests *prometheus.CounterVec
	HTTPLatency  *prometheus.HistogramVec
}

// DefaultMetrics 全局指标实例
var DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)

// NewMetrics 在指定注册器上创建并注册指标
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total number of session start attempts",
		}),
		SessionsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_failed_total",
			Help:      "Total number of sessions that entered the error state",
		}, []string{"cause"}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions currently ready",
		}),
		StateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Lifecycle state transitions",
		}, []string{"from", "to"}),
		RetryAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Retries performed by the backoff executor",
		}, []string{"operation"}),
		HeartbeatsSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_sent_total",
			Help:      "Keep-alive calls issued",
		}),
		HeartbeatsFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_failed_total",
			Help:      "Keep-alive calls that failed",
		}),
		WatchdogFired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watchdog_fired_total",
			Help:      "Response timeouts detected",
		}),
		TranscriptsAccepted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_accepted_total",
			Help:      "Transcript fragments accepted by the deduplicator",
		}, []string{"speaker"}),
		TranscriptsSuppressed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_suppressed_total",
			Help:      "Transcript fragments rejected as empty or duplicate",
		}, []string{"speaker"}),
		LogAppends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_appends_total",
			Help:      "Conversation log append calls by result",
		}, []string{"result"}),
		LogAppendLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "log_append_duration_seconds",
			Help:      "Conversation log append latency",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		LogMergeConflict: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_merge_conflicts_total",
			Help:      "Create or update races resolved by re-merging",
		}),
		MessagesSaved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_messages_saved_total",
			Help:      "Messages persisted to conversation logs",
		}),
		PublishTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Conversation events published to Kafka",
		}),
		PublishErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_publish_errors_total",
			Help:      "Conversation events that failed to publish",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"route", "status"}),
		HTTPLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}
