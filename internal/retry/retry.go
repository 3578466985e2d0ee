// Package retry 对可失败操作的指数退避重试
package retry

import (
	"context"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	"LiveAvatarGateway/internal/apperr"
	"LiveAvatarGateway/internal/observability/metrics"
)

// Policy 重试策略：最多 MaxRetries+1 次尝试，第k次失败后等待 InitialDelay*2^k
type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration
	// Jitter 随机化系数，0表示不加抖动
	Jitter float64
}

// DefaultPolicy 默认策略
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, InitialDelay: time.Second}
}

// Operation 被重试的操作，ctx取消时应尽快返回
type Operation func(ctx context.Context) error

// NotifyFunc 每次等待前回调
type NotifyFunc func(err error, wait time.Duration)

type options struct {
	name   string
	timer  backoff.Timer
	notify NotifyFunc
}

// Option 执行器选项
type Option func(*options)

// WithName 指标与日志中使用的操作名
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithTimer 注入等待计时器（测试用）
func WithTimer(t backoff.Timer) Option {
	return func(o *options) { o.timer = t }
}

// WithNotify 设置等待回调
func WithNotify(fn NotifyFunc) Option {
	return func(o *options) { o.notify = fn }
}

// NewBackOff 按策略构造退避序列
func NewBackOff(p Policy) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.Multiplier = 2
	b.RandomizationFactor = p.Jitter
	b.MaxInterval = time.Duration(math.MaxInt64)
	b.MaxElapsedTime = 0
	b.Reset()

	maxRetries := p.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return backoff.WithMaxRetries(b, uint64(maxRetries))
}

// Do 执行op直到成功、重试预算耗尽或ctx被取消。
// 预算耗尽时返回最后一次的错误；ctx取消后不会再调用op。
// 被 apperr 标记为永久的错误不会重试。
func Do(ctx context.Context, p Policy, op Operation, opts ...Option) error {
	o := options{name: "operation"}
	for _, opt := range opts {
		opt(&o)
	}

	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		err := op(ctx)
		if err != nil && apperr.IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		metrics.DefaultMetrics.RetryAttempts.WithLabelValues(o.name).Inc()
		if o.notify != nil {
			o.notify(err, wait)
		}
	}

	bo := backoff.WithContext(NewBackOff(p), ctx)
	return backoff.RetryNotifyWithTimer(operation, bo, notify, o.timer)
}
