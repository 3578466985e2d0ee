// Package watchdog 单次响应超时计时器
package watchdog

import (
	"sync"
	"time"
)

// DefaultTimeout 默认等待对端回复的时长
const DefaultTimeout = 30 * time.Second

// Stopper 可停止的计时器
type Stopper interface {
	Stop() bool
}

// AfterFunc 计时器工厂，默认为 time.AfterFunc
type AfterFunc func(d time.Duration, f func()) Stopper

func realAfterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}

// FireFunc 触发回调，参数为触发时的代数；由回调自行判断是否仍然相关
type FireFunc func(generation uint64)

// Watchdog 任意时刻至多一个未决计时器
type Watchdog struct {
	mu        sync.Mutex
	timeout   time.Duration
	onFire    FireFunc
	afterFunc AfterFunc
	timer     Stopper
	gen       uint64
}

// Option 看门狗选项
type Option func(*Watchdog)

// WithAfterFunc 注入计时器工厂（测试用）
func WithAfterFunc(fn AfterFunc) Option {
	return func(w *Watchdog) { w.afterFunc = fn }
}

// New 创建看门狗，timeout<=0 时使用 DefaultTimeout
func New(timeout time.Duration, onFire FireFunc, opts ...Option) *Watchdog {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	w := &Watchdog{
		timeout:   timeout,
		onFire:    onFire,
		afterFunc: realAfterFunc,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Timeout 返回配置的超时
func (w *Watchdog) Timeout() time.Duration {
	return w.timeout
}

// Arm 取消并替换已有计时器，返回新的代数
func (w *Watchdog) Arm() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopLocked()
	w.gen++
	gen := w.gen
	w.timer = w.afterFunc(w.timeout, func() { w.fire(gen) })
	return gen
}

// Cancel 幂等；未布防时调用也安全
func (w *Watchdog) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.stopLocked()
		w.gen++
	}
}

// Armed 是否有未决计时器
func (w *Watchdog) Armed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timer != nil
}

// Generation 当前代数，触发回调可据此丢弃过期的触发
func (w *Watchdog) Generation() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.gen
}

func (w *Watchdog) stopLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *Watchdog) fire(gen uint64) {
	w.mu.Lock()
	if gen != w.gen || w.timer == nil {
		w.mu.Unlock()
		return
	}
	// 触发后隐式解除
	w.timer = nil
	onFire := w.onFire
	w.mu.Unlock()

	if onFire != nil {
		onFire(gen)
	}
}
