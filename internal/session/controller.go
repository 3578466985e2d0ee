package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"LiveAvatarGateway/internal/apperr"
	"LiveAvatarGateway/internal/avatar"
	"LiveAvatarGateway/internal/conversation"
	"LiveAvatarGateway/internal/heartbeat"
	"LiveAvatarGateway/internal/logger"
	"LiveAvatarGateway/internal/observability/metrics"
	"LiveAvatarGateway/internal/retry"
	"LiveAvatarGateway/internal/transcript"
	"LiveAvatarGateway/internal/watchdog"
)

// Config 控制器配置
type Config struct {
	// Defaults 启动参数中未填写的字段取此处的值
	Defaults          StartOptions
	SinkID            string
	Retry             retry.Policy
	ResponseTimeout   time.Duration
	HeartbeatInterval time.Duration
	StopTimeout       time.Duration
	InboxSize         int
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Defaults:          StartOptions{Language: "it"},
		SinkID:            "local-media",
		Retry:             retry.DefaultPolicy(),
		ResponseTimeout:   watchdog.DefaultTimeout,
		HeartbeatInterval: heartbeat.DefaultInterval,
		StopTimeout:       5 * time.Second,
		InboxSize:         128,
	}
}

// Option 控制器选项
type Option func(*Controller)

// WithSink 设置转写片段接收方
func WithSink(sink TranscriptSink) Option {
	return func(c *Controller) { c.sink = sink }
}

// WithObserver 设置状态观察者
func WithObserver(fn Observer) Option {
	return func(c *Controller) { c.observer = fn }
}

// WithWatchdogOptions 透传看门狗选项（测试注入计时器）
func WithWatchdogOptions(opts ...watchdog.Option) Option {
	return func(c *Controller) { c.watchdogOpts = append(c.watchdogOpts, opts...) }
}

// Controller 单个会话的所有者。
// 所有命令、传输事件与计时器触发都经由同一个收件箱串行处理，
// 会话状态只在该处理路径上读写。
type Controller struct {
	config Config
	issuer avatar.TokenIssuer
	dialer avatar.Dialer
	log    zerolog.Logger // 只读，可在任意goroutine使用

	sink         TranscriptSink
	observer     Observer
	watchdogOpts []watchdog.Option

	heartbeat *heartbeat.Scheduler
	watchdog  *watchdog.Watchdog
	dedup     *transcript.Deduplicator

	inbox     chan func()
	closed    chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	snapshot atomic.Pointer[Snapshot]
	waitMu   sync.Mutex
	changed  chan struct{}

	// 以下字段仅在收件箱goroutine中访问
	slog       zerolog.Logger // 带sessionId的日志
	lifecycle  Lifecycle
	avatar     AvatarState
	quality    avatar.Quality
	token      avatar.Token
	opts       StartOptions
	errMsg     string
	notice     string
	transcript []conversation.TranscriptEvent

	gen           uint64          // 启动尝试代数，stop/retry 后旧尝试的投递被丢弃
	turn          uint64
	beatRun       uint64          // 当前会话的保活调度编号
	sessionCtx    context.Context // 会话作用域，释放时取消，后台发送由此派生
	attemptCancel context.CancelFunc
	transport     avatar.Transport
}

// New 创建控制器并启动其处理循环；keepAliver 为nil时不做保活
func New(issuer avatar.TokenIssuer, dialer avatar.Dialer, keepAliver heartbeat.KeepAliver, config Config, opts ...Option) *Controller {
	if config.InboxSize <= 0 {
		config.InboxSize = 128
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = 5 * time.Second
	}

	c := &Controller{
		config:  config,
		issuer:  issuer,
		dialer:  dialer,
		log:     logger.WithComponent("session"),
		dedup:   transcript.NewDeduplicator(),
		inbox:   make(chan func(), config.InboxSize),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
		changed: make(chan struct{}),
	}
	c.slog = c.log
	for _, opt := range opts {
		opt(c)
	}

	c.watchdog = watchdog.New(config.ResponseTimeout, func(gen uint64) {
		c.post(func() { c.onWatchdog(gen) })
	}, c.watchdogOpts...)

	if keepAliver != nil {
		c.heartbeat = heartbeat.New(keepAliver, heartbeat.Config{
			Interval: config.HeartbeatInterval,
			OnFailure: func(run uint64, err error) {
				c.post(func() { c.onKeepAliveFailed(run, err) })
			},
		})
	}

	c.publish()
	go c.run()
	return c
}

// Snapshot 当前状态的副本
func (c *Controller) Snapshot() Snapshot {
	return *c.snapshot.Load()
}

// Wait 阻塞直到状态满足cond或ctx结束
func (c *Controller) Wait(ctx context.Context, cond func(Snapshot) bool) (Snapshot, error) {
	for {
		c.waitMu.Lock()
		ch := c.changed
		snap := *c.snapshot.Load()
		c.waitMu.Unlock()

		if cond(snap) {
			return snap, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-c.done:
			return snap, ErrClosed
		}
	}
}

// Start Idle时开始一次启动尝试，立即返回；进度通过快照观察
func (c *Controller) Start(ctx context.Context, opts StartOptions) error {
	return c.call(ctx, func() error {
		if c.lifecycle != LifecycleIdle {
			return ErrBusy
		}
		c.beginAttempt(c.withDefaults(opts))
		return nil
	})
}

// Retry Error时以相同参数重新启动
func (c *Controller) Retry(ctx context.Context) error {
	var released avatar.Transport
	err := c.call(ctx, func() error {
		if c.lifecycle != LifecycleError {
			return ErrNotFailed
		}
		released = c.releaseLocked()
		c.beginAttempt(c.opts)
		return nil
	})
	c.stopTransport(released)
	return err
}

// Stop 任意状态下回到Idle；取消进行中的重试与所有计时器，释放传输。可重复调用。
func (c *Controller) Stop(ctx context.Context) error {
	var released avatar.Transport
	err := c.call(ctx, func() error {
		released = c.stopLocked()
		return nil
	})
	if err != nil {
		return err
	}
	c.stopTransport(released)
	return nil
}

// ChangeLanguage 停止当前会话后以新语言重新启动
func (c *Controller) ChangeLanguage(ctx context.Context, language string) error {
	if language == "" {
		return apperr.New(apperr.KindInvalidInput, "change language", "language is empty")
	}

	var (
		opts     StartOptions
		released avatar.Transport
	)
	err := c.call(ctx, func() error {
		opts = c.opts
		if opts == (StartOptions{}) {
			opts = c.config.Defaults
		}
		opts.Language = language
		released = c.stopLocked()
		c.beginAttempt(c.withDefaults(opts))
		return nil
	})
	c.stopTransport(released)
	return err
}

// SendMessage 提交一条用户文本。会话未就绪或数字人正在思考/说话时拒绝且不改变任何状态。
// 接受后立即进入Thinking并布防看门狗，发送在后台进行，失败时回到Idle并给出提示。
func (c *Controller) SendMessage(ctx context.Context, text string) error {
	return c.call(ctx, func() error {
		if text == "" {
			return ErrEmptyMessage
		}
		if c.lifecycle != LifecycleReady {
			return ErrNotReady
		}
		if c.avatar == AvatarThinking || c.avatar == AvatarSpeaking {
			return ErrTurnInProgress
		}

		tr := c.transport
		if tr == nil || c.sessionCtx == nil {
			return ErrNotReady
		}

		c.turn++
		gen, turn := c.gen, c.turn
		c.notice = ""
		c.setAvatar(AvatarThinking)
		c.watchdog.Arm()
		c.publish()

		go c.deliver(c.sessionCtx, gen, turn, tr, text)
		return nil
	})
}

// Close 停止会话并结束处理循环
func (c *Controller) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.StopTimeout)
	defer cancel()

	err := c.Stop(ctx)
	if errors.Is(err, ErrClosed) {
		err = nil
	}
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	<-c.done
	return err
}

// run 收件箱处理循环
func (c *Controller) run() {
	defer close(c.done)
	for {
		select {
		case fn := <-c.inbox:
			fn()
		case <-c.closed:
			return
		}
	}
}

// post 投递到收件箱；控制器关闭后返回false
func (c *Controller) post(fn func()) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.inbox <- fn:
		return true
	case <-c.closed:
		return false
	}
}

// call 在收件箱中执行fn并等待结果
func (c *Controller) call(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	if !c.post(func() { result <- fn() }) {
		return ErrClosed
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

func (c *Controller) withDefaults(opts StartOptions) StartOptions {
	d := c.config.Defaults
	if opts.Language == "" {
		opts.Language = d.Language
	}
	if opts.AvatarID == "" {
		opts.AvatarID = d.AvatarID
	}
	if opts.VoiceID == "" {
		opts.VoiceID = d.VoiceID
	}
	if opts.ContextID == "" {
		opts.ContextID = d.ContextID
	}
	return opts
}

// beginAttempt 进入Loading并在后台执行启动步骤
func (c *Controller) beginAttempt(opts StartOptions) {
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.sessionCtx = ctx
	c.attemptCancel = cancel

	c.opts = opts
	c.errMsg = ""
	c.notice = ""
	c.transcript = nil
	c.dedup.Reset()
	c.setAvatar(AvatarIdle)
	c.setLifecycle(LifecycleLoading)
	c.publish()

	metrics.DefaultMetrics.SessionsStarted.Inc()
	c.slog.Info().Str("language", opts.Language).Uint64("attempt", gen).Msg("session starting")

	go c.runAttempt(ctx, gen, opts)
}

// runAttempt 令牌获取、会话启动、媒体挂接，每步各自有重试预算
func (c *Controller) runAttempt(ctx context.Context, gen uint64, opts StartOptions) {
	var token avatar.Token
	err := retry.Do(ctx, c.config.Retry, func(ctx context.Context) error {
		var err error
		token, err = c.issuer.IssueToken(ctx, opts.tokenRequest())
		return err
	}, retry.WithName("token"), retry.WithNotify(c.notifyRetry("token")))
	if err != nil {
		c.post(func() { c.failAttempt(gen, "token", err) })
		return
	}
	c.post(func() { c.onToken(gen, token) })

	var tr avatar.Transport
	err = retry.Do(ctx, c.config.Retry, func(ctx context.Context) error {
		if tr == nil {
			dialed, err := c.dialer.Dial(ctx, token)
			if err != nil {
				return err
			}
			tr = dialed
			c.post(func() { c.onTransport(gen, dialed) })
			go c.pump(gen, dialed)
		}
		return tr.Start(ctx)
	}, retry.WithName("start"), retry.WithNotify(c.notifyRetry("start")))
	if err != nil {
		c.post(func() { c.failAttempt(gen, "stream", err) })
		return
	}

	err = retry.Do(ctx, c.config.Retry, func(ctx context.Context) error {
		return tr.Attach(ctx, c.config.SinkID)
	}, retry.WithName("attach"), retry.WithNotify(c.notifyRetry("attach")))
	if err != nil && ctx.Err() == nil {
		c.post(func() { c.onAttachFailed(gen, err) })
	}
}

func (c *Controller) notifyRetry(step string) retry.NotifyFunc {
	return func(err error, wait time.Duration) {
		c.log.Warn().Err(err).Str("step", step).Dur("wait", wait).Msg("step failed, retrying")
	}
}

// pump 将传输事件按到达顺序转入收件箱
func (c *Controller) pump(gen uint64, tr avatar.Transport) {
	for ev := range tr.Events() {
		if !c.post(func() { c.handleEvent(gen, ev) }) {
			return
		}
	}
}

// deliver 后台发送一条消息；会话释放时随 parent 一起放弃重试
func (c *Controller) deliver(parent context.Context, gen, turn uint64, tr avatar.Transport, text string) {
	ctx, cancel := context.WithTimeout(parent, c.config.ResponseTimeout)
	defer cancel()

	err := retry.Do(ctx, c.config.Retry, func(ctx context.Context) error {
		return tr.Message(ctx, text)
	}, retry.WithName("message"), retry.WithNotify(c.notifyRetry("message")))
	if err != nil {
		c.post(func() { c.onSendFailed(gen, turn, err) })
	}
}

func (c *Controller) onToken(gen uint64, token avatar.Token) {
	if gen != c.gen {
		return
	}
	c.token = token
	c.slog = logger.WithSession("session", token.SessionID)
	c.slog.Info().Msg("session token acquired")
	c.publish()
}

func (c *Controller) onTransport(gen uint64, tr avatar.Transport) {
	if gen != c.gen {
		// 已被stop/retry取代
		go c.stopTransport(tr)
		return
	}
	c.transport = tr
}

func (c *Controller) failAttempt(gen uint64, cause string, err error) {
	if gen != c.gen || c.lifecycle != LifecycleLoading {
		return
	}
	c.fail(cause, apperr.Wrap(apperr.KindUnrecoverable, cause, err))
}

// fail 进入Error；释放计时器与传输，令牌保留直到stop
func (c *Controller) fail(cause string, err error) {
	metrics.DefaultMetrics.SessionsFailed.WithLabelValues(cause).Inc()
	c.slog.Error().Err(err).Str("cause", cause).Msg("session failed")

	released := c.releaseLocked()
	go c.stopTransport(released)

	c.errMsg = err.Error()
	c.setAvatar(AvatarIdle)
	c.setLifecycle(LifecycleError)
	c.publish()
}

func (c *Controller) onAttachFailed(gen uint64, err error) {
	if gen != c.gen || (c.lifecycle != LifecycleLoading && c.lifecycle != LifecycleReady) {
		return
	}
	c.slog.Warn().Err(err).Msg("media sink attach failed, continuing without media")
	c.notice = NoticeMediaUnavailable
	c.publish()
}

func (c *Controller) onSendFailed(gen, turn uint64, err error) {
	if gen != c.gen || turn != c.turn || c.avatar != AvatarThinking {
		return
	}
	c.slog.Warn().Err(err).Msg("message send failed")
	c.watchdog.Cancel()
	c.setAvatar(AvatarIdle)
	c.notice = NoticeSendFailed
	c.publish()
}

func (c *Controller) onWatchdog(gen uint64) {
	if gen != c.watchdog.Generation() || c.lifecycle != LifecycleReady || c.avatar != AvatarThinking {
		return
	}
	metrics.DefaultMetrics.WatchdogFired.Inc()
	c.slog.Warn().Dur("timeout", c.watchdog.Timeout()).Msg("avatar response timed out")
	c.setAvatar(AvatarIdle)
	c.notice = NoticeSlowResponse
	c.publish()
}

func (c *Controller) onKeepAliveFailed(run uint64, err error) {
	if run != c.beatRun || c.lifecycle != LifecycleReady {
		return
	}
	c.notice = NoticeKeepAliveFailed
	c.publish()
}

// releaseLocked 取消进行中的尝试与计时器，返回待停止的传输
func (c *Controller) releaseLocked() avatar.Transport {
	if c.attemptCancel != nil {
		c.attemptCancel()
		c.attemptCancel = nil
	}
	c.sessionCtx = nil
	c.beatRun = 0
	if c.heartbeat != nil {
		c.heartbeat.Stop()
	}
	c.watchdog.Cancel()
	if c.lifecycle == LifecycleReady {
		metrics.DefaultMetrics.SessionsActive.Dec()
	}

	tr := c.transport
	c.transport = nil
	return tr
}

// stopLocked 回到Idle；保留转写记录
func (c *Controller) stopLocked() avatar.Transport {
	if c.lifecycle == LifecycleIdle {
		return nil
	}

	released := c.releaseLocked()
	c.gen++
	c.token = avatar.Token{}
	c.quality = avatar.QualityUnknown
	c.errMsg = ""
	c.notice = ""
	c.setAvatar(AvatarIdle)
	c.setLifecycle(LifecycleIdle)
	c.publish()

	c.slog.Info().Msg("session stopped")
	c.slog = logger.WithComponent("session")
	return released
}

func (c *Controller) stopTransport(tr avatar.Transport) {
	if tr == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.config.StopTimeout)
	defer cancel()
	if err := tr.Stop(ctx); err != nil {
		c.log.Debug().Err(err).Msg("transport stop failed")
	}
}

func (c *Controller) setLifecycle(to Lifecycle) {
	if c.lifecycle == to {
		return
	}
	metrics.DefaultMetrics.StateTransitions.WithLabelValues(c.lifecycle.String(), to.String()).Inc()
	c.slog.Debug().Stringer("from", c.lifecycle).Stringer("to", to).Msg("lifecycle transition")
	c.lifecycle = to
}

func (c *Controller) setAvatar(to AvatarState) {
	c.avatar = to
}

// publish 发布快照并唤醒等待者
func (c *Controller) publish() {
	snap := &Snapshot{
		Lifecycle: c.lifecycle,
		Avatar:    c.avatar,
		Quality:   c.quality,
		SessionID: c.token.SessionID,
		HasToken:  c.token.SessionToken != "",
		Language:  c.opts.Language,
		Error:     c.errMsg,
		Notice:    c.notice,
	}
	if len(c.transcript) > 0 {
		snap.Transcript = make([]conversation.TranscriptEvent, len(c.transcript))
		copy(snap.Transcript, c.transcript)
	}

	c.waitMu.Lock()
	c.snapshot.Store(snap)
	close(c.changed)
	c.changed = make(chan struct{})
	c.waitMu.Unlock()

	if c.observer != nil {
		c.observer(*snap)
	}
}
