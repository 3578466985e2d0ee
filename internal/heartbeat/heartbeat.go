// Package heartbeat 会话活跃期间的周期性保活
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"LiveAvatarGateway/internal/logger"
	"LiveAvatarGateway/internal/observability/metrics"
)

// DefaultInterval 默认保活间隔
const DefaultInterval = 30 * time.Second

// KeepAliver 保活调用
type KeepAliver interface {
	KeepAlive(ctx context.Context, sessionToken string) error
}

// KeepAliveFunc 函数适配器
type KeepAliveFunc func(ctx context.Context, sessionToken string) error

// KeepAlive 实现 KeepAliver
func (f KeepAliveFunc) KeepAlive(ctx context.Context, sessionToken string) error {
	return f(ctx, sessionToken)
}

// Config 调度器配置
type Config struct {
	Interval    time.Duration
	CallTimeout time.Duration
	// OnFailure 保活失败时回调，run 为 Start 返回的调度编号；失败不会停止调度
	OnFailure func(run uint64, err error)
}

// Scheduler 每个控制器至多一个活动调度
type Scheduler struct {
	config Config
	client KeepAliver
	log    zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	runs   uint64
}

// New 创建调度器
func New(client KeepAliver, config Config) *Scheduler {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.CallTimeout <= 0 || config.CallTimeout > config.Interval {
		config.CallTimeout = config.Interval
	}
	return &Scheduler{
		config: config,
		client: client,
		log:    logger.WithComponent("heartbeat"),
	}
}

// Start 开始保活，首个调用在一个间隔之后；已启动时先停止旧的调度。返回本次调度编号
func (s *Scheduler) Start(sessionToken string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.runs++
	go s.loop(ctx, s.runs, sessionToken)
	return s.runs
}

// Stop 停止后续保活；可重复调用，未启动时也安全
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// Running 是否有活动调度
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Scheduler) stopLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// loop 保活循环
func (s *Scheduler) loop(ctx context.Context, run uint64, sessionToken string) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			s.beat(ctx, run, sessionToken)
		}
	}
}

func (s *Scheduler) beat(ctx context.Context, run uint64, sessionToken string) {
	callCtx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
	defer cancel()

	metrics.DefaultMetrics.HeartbeatsSent.Inc()
	err := s.client.KeepAlive(callCtx, sessionToken)
	if err == nil {
		s.log.Debug().Msg("keep-alive ok")
		return
	}
	// 已停止的调度不再上报
	if ctx.Err() != nil {
		return
	}

	metrics.DefaultMetrics.HeartbeatsFailed.Inc()
	s.log.Warn().Err(err).Msg("keep-alive failed, session continues")
	if s.config.OnFailure != nil {
		s.config.OnFailure(run, err)
	}
}
