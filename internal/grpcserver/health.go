// Package grpcserver 对外暴露标准gRPC健康检查，状态跟随日志存储可达性
package grpcserver

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"LiveAvatarGateway/internal/logger"
)

// LogStoreService 存储子服务在健康检查中的名称
const LogStoreService = "liveavatar.LogStore"

// Pinger 可探测的依赖
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthServer gRPC健康检查服务
type HealthServer struct {
	server   *grpc.Server
	health   *health.Server
	store    Pinger
	interval time.Duration
	log      zerolog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewHealthServer 创建服务；store为nil时存储子服务报告NOT_SERVING
func NewHealthServer(store Pinger, interval time.Duration) *HealthServer {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	srv := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 5 * time.Second,
		}),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	return &HealthServer{
		server:   srv,
		health:   hs,
		store:    store,
		interval: interval,
		log:      logger.WithComponent("grpc"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Refresh 探测一次存储并更新状态
func (h *HealthServer) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if h.store == nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	} else if err := h.store.Ping(ctx); err != nil {
		h.log.Warn().Err(err).Msg("log store unreachable")
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.health.SetServingStatus(LogStoreService, status)
	h.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return status
}

// Serve 在lis上提供服务并定期刷新状态，直到 Stop
func (h *HealthServer) Serve(lis net.Listener) error {
	h.Refresh(context.Background())
	go h.watch()

	h.log.Info().Str("addr", lis.Addr().String()).Msg("gRPC health server listening")
	if err := h.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func (h *HealthServer) watch() {
	defer close(h.done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), h.interval/2)
			h.Refresh(ctx)
			cancel()
		case <-h.stop:
			return
		}
	}
}

// Stop 标记为不可用并优雅停止
func (h *HealthServer) Stop() {
	h.stopOnce.Do(func() {
		close(h.stop)
		h.health.Shutdown()
		h.server.GracefulStop()
	})
}
