// Package httpserver 网关HTTP接口：令牌签发、会话启动与保活代理、对话日志读写与实时推送
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"LiveAvatarGateway/internal/avatar"
	"LiveAvatarGateway/internal/liveavatar"
	"LiveAvatarGateway/internal/logger"
	"LiveAvatarGateway/internal/logstore"
)

// Upstream 上游会话API
type Upstream interface {
	Configured() bool
	IssueToken(ctx context.Context, req avatar.TokenRequest) (avatar.Token, error)
	StartSession(ctx context.Context, sessionToken string) (liveavatar.StartResponse, error)
	KeepAlive(ctx context.Context, sessionToken string) error
}

// Config HTTP服务配置
type Config struct {
	Addr           string        `mapstructure:"addr" yaml:"addr"`
	GRPCAddr       string        `mapstructure:"grpc_addr" yaml:"grpc_addr"`
	AllowedOrigins []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		GRPCAddr:       ":9090",
		AllowedOrigins: []string{"*"},
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    60 * time.Second,
	}
}

// APIServer 网关HTTP服务器
type APIServer struct {
	config    Config
	router    *mux.Router
	server    *http.Server
	store     *logstore.Store
	upstream  Upstream
	hub       *FeedHub
	startTime time.Time
	log       zerolog.Logger
}

// NewAPIServer 创建服务器。store或upstream可为nil，对应接口返回未配置错误
func NewAPIServer(config Config, store *logstore.Store, upstream Upstream) *APIServer {
	if store == nil {
		store = logstore.New(nil)
	}
	s := &APIServer{
		config:    config,
		router:    mux.NewRouter(),
		store:     store,
		upstream:  upstream,
		hub:       NewFeedHub(nil),
		startTime: time.Now(),
		log:       logger.WithComponent("http"),
	}
	store.AddListener(s.hub)
	go s.hub.Run()

	s.setupRoutes()

	origins := config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})

	s.server = &http.Server{
		Addr:         config.Addr,
		Handler:      c.Handler(s.router),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

// setupRoutes 设置路由
func (s *APIServer) setupRoutes() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.metricsMiddleware)

	api := s.router.PathPrefix("/api/liveavatar").Subrouter()

	// 上游会话代理
	api.HandleFunc("/token", s.tokenHandler).Methods(http.MethodPost)
	api.HandleFunc("/start", s.startHandler).Methods(http.MethodPost)
	api.HandleFunc("/keep-alive", s.keepAliveHandler).Methods(http.MethodPost)

	// 对话日志写入
	api.HandleFunc("/log", s.logHandler).Methods(http.MethodPost)
	api.HandleFunc("/log/batch", s.logBatchHandler).Methods(http.MethodPost)

	// 对话日志查询，stream须在{sessionId}之前注册
	logs := api.PathPrefix("/logs").Subrouter()
	logs.HandleFunc("", s.listLogsHandler).Methods(http.MethodGet)
	logs.HandleFunc("/stream", s.hub.HandleWebSocket).Methods(http.MethodGet)
	logs.HandleFunc("/{sessionId}", s.getLogHandler).Methods(http.MethodGet)

	// 健康检查和监控
	s.router.HandleFunc("/health", s.healthCheckHandler).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

// Handler 返回完整的HTTP处理链
func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}

// Hub 实时推送中心
func (s *APIServer) Hub() *FeedHub {
	return s.hub
}

// Start 阻塞监听，直到 Shutdown
func (s *APIServer) Start() error {
	s.log.Info().Str("addr", s.config.Addr).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 优雅关闭
func (s *APIServer) Shutdown(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	s.hub.Close()
	return err
}
