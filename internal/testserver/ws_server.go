// Package testserver 脚本化的数字人流式服务，用于集成测试与本地演示
package testserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"LiveAvatarGateway/internal/avatar"
	"LiveAvatarGateway/internal/logger"
	"LiveAvatarGateway/internal/protocol"
)

// ServerConfig 测试服务器配置
type ServerConfig struct {
	Addr              string
	ReplyDelay        time.Duration // 收到消息到数字人开口的延迟
	SpeechDuration    time.Duration // 数字人说话时长
	DuplicateReplies  bool          // 数字人转写是否重复推送
	FailStartTimes    int           // 前N次Start应答失败
	FailAttach        bool          // Attach总是失败
	Mute              bool          // 收到消息后不作任何回应
	Greeting          string        // 就绪后主动问候，为空则不问候
	RequireToken      string        // 非空时校验Bearer令牌
	MaxConnections    int
	ReadBufferSize    int
	WriteBufferSize   int
	EnableCompression bool
}

// DefaultServerConfig 返回默认配置
func DefaultServerConfig(addr string) *ServerConfig {
	return &ServerConfig{
		Addr:              addr,
		ReplyDelay:        20 * time.Millisecond,
		SpeechDuration:    20 * time.Millisecond,
		DuplicateReplies:  true,
		MaxConnections:    100,
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		EnableCompression: true,
	}
}

// Connection 表示一个WebSocket连接
type Connection struct {
	ID   string
	Conn *websocket.Conn

	writeMu   sync.Mutex
	stopChan  chan struct{}
	closeOnce sync.Once
}

// safeClose 安全关闭连接的stopChan
func (c *Connection) safeClose() {
	c.closeOnce.Do(func() {
		close(c.stopChan)
	})
}

// Stats 服务器统计
type Stats struct {
	TotalConnections uint64 `json:"total_connections"`
	ActiveConns      int32  `json:"active_connections"`
	Starts           uint64 `json:"starts"`
	Attaches         uint64 `json:"attaches"`
	Messages         uint64 `json:"messages"`
	Stops            uint64 `json:"stops"`
	EventsSent       uint64 `json:"events_sent"`
}

// Server 测试用WebSocket服务器
type Server struct {
	config   *ServerConfig
	server   *http.Server
	upgrader websocket.Upgrader
	mux      *http.ServeMux
	log      zerolog.Logger

	// 连接管理
	connections sync.Map // map[string]*Connection
	connCount   atomic.Int32
	connWg      sync.WaitGroup

	isRunning atomic.Bool

	failStartLeft atomic.Int32
	failAttach    atomic.Bool
	mute          atomic.Bool

	// 统计信息
	totalConnections atomic.Uint64
	starts           atomic.Uint64
	attaches         atomic.Uint64
	messages         atomic.Uint64
	stops            atomic.Uint64
	eventsSent       atomic.Uint64

	mu       sync.Mutex
	received []string
}

// New 创建新的测试服务器
func New(config *ServerConfig) *Server {
	if config == nil {
		config = DefaultServerConfig(":18090")
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = 100
	}

	s := &Server{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    config.ReadBufferSize,
			WriteBufferSize:   config.WriteBufferSize,
			EnableCompression: config.EnableCompression,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: logger.WithComponent("testserver"),
	}
	s.failStartLeft.Store(int32(config.FailStartTimes))
	s.failAttach.Store(config.FailAttach)
	s.mute.Store(config.Mute)

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/ws", s.handleWebSocket)
	s.mux.HandleFunc("/stats", s.handleStats)

	s.server = &http.Server{
		Addr:    config.Addr,
		Handler: s.mux,
	}

	return s
}

// Handler 返回HTTP处理器，便于挂到 httptest.Server
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start 启动服务器，监听成功后返回
func (s *Server) Start() error {
	if !s.isRunning.CompareAndSwap(false, true) {
		return fmt.Errorf("server is already running")
	}

	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		s.isRunning.Store(false)
		return fmt.Errorf("listen %s: %w", s.config.Addr, err)
	}

	s.log.Info().Str("addr", ln.Addr().String()).Msg("starting scripted avatar server")

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("server error")
		}
	}()

	return nil
}

// Shutdown 关闭服务器
func (s *Server) Shutdown(ctx context.Context) error {
	s.CloseAll()
	s.connWg.Wait()

	if !s.isRunning.CompareAndSwap(true, false) {
		return nil
	}
	s.log.Info().Msg("shutting down scripted avatar server")
	return s.server.Shutdown(ctx)
}

// CloseAll 关闭全部连接
func (s *Server) CloseAll() {
	s.connections.Range(func(key, value interface{}) bool {
		s.closeConnection(value.(*Connection), "server shutdown")
		return true
	})
}

// ForceDisconnectAll 推送disconnected事件后断开所有连接
func (s *Server) ForceDisconnectAll(reason string) {
	s.log.Info().Str("reason", reason).Msg("force disconnecting all connections")

	s.connections.Range(func(key, value interface{}) bool {
		conn := value.(*Connection)
		s.sendEvent(conn, avatar.Event{Kind: avatar.EventDisconnected, Reason: reason})
		s.closeConnection(conn, "force disconnect")
		return true
	})
}

// Broadcast 向所有连接推送事件
func (s *Server) Broadcast(ev avatar.Event) {
	s.connections.Range(func(key, value interface{}) bool {
		s.sendEvent(value.(*Connection), ev)
		return true
	})
}

// SetFailStartTimes 设置接下来Start失败的次数
func (s *Server) SetFailStartTimes(n int) { s.failStartLeft.Store(int32(n)) }

// SetFailAttach 设置Attach是否失败
func (s *Server) SetFailAttach(v bool) { s.failAttach.Store(v) }

// SetMute 设置是否对消息保持沉默
func (s *Server) SetMute(v bool) { s.mute.Store(v) }

// ReceivedMessages 收到的文本消息
func (s *Server) ReceivedMessages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.received))
	copy(out, s.received)
	return out
}

// GetStats 获取服务器统计信息
func (s *Server) GetStats() Stats {
	return Stats{
		TotalConnections: s.totalConnections.Load(),
		ActiveConns:      s.connCount.Load(),
		Starts:           s.starts.Load(),
		Attaches:         s.attaches.Load(),
		Messages:         s.messages.Load(),
		Stops:            s.stops.Load(),
		EventsSent:       s.eventsSent.Load(),
	}
}

// handleWebSocket 处理WebSocket连接
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.connCount.Load() >= int32(s.config.MaxConnections) {
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	if s.config.RequireToken != "" {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token != s.config.RequireToken {
			http.Error(w, "invalid session token", http.StatusUnauthorized)
			return
		}
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	connID := fmt.Sprintf("conn_%d_%d", time.Now().UnixNano(), s.totalConnections.Add(1))
	conn := &Connection{
		ID:       connID,
		Conn:     wsConn,
		stopChan: make(chan struct{}),
	}

	s.connections.Store(connID, conn)
	s.connCount.Add(1)

	s.connWg.Add(1)
	defer func() {
		s.closeConnection(conn, "connection ended")
		s.connWg.Done()
	}()

	s.readLoop(conn)
}

// readLoop 消息读取循环
func (s *Server) readLoop(conn *Connection) {
	conn.Conn.SetReadLimit(512 * 1024)

	for {
		select {
		case <-conn.stopChan:
			return
		default:
		}

		messageType, raw, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Debug().Err(err).Str("conn", conn.ID).Msg("connection read error")
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		var cmd protocol.Command
		opcode, err := protocol.DecodeJSON(raw, &cmd)
		if err != nil {
			s.log.Warn().Err(err).Msg("decode command failed")
			continue
		}

		if stop := s.handleCommand(conn, opcode, cmd); stop {
			return
		}
	}
}

// handleCommand 处理一个命令，返回是否应结束连接
func (s *Server) handleCommand(conn *Connection, opcode uint16, cmd protocol.Command) bool {
	switch opcode {
	case protocol.OpStart:
		s.starts.Add(1)
		if s.failStartLeft.Load() > 0 {
			s.failStartLeft.Add(-1)
			s.ack(conn, cmd.Seq, "start rejected")
			return false
		}
		s.ack(conn, cmd.Seq, "")
		s.sendEvent(conn, avatar.Event{Kind: avatar.EventSessionStateChanged, State: "connected"})
		s.sendEvent(conn, avatar.Event{Kind: avatar.EventStreamReady})
		s.sendEvent(conn, avatar.Event{Kind: avatar.EventConnectionQualityChanged, Quality: "good"})
		if s.config.Greeting != "" {
			go s.speak(conn, s.config.Greeting)
		}
	case protocol.OpAttach:
		s.attaches.Add(1)
		if s.failAttach.Load() {
			s.ack(conn, cmd.Seq, "no media sink")
			return false
		}
		s.ack(conn, cmd.Seq, "")
	case protocol.OpMessage:
		s.messages.Add(1)
		s.mu.Lock()
		s.received = append(s.received, cmd.Text)
		s.mu.Unlock()
		s.ack(conn, cmd.Seq, "")
		if s.mute.Load() {
			return false
		}
		s.sendEvent(conn, avatar.Event{Kind: avatar.EventUserTranscription, Text: cmd.Text})
		go s.speak(conn, "You said: "+cmd.Text)
	case protocol.OpStop:
		s.stops.Add(1)
		s.ack(conn, cmd.Seq, "")
		return true
	default:
		s.ack(conn, cmd.Seq, "unsupported command")
	}
	return false
}

// speak 按脚本模拟一次数字人发言
func (s *Server) speak(conn *Connection, reply string) {
	if !s.sleep(conn, s.config.ReplyDelay) {
		return
	}
	s.sendEvent(conn, avatar.Event{Kind: avatar.EventAvatarSpeechStarted})
	s.sendEvent(conn, avatar.Event{Kind: avatar.EventAvatarTranscription, Text: reply})
	if s.config.DuplicateReplies {
		s.sendEvent(conn, avatar.Event{Kind: avatar.EventAvatarTranscription, Text: reply})
	}
	if !s.sleep(conn, s.config.SpeechDuration) {
		return
	}
	s.sendEvent(conn, avatar.Event{Kind: avatar.EventAvatarSpeechEnded})
}

func (s *Server) sleep(conn *Connection, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-conn.stopChan:
		return false
	case <-t.C:
		return true
	}
}

func (s *Server) ack(conn *Connection, seq uint64, errMsg string) {
	s.send(conn, protocol.OpCommandAck, protocol.CommandAck{Seq: seq, OK: errMsg == "", Error: errMsg})
}

func (s *Server) sendEvent(conn *Connection, ev avatar.Event) {
	if err := s.send(conn, protocol.OpEvent, ev); err == nil {
		s.eventsSent.Add(1)
	}
}

// send 发送消息到连接
func (s *Server) send(conn *Connection, opcode uint16, body interface{}) error {
	frame, err := protocol.EncodeJSON(opcode, body)
	if err != nil {
		return err
	}

	select {
	case <-conn.stopChan:
		return fmt.Errorf("connection closed")
	default:
	}

	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()

	conn.Conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.Conn.WriteMessage(websocket.BinaryMessage, frame)
}

// closeConnection 关闭连接
func (s *Server) closeConnection(conn *Connection, reason string) {
	if _, loaded := s.connections.LoadAndDelete(conn.ID); !loaded {
		return
	}
	conn.safeClose()
	s.connCount.Add(-1)

	conn.writeMu.Lock()
	conn.Conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(time.Second))
	conn.writeMu.Unlock()
	conn.Conn.Close()

	s.log.Debug().Str("conn", conn.ID).Str("reason", reason).Msg("connection closed")
}

// handleStats 处理统计信息请求
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.GetStats())
}
