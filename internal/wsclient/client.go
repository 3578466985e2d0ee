package wsclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"LiveAvatarGateway/internal/apperr"
	"LiveAvatarGateway/internal/avatar"
	"LiveAvatarGateway/internal/logger"
	"LiveAvatarGateway/internal/protocol"
)

// ClientState 客户端连接状态
type ClientState int32

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrNotConnected = errors.New("client is not connected")
	ErrClosed       = errors.New("client closed")
)

// StateChangeHandler 状态变化处理器
type StateChangeHandler func(oldState, newState ClientState)

// ClientConfig 客户端配置
type ClientConfig struct {
	URL               string
	Token             string
	HandshakeTimeout  time.Duration
	CommandTimeout    time.Duration
	WriteTimeout      time.Duration
	PingInterval      time.Duration
	EventBuffer       int
	EnableCompression bool
	UserAgent         string
}

// DefaultClientConfig 返回默认配置
func DefaultClientConfig(url, token string) *ClientConfig {
	return &ClientConfig{
		URL:               url,
		Token:             token,
		HandshakeTimeout:  10 * time.Second,
		CommandTimeout:    15 * time.Second,
		WriteTimeout:      5 * time.Second,
		PingInterval:      20 * time.Second,
		EventBuffer:       64,
		EnableCompression: true,
		UserAgent:         "LiveAvatarGateway/1.0",
	}
}

// Client 数字人流式传输的WebSocket客户端，实现 avatar.Transport。
// 断线不会自动重连：连接意外结束时推送一条 disconnected 事件后关闭事件通道。
type Client struct {
	config *ClientConfig
	dialer *websocket.Dialer
	conn   *websocket.Conn
	state  atomic.Int32
	log    zerolog.Logger

	onStateChange StateChangeHandler

	// 同步控制
	mu        sync.Mutex
	writeMu   sync.Mutex // 专用于WebSocket写入同步
	stopChan  chan struct{}
	closeOnce sync.Once
	stopping  atomic.Bool
	events    chan avatar.Event

	// 命令应答
	seq     atomic.Uint64
	pending map[uint64]chan protocol.CommandAck

	// 统计
	eventsReceived atomic.Uint64
	commandsSent   atomic.Uint64
}

// New 创建新的WebSocket客户端
func New(config *ClientConfig) *Client {
	if config == nil {
		panic("config cannot be nil")
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = 64
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = config.HandshakeTimeout
	dialer.EnableCompression = config.EnableCompression

	client := &Client{
		config:   config,
		dialer:   &dialer,
		stopChan: make(chan struct{}),
		events:   make(chan avatar.Event, config.EventBuffer),
		pending:  make(map[uint64]chan protocol.CommandAck),
		log:      logger.WithComponent("wsclient"),
	}

	client.setState(StateDisconnected)
	return client
}

// SetStateChangeHandler 设置状态变化处理器
func (c *Client) SetStateChangeHandler(handler StateChangeHandler) {
	c.mu.Lock()
	c.onStateChange = handler
	c.mu.Unlock()
}

func (c *Client) stateHandler() StateChangeHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onStateChange
}

// Connect 连接到服务器
func (c *Client) Connect(ctx context.Context) error {
	if !c.compareAndSwapState(StateDisconnected, StateConnecting) {
		return errors.New("client is not in disconnected state")
	}

	headers := http.Header{
		"User-Agent":    []string{c.config.UserAgent},
		"Authorization": []string{"Bearer " + c.config.Token},
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.config.URL, headers)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.setState(StateDisconnected)
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return apperr.Wrap(apperr.KindInvalidInput, "dial", fmt.Errorf("handshake rejected (%d): %w", resp.StatusCode, err))
		}
		return apperr.Wrap(apperr.KindTransientIO, "dial", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.setState(StateConnected)

	// 启动后台任务
	go c.readLoop(conn)
	if c.config.PingInterval > 0 {
		go c.pingLoop(conn)
	}

	return nil
}

// Events 入站事件通道
func (c *Client) Events() <-chan avatar.Event {
	return c.events
}

// Start 请求服务端启动会话
func (c *Client) Start(ctx context.Context) error {
	return c.command(ctx, protocol.OpStart, protocol.Command{})
}

// Attach 挂接本地媒体接收端
func (c *Client) Attach(ctx context.Context, sinkID string) error {
	return c.command(ctx, protocol.OpAttach, protocol.Command{SinkID: sinkID})
}

// Message 发送文本消息
func (c *Client) Message(ctx context.Context, text string) error {
	return c.command(ctx, protocol.OpMessage, protocol.Command{Text: text})
}

// Stop 通知服务端停止并关闭连接；可重复调用
func (c *Client) Stop(ctx context.Context) error {
	var err error
	c.stopping.Store(true)
	if c.getState() == StateConnected {
		err = c.command(ctx, protocol.OpStop, protocol.Command{})
		if errors.Is(err, ErrClosed) {
			err = nil
		}
	}
	c.Close()
	return err
}

// Close 关闭客户端连接
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		close(c.stopChan)

		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()

		if conn != nil {
			c.writeMu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stop"),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
			err = conn.Close()
		}
		c.failPending(ErrClosed)
	})
	return err
}

// command 发送命令并等待应答
func (c *Client) command(ctx context.Context, opcode uint16, cmd protocol.Command) error {
	if c.getState() != StateConnected {
		return apperr.Wrap(apperr.KindTransientIO, protocol.OpcodeToString(opcode), ErrNotConnected)
	}

	cmd.Seq = c.seq.Add(1)
	ackCh := make(chan protocol.CommandAck, 1)

	c.mu.Lock()
	c.pending[cmd.Seq] = ackCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, cmd.Seq)
		c.mu.Unlock()
	}()

	if err := c.send(opcode, cmd); err != nil {
		return apperr.Wrap(apperr.KindTransientIO, protocol.OpcodeToString(opcode), err)
	}
	c.commandsSent.Add(1)

	timeout := time.NewTimer(c.config.CommandTimeout)
	defer timeout.Stop()

	select {
	case ack, ok := <-ackCh:
		if !ok {
			return apperr.Wrap(apperr.KindTransientIO, protocol.OpcodeToString(opcode), ErrClosed)
		}
		if !ack.OK {
			return apperr.New(apperr.KindTransientIO, protocol.OpcodeToString(opcode), ack.Error)
		}
		return nil
	case <-timeout.C:
		return apperr.New(apperr.KindTransientIO, protocol.OpcodeToString(opcode), "command ack timeout")
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopChan:
		return apperr.Wrap(apperr.KindTransientIO, protocol.OpcodeToString(opcode), ErrClosed)
	}
}

// send 发送一帧
func (c *Client) send(opcode uint16, body interface{}) error {
	frame, err := protocol.EncodeJSON(opcode, body)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return errors.New("connection is nil")
	}

	// 使用专用的写入锁防止并发写入
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

// readLoop 消息读取循环，唯一的事件发送方，退出时关闭事件通道
func (c *Client) readLoop(conn *websocket.Conn) {
	defer close(c.events)

	for {
		messageType, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.stopChan:
				// 主动关闭
			default:
				if c.stopping.Load() {
					return
				}
				c.log.Warn().Err(err).Msg("read failed, reporting disconnect")
				c.setState(StateDisconnected)
				c.failPending(ErrClosed)
				c.emit(avatar.Event{Kind: avatar.EventDisconnected, Reason: err.Error()})
			}
			return
		}

		if messageType != websocket.BinaryMessage {
			continue
		}

		c.handleFrame(raw)
	}
}

// handleFrame 处理一帧
func (c *Client) handleFrame(raw []byte) {
	opcode, body, err := protocol.DecodeFrame(raw)
	if err != nil {
		c.log.Warn().Err(err).Msg("decode frame failed")
		return
	}

	switch opcode {
	case protocol.OpCommandAck:
		var ack protocol.CommandAck
		if _, err := protocol.DecodeJSON(raw, &ack); err != nil {
			c.log.Warn().Err(err).Msg("bad ack")
			return
		}
		c.resolve(ack.Seq, ack)
	case protocol.OpEvent:
		var ev avatar.Event
		if _, err := protocol.DecodeJSON(raw, &ev); err != nil {
			c.log.Warn().Err(err).Msg("bad event")
			return
		}
		c.eventsReceived.Add(1)
		c.emit(ev)
	default:
		c.log.Debug().Str("opcode", protocol.OpcodeToString(opcode)).Int("bytes", len(body)).Msg("ignored frame")
	}
}

// emit 投递事件；关闭后丢弃
func (c *Client) emit(ev avatar.Event) {
	select {
	case c.events <- ev:
	case <-c.stopChan:
	}
}

// pingLoop WebSocket层保活
func (c *Client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			if c.getState() != StateConnected {
				return
			}
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.config.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.log.Debug().Err(err).Msg("ping failed")
			}
		}
	}
}

// resolve 认领并应答一个等待中的命令。认领与删除在同一把锁内完成，
// 每个应答通道至多被写入一次；投递不阻塞，发起方可能已因超时离开
func (c *Client) resolve(seq uint64, ack protocol.CommandAck) {
	c.mu.Lock()
	ch, ok := c.pending[seq]
	delete(c.pending, seq)
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- ack:
	default:
	}
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	seqs := make([]uint64, 0, len(c.pending))
	for seq := range c.pending {
		seqs = append(seqs, seq)
	}
	c.mu.Unlock()
	for _, seq := range seqs {
		c.resolve(seq, protocol.CommandAck{Seq: seq, OK: false, Error: err.Error()})
	}
}

// getState 获取当前状态
func (c *Client) getState() ClientState {
	return ClientState(c.state.Load())
}

// State 当前状态
func (c *Client) State() ClientState {
	return c.getState()
}

// setState 设置状态
func (c *Client) setState(newState ClientState) {
	oldState := ClientState(c.state.Swap(int32(newState)))
	if h := c.stateHandler(); oldState != newState && h != nil {
		h(oldState, newState)
	}
}

// compareAndSwapState 原子性状态切换
func (c *Client) compareAndSwapState(oldState, newState ClientState) bool {
	swapped := c.state.CompareAndSwap(int32(oldState), int32(newState))
	if h := c.stateHandler(); swapped && h != nil {
		h(oldState, newState)
	}
	return swapped
}

// GetStats 获取客户端统计信息
func (c *Client) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"state":           c.getState().String(),
		"events_received": c.eventsReceived.Load(),
		"commands_sent":   c.commandsSent.Load(),
	}
}
