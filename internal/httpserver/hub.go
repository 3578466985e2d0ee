package httpserver

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"LiveAvatarGateway/internal/conversation"
	"LiveAvatarGateway/internal/logger"
)

const (
	feedWriteWait  = 5 * time.Second
	feedPongWait   = 60 * time.Second
	feedPingPeriod = 50 * time.Second
	feedSendBuffer = 64
)

// FeedMessage 推送给订阅者的消息
type FeedMessage struct {
	Type      string                 `json:"type"`
	SessionID string                 `json:"session_id,omitempty"`
	Messages  []conversation.Message `json:"messages,omitempty"`
	Total     int                    `json:"total_messages,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

type feedClient struct {
	conn      *websocket.Conn
	send      chan FeedMessage
	sessionID string
}

// FeedHub 对话日志实时推送，实现 logstore.Listener。
// 订阅者可通过 ?session_id= 只接收单个会话；发送缓冲满的订阅者会被断开。
type FeedHub struct {
	clients    map[*feedClient]bool
	broadcast  chan FeedMessage
	register   chan *feedClient
	unregister chan *feedClient
	stop       chan struct{}
	done       chan struct{}
	stopOnce   sync.Once

	mu    sync.RWMutex
	count int

	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewFeedHub 创建推送中心，需调用 Run
func NewFeedHub(checkOrigin func(r *http.Request) bool) *FeedHub {
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &FeedHub{
		clients:    make(map[*feedClient]bool),
		broadcast:  make(chan FeedMessage, 256),
		register:   make(chan *feedClient),
		unregister: make(chan *feedClient),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		log: logger.WithComponent("feed"),
	}
}

// Run 处理注册与广播，直到 Close
func (h *FeedHub) Run() {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
			h.setCount(len(h.clients))
			h.log.Debug().Int("clients", len(h.clients)).Msg("feed client connected")

		case c := <-h.unregister:
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
				h.setCount(len(h.clients))
				h.log.Debug().Int("clients", len(h.clients)).Msg("feed client disconnected")
			}

		case msg := <-h.broadcast:
			for c := range h.clients {
				if c.sessionID != "" && c.sessionID != msg.SessionID {
					continue
				}
				select {
				case c.send <- msg:
				default:
					h.log.Warn().Str("remote", c.conn.RemoteAddr().String()).Msg("feed client too slow, dropping")
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.setCount(len(h.clients))

		case <-h.stop:
			for c := range h.clients {
				close(c.send)
			}
			h.clients = map[*feedClient]bool{}
			h.setCount(0)
			return
		}
	}
}

// Close 停止推送并断开所有订阅者
func (h *FeedHub) Close() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}

// ClientCount 当前订阅者数量
func (h *FeedHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

func (h *FeedHub) setCount(n int) {
	h.mu.Lock()
	h.count = n
	h.mu.Unlock()
}

// OnAppend 实现 logstore.Listener，缓冲满时丢弃
func (h *FeedHub) OnAppend(ctx context.Context, log *conversation.Log, appended []conversation.Message) {
	msg := FeedMessage{
		Type:      "messages_appended",
		SessionID: log.SessionID,
		Messages:  appended,
		Total:     len(log.Messages),
		Timestamp: log.LastUpdatedAt,
	}
	select {
	case h.broadcast <- msg:
	default:
		h.log.Warn().Str("sessionId", log.SessionID).Msg("feed broadcast buffer full, message dropped")
	}
}

// HandleWebSocket 升级连接并注册订阅者
func (h *FeedHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("feed upgrade failed")
		return
	}

	c := &feedClient{
		conn:      conn,
		send:      make(chan FeedMessage, feedSendBuffer),
		sessionID: r.URL.Query().Get("session_id"),
	}
	c.send <- FeedMessage{Type: "connected", SessionID: c.sessionID, Timestamp: time.Now().UTC()}
	select {
	case h.register <- c:
	case <-h.stop:
		conn.Close()
		return
	}

	go c.writePump()
	h.readPump(c)
}

// readPump 只处理控制帧，连接出错即注销
func (h *FeedHub) readPump(c *feedClient) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug().Err(err).Msg("feed connection error")
			}
			return
		}
	}
}

func (c *feedClient) writePump() {
	ticker := time.NewTicker(feedPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
