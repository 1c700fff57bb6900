package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
	"tracktrace/internal/ledger"
	"tracktrace/internal/types"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 16
)

// SnapshotMessage 推送给前端的环境快照
type SnapshotMessage struct {
	Env        string                             `json:"env"`
	Version    uint64                             `json:"version"`
	Workpieces map[string]*types.WorkpieceHistory `json:"workpieces"`
}

// NewSnapshotMessage 把账本快照转换为推送消息
func NewSnapshotMessage(s *ledger.Snapshot) SnapshotMessage {
	return SnapshotMessage{Env: s.Env, Version: s.Version, Workpieces: s.Map()}
}

// client 一个订阅了某个环境的 WebSocket 连接
type client struct {
	env  string
	conn *websocket.Conn
	send chan []byte
}

type envMessage struct {
	env  string
	data []byte
}

// Hub 负责管理所有的 WebSocket 客户端连接，并按环境广播快照
type Hub struct {
	clients    map[*client]bool // 只在 Run 的 goroutine 中访问
	broadcast  chan envMessage
	register   chan *client
	unregister chan *client
	snapshot   func(env string) any // 新连接注册时发送的初始快照
	done       chan struct{}        // Run 退出后关闭
	logger     *slog.Logger
}

// NewHub 创建一个新的 Hub 实例，snapshot 可为空
func NewHub(snapshot func(env string) any, logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan envMessage, 64),
		register:   make(chan *client),
		unregister: make(chan *client),
		snapshot:   snapshot,
		done:       make(chan struct{}),
		logger:     logger.With("component", "ws-hub"),
	}
}

// Run 启动 Hub 的主循环，直到 ctx 结束
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			return
		case c := <-h.register:
			h.clients[c] = true
			// 初始快照在主循环中发送，保证它排在之后的广播前面
			if h.snapshot != nil {
				if data, err := json.Marshal(h.snapshot(c.env)); err == nil {
					h.deliver(c, data)
				} else {
					h.logger.Error("序列化快照失败", "error", err)
				}
			}
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
		case msg := <-h.broadcast:
			for c := range h.clients {
				if c.env == msg.env {
					h.deliver(c, msg.data)
				}
			}
		}
	}
}

// deliver 不阻塞主循环，发送队列满的慢客户端直接断开
func (h *Hub) deliver(c *client, data []byte) {
	select {
	case c.send <- data:
	default:
		h.logger.Warn("客户端发送队列已满，断开连接", "env", c.env)
		delete(h.clients, c)
		close(c.send)
	}
}

// Broadcast 将状态序列化为 JSON 并发送给订阅该环境的客户端
// 由事件总线的处理器调用，广播队列满时丢弃，不阻塞引擎
func (h *Hub) Broadcast(env string, state any) {
	data, err := json.Marshal(state)
	if err != nil {
		h.logger.Error("序列化状态失败", "error", err)
		return
	}
	select {
	case h.broadcast <- envMessage{env: env, data: data}:
	default:
		h.logger.Warn("广播队列已满，丢弃快照", "env", env)
	}
}

// upgrader 将普通的 HTTP 连接升级为 WebSocket 连接
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 允许所有来源的连接，生产环境中应配置为特定的域名
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWs 处理来自客户端的 WebSocket 请求，?env= 指定订阅的环境
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	env := r.URL.Query().Get("env")
	if env == "" {
		http.Error(w, "missing env", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("升级 WebSocket 失败", "error", err)
		return
	}
	c := &client{env: env, conn: conn, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

// writePump 把发送队列中的消息写到连接，队列关闭时关闭连接
func (h *Hub) writePump(c *client) {
	defer c.conn.Close()
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Warn("写入 WebSocket 失败", "error", err, "env", c.env)
			h.drop(c)
			// 继续读空队列，直到 Hub 关闭它
			for range c.send {
			}
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// readPump 只用于发现客户端断开，客户端发来的内容被忽略
func (h *Hub) readPump(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.drop(c)
			return
		}
	}
}

func (h *Hub) drop(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
