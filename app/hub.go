package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	msgProgress = "progress"
	msgData     = "data_change"
	msgConnect  = "connected"

	wsWriteWait = 5 * time.Second
	hubBufSize  = 64
)

// WSMessage websocket 消息的通用格式
type WSMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Hub 维护 websocket 客户端并广播进度与数据变更
type Hub struct {
	clients    map[*websocket.Conn]struct{}
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.Mutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]struct{}),
		broadcast:  make(chan []byte, hubBufSize),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run 处理注册与广播，ctx 结束时关闭所有连接
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			return
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = struct{}{}
			h.mu.Unlock()
			slog.Debug("WebSocket 客户端已连接", "remote", conn.RemoteAddr().String())
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
				slog.Debug("WebSocket 客户端已断开", "remote", conn.RemoteAddr().String())
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					// 读循环负责注销
					slog.Debug("WebSocket 写入失败", "remote", conn.RemoteAddr().String(), "err", err)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Clients 当前连接数
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast 广播消息，队列满时丢弃
func (h *Hub) Broadcast(msgType string, data any) {
	payload, err := json.Marshal(WSMessage{Type: msgType, Data: data})
	if err != nil {
		slog.Error(fmt.Sprintf("WebSocket 消息序列化失败: %v", err))
		return
	}
	select {
	case h.broadcast <- payload:
	default:
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWs 升级连接，先发送当前快照再加入广播
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request, greeting ...WSMessage) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn(fmt.Sprintf("WebSocket 升级失败: %v", err))
		return
	}
	for _, msg := range greeting {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(msg); err != nil {
			conn.Close()
			return
		}
	}
	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	// 读循环，用于感知客户端关闭
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					slog.Debug("WebSocket 异常关闭", "err", err)
				}
				return
			}
		}
	}()
}
