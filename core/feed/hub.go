package feed

import (
	"encoding/json"
	"sync"
	"time"

	"MeloForge/logger"
	"MeloForge/model"

	"github.com/gorilla/websocket"
)

// MessageType 消息类型
type MessageType string

const (
	MsgTypePing        MessageType = "ping"         // 心跳
	MsgTypePong        MessageType = "pong"         // 心跳响应
	MsgTypeTrackUpdate MessageType = "track_update" // 曲目状态更新
)

// WSMessage WebSocket 消息结构
type WSMessage struct {
	Type      MessageType     `json:"type"`
	UserID    int64           `json:"userId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Client 一条用户连接
type Client struct {
	Hub    *Hub
	Conn   *websocket.Conn
	Send   chan []byte
	UserID int64
}

// Hub fans generation progress out to each user's open connections. A
// user may hold several connections (multiple tabs); every one of them
// gets the update.
type Hub struct {
	clients map[int64]map[*Client]bool // userID -> connections

	register   chan *Client
	unregister chan *Client

	mu   sync.RWMutex
	done chan struct{}
}

// NewHub 创建推送中心
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[int64]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run 启动 Hub 主循环
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case <-h.done:
			h.cleanup()
			return
		}
	}
}

// Stop 停止 Hub
func (h *Hub) Stop() {
	close(h.done)
}

// Register 注册客户端
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister 注销客户端
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[client.UserID] == nil {
		h.clients[client.UserID] = make(map[*Client]bool)
	}
	h.clients[client.UserID][client] = true

	logger.Info("feed client connected",
		logger.Int64("user_id", client.UserID),
		logger.Int("connections", len(h.clients[client.UserID])))
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns := h.clients[client.UserID]
	if conns == nil || !conns[client] {
		return
	}
	delete(conns, client)
	close(client.Send)
	if len(conns) == 0 {
		delete(h.clients, client.UserID)
	}

	logger.Info("feed client disconnected", logger.Int64("user_id", client.UserID))
}

func (h *Hub) cleanup() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, conns := range h.clients {
		for client := range conns {
			close(client.Send)
			client.Conn.Close()
		}
	}
	h.clients = make(map[int64]map[*Client]bool)
}

// NotifyTrackUpdate pushes the track's current state to every connection
// the user holds. Messages to slow consumers are dropped rather than
// blocking the generation pipeline.
func (h *Hub) NotifyTrackUpdate(userID int64, track *model.Track) {
	data, err := json.Marshal(track)
	if err != nil {
		logger.Warn("failed to encode track update",
			logger.String("track_id", track.ID), logger.ErrorField(err))
		return
	}
	msg := &WSMessage{
		Type:      MsgTypeTrackUpdate,
		UserID:    userID,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[userID] {
		select {
		case client.Send <- payload:
		default:
			// 缓冲区满，丢弃消息
		}
	}
}

// ========== Client 方法 ==========

// ReadPump 读取消息循环
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(4096) // 4KB
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("feed read error",
					logger.ErrorField(err),
					logger.Int64("user", c.UserID))
			}
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			logger.Warn("invalid feed message",
				logger.ErrorField(err), logger.Int64("user", c.UserID))
			continue
		}

		// 处理心跳
		if msg.Type == MsgTypePing {
			pong := &WSMessage{Type: MsgTypePong, Timestamp: time.Now().UnixMilli()}
			if data, err := json.Marshal(pong); err == nil {
				select {
				case c.Send <- data:
				default:
				}
			}
		}
	}
}

// WritePump 写入消息循环
func (c *Client) WritePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// Hub 关闭了通道
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// 合并发送队列中的消息
			n := len(c.Send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.Send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
