// 文件: pkg/market/ws_hub.go
// WebSocket 事件推送
//
// GET /api/v1/ws?account=alice&types=new_position,close_position
//   account 为空: 收全部事件
//   types   为空: 收全部类型
//
// 每个连接一个写协程 + 一个读协程 (只用来感知断开和处理 pong)

package market

import (
	"context"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"perpx.com/pkg/event"
	"perpx.com/pkg/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	clientSendSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsClient 一个连接
type wsClient struct {
	conn    *websocket.Conn
	send    chan []byte
	account string
	types   map[event.Type]bool
}

func (c *wsClient) wants(e event.Event) bool {
	if c.account != "" && c.account != e.Key {
		return false
	}
	return len(c.types) == 0 || c.types[e.Type]
}

// WSHub 把 Broadcaster 的事件推给 WebSocket 客户端
type WSHub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

// NewWSHub 创建 hub
func NewWSHub() *WSHub {
	return &WSHub{clients: make(map[*wsClient]struct{})}
}

// Run 消费订阅直到 ctx 结束或通道关闭
func (h *WSHub) Run(ctx context.Context, sub *Subscription) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case e, ok := <-sub.C():
			if !ok {
				h.closeAll()
				return
			}
			h.dispatch(e)
		}
	}
}

func (h *WSHub) dispatch(e event.Event) {
	data, err := e.Marshal()
	if err != nil {
		log.Printf("[WS] marshal %s failed: %v", e.Type, err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(e) {
			continue
		}
		select {
		case c.send <- data:
		default:
			// 客户端太慢，丢这条
		}
	}
}

// Clients 当前连接数
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS 升级连接
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] upgrade failed: %v", err)
		return
	}
	c := &wsClient{
		conn:    conn,
		send:    make(chan []byte, clientSendSize),
		account: r.URL.Query().Get("account"),
		types:   parseTypes(r.URL.Query().Get("types")),
	}
	h.register(c)
	go h.writePump(c)
	go h.readPump(c)
}

func (h *WSHub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Inc()
	log.Printf("[WS] client connected: account=%q total=%d", c.account, n)
}

func (h *WSHub) unregister(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	if ok {
		metrics.WebSocketClients.Dec()
	}
}

func (h *WSHub) closeAll() {
	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		h.unregister(c)
	}
}

func (h *WSHub) readPump(c *wsClient) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WSHub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func parseTypes(raw string) map[event.Type]bool {
	if raw == "" {
		return nil
	}
	out := make(map[event.Type]bool)
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out[event.Type(t)] = true
		}
	}
	return out
}
