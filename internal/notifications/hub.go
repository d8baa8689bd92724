// Package notifications fans gift lifecycle events and user notices out to
// in-process listeners and connected WebSocket clients.
package notifications

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/charlesng35/giftbox/internal/gifts"
	"github.com/charlesng35/giftbox/pkg/logger"
	"github.com/charlesng35/giftbox/pkg/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 10

	defaultBufferSize = 32
)

// Streams carried over a mailbox connection.
const (
	StreamGifts   = "gifts"
	StreamNotices = "notices"
)

// Message represents a JSON payload delivered to connected clients.
type Message struct {
	Stream string         `json:"stream"`
	Event  string         `json:"event"`
	Data   any            `json:"data,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// Hub implements gifts.Bus and gifts.Notifier.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[*connection]struct{}
	listeners map[int]chan gifts.LifecycleEvent
	nextID    int
	upgrader  websocket.Upgrader
	log       *zap.Logger
}

// NewHub constructs a notification hub instance.
func NewHub() *Hub {
	return &Hub{
		clients:   make(map[string]map[*connection]struct{}),
		listeners: make(map[int]chan gifts.LifecycleEvent),
		log:       logger.WithModule("notifications"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				originHost := hostWithoutPort(origin)
				return originHost == hostWithoutPort(r.Host) || isLoopback(originHost)
			},
		},
	}
}

// Serve upgrades the HTTP connection and streams the recipient's events until
// the client disconnects. onConnect runs once the client is registered.
func (h *Hub) Serve(recipient string, w http.ResponseWriter, r *http.Request, onConnect func()) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.String("recipient", recipient), zap.Error(err))
		return
	}

	client := &connection{
		hub:       h,
		socket:    conn,
		recipient: recipient,
		send:      make(chan Message, defaultBufferSize),
	}
	h.register(client)

	go client.writeLoop()
	if onConnect != nil {
		go onConnect()
	}
	client.readLoop()
}

// Publish delivers a lifecycle event to listeners and to the record's recipient.
func (h *Hub) Publish(event gifts.LifecycleEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, ch := range h.listeners {
		select {
		case ch <- event:
		default:
			h.log.Debug("dropping lifecycle event for slow listener", zap.Int("listener", id), zap.String("kind", string(event.Kind)))
		}
	}

	h.broadcastLocked(event.Record.Recipient, Message{
		Stream: StreamGifts,
		Event:  string(event.Kind),
		Data:   event,
	})
}

// Notify delivers a user-facing notice to the recipient's connections.
func (h *Hub) Notify(notice gifts.Notice) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	h.broadcastLocked(notice.Recipient, Message{
		Stream: StreamNotices,
		Event:  notice.Key,
		Data:   notice,
	})
}

// Subscribe registers an in-process listener. Events are dropped when the
// buffer is full. The returned function removes the listener.
func (h *Hub) Subscribe(buffer int) (<-chan gifts.LifecycleEvent, func()) {
	if buffer <= 0 {
		buffer = defaultBufferSize
	}
	ch := make(chan gifts.LifecycleEvent, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.listeners[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.listeners, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Connections reports how many clients are attached for the recipient.
func (h *Hub) Connections(recipient string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[recipient])
}

func (h *Hub) broadcastLocked(recipient string, message Message) {
	if recipient == "" {
		return
	}
	for client := range h.clients[recipient] {
		select {
		case client.send <- message:
		default:
			h.log.Warn("dropping backpressure client", zap.String("recipient", recipient))
			go client.close()
		}
	}
}

func (h *Hub) register(client *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[client.recipient] == nil {
		h.clients[client.recipient] = make(map[*connection]struct{})
	}
	h.clients[client.recipient][client] = struct{}{}
	metrics.EventStreams.Inc()
}

func (h *Hub) unregister(client *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := h.clients[client.recipient]
	if _, ok := clients[client]; ok {
		delete(clients, client)
		metrics.EventStreams.Dec()
		if len(clients) == 0 {
			delete(h.clients, client.recipient)
		}
	}
}

type connection struct {
	hub       *Hub
	socket    *websocket.Conn
	recipient string
	send      chan Message
	once      sync.Once
}

func (c *connection) readLoop() {
	defer c.close()

	c.socket.SetReadLimit(maxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.socket.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("unexpected websocket close", zap.String("recipient", c.recipient), zap.Error(err))
			}
			return
		}
	}
}

func (c *connection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.socket.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.socket.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.socket.WriteJSON(message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *connection) close() {
	c.once.Do(func() {
		c.hub.unregister(c)
		close(c.send)
	})
}

func hostWithoutPort(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}

	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		parsed, err := http.NewRequest(http.MethodGet, host, nil)
		if err == nil {
			return hostWithoutPort(parsed.URL.Host)
		}
	}

	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func isLoopback(host string) bool {
	ip := net.ParseIP(host)
	if ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}
