package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/akmatori/autopilot/internal/events"
)

const (
	liveWriteWait  = 10 * time.Second
	livePongWait   = 60 * time.Second
	livePingPeriod = (livePongWait * 9) / 10
	liveSendBuffer = 64
)

// liveClient is one dashboard connection
type liveClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *liveClient) close() {
	c.once.Do(func() { close(c.send) })
}

// LiveHub streams lifecycle events to connected dashboards. It is an
// events.Sink, so the publisher fans events into it like any other sink.
// A client that cannot keep up is disconnected rather than slowing the others.
type LiveHub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.RWMutex
	clients map[*liveClient]struct{}
	closed  bool
}

// NewLiveHub creates a new websocket hub. A nil checkOrigin accepts every origin.
func NewLiveHub(checkOrigin func(r *http.Request) bool, logger *zap.Logger) *LiveHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &LiveHub{
		upgrader: websocket.Upgrader{
			CheckOrigin:     checkOrigin,
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		logger:  logger.Named("live"),
		clients: make(map[*liveClient]struct{}),
	}
}

// SetupRoutes configures the websocket route
func (h *LiveHub) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/live", h.HandleWebSocket)
}

// Name implements events.Sink
func (h *LiveHub) Name() string { return "websocket" }

// Publish implements events.Sink
func (h *LiveHub) Publish(_ context.Context, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	h.mu.RLock()
	var slow []*liveClient
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("Dropping slow dashboard client", zap.String("remote_addr", c.conn.RemoteAddr().String()))
		h.remove(c)
	}
	return nil
}

// Clients returns the number of connected dashboards
func (h *LiveHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the request and streams events until the client
// goes away.
func (h *LiveHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade WebSocket", zap.Error(err))
		return
	}

	c := &liveClient{conn: conn, send: make(chan []byte, liveSendBuffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.logger.Info("Dashboard connected", zap.String("remote_addr", r.RemoteAddr))

	go h.writeLoop(c)
	h.readLoop(c)
}

// readLoop discards client messages; it exists to observe pongs and close frames
func (h *LiveHub) readLoop(c *liveClient) {
	defer h.remove(c)

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(livePongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(livePongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (h *LiveHub) writeLoop(c *liveClient) {
	ticker := time.NewTicker(livePingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

func (h *LiveHub) remove(c *liveClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.close()
		h.logger.Info("Dashboard disconnected")
	}
}

// Close disconnects every dashboard and refuses new connections
func (h *LiveHub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[*liveClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.close()
	}
}
