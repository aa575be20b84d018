package collector

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/nicktill/tinycount/pkg/config"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// no Origin header means a non-browser client
		origin := r.Header.Get("Origin")
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  config.WSReadBufferSize,
	WriteBufferSize: config.WSWriteBufferSize,
}

// Hub fans received requests out to live-tail websocket subscribers.
type Hub struct {
	logger zerolog.Logger

	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan []byte

	mu sync.RWMutex
}

// NewHub creates a Hub. Run must be started before clients connect.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger:     logger,
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn, config.WSChannelBuffer),
		unregister: make(chan *websocket.Conn, config.WSChannelBuffer),
		broadcast:  make(chan []byte, config.WSBroadcastBuffer),
	}
}

// Run is the hub's main loop. It closes every connection when ctx ends.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
			}
			h.clients = make(map[*websocket.Conn]bool)
			h.mu.Unlock()
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			n := len(h.clients)
			h.mu.Unlock()
			subscribers.Set(float64(n))
			h.logger.Debug().Int("total", n).Msg("live tail client connected")

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			subscribers.Set(float64(n))
			h.logger.Debug().Int("total", n).Msg("live tail client disconnected")

		case message := <-h.broadcast:
			h.mu.RLock()
			var failed []*websocket.Conn
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					h.logger.Debug().Err(err).Msg("live tail write failed")
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()

			// unregister outside the read lock
			for _, conn := range failed {
				select {
				case h.unregister <- conn:
				default:
					go func(c *websocket.Conn) { h.unregister <- c }(conn)
				}
			}
		}
	}
}

// Broadcast queues v for every subscriber. It never blocks; when the buffer
// is full the message is dropped.
func (h *Hub) Broadcast(v any) error {
	if !h.HasClients() {
		return nil
	}
	message, err := json.Marshal(v)
	if err != nil {
		return err
	}

	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn().Msg("live tail buffer full, dropping message")
	}
	return nil
}

// HasClients reports whether anybody is subscribed.
func (h *Hub) HasClients() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) > 0
}

// ServeHTTP upgrades the connection and keeps it alive until the peer
// goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	h.register <- conn

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		h.unregister <- conn
	}()

	go func() {
		ticker := time.NewTicker(config.WSPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
		return nil
	})

	// only control frames are expected
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug().Err(err).Msg("websocket closed")
			}
			return
		}
	}
}
