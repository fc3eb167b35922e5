package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"backpack-trading-bot/internal/events"
)

const (
	clientSendBuffer = 256
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser origin policy is handled by the CORS middleware on the
	// HTTP routes; the dashboard connects from the configured origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub fans every bus event out to all connected dashboard sockets.
type Hub struct {
	bus    *events.Bus
	logger zerolog.Logger

	mu      sync.RWMutex
	clients map[string]*wsClient

	stop     chan struct{}
	stopOnce sync.Once
}

// NewHub builds a hub. Run must be called before connections arrive.
func NewHub(bus *events.Bus, logger zerolog.Logger) *Hub {
	return &Hub{
		bus:     bus,
		logger:  logger.With().Str("component", "WSHub").Logger(),
		clients: make(map[string]*wsClient),
		stop:    make(chan struct{}),
	}
}

// Run subscribes to the bus and starts the broadcast loop.
func (h *Hub) Run() {
	eventCh, unsubscribe := h.bus.Subscribe(events.DefaultSubscriberBuffer)
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-h.stop:
				return
			case ev, ok := <-eventCh:
				if !ok {
					return
				}
				h.broadcast(ev)
			}
		}
	}()
}

// Close disconnects every client and stops the broadcast loop.
func (h *Hub) Close() {
	h.stopOnce.Do(func() {
		close(h.stop)
	})
	h.mu.Lock()
	for id, client := range h.clients {
		close(client.send)
		delete(h.clients, id)
	}
	h.mu.Unlock()
}

// ClientCount reports connected sockets.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcast(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error().Err(err).Str("event", string(ev.Type)).Msg("Failed to marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		select {
		case client.send <- data:
		default:
			// Slow consumer; drop the message rather than block the bus.
		}
	}
}

// register adds the client and queues the welcome frame while the lock is
// held, so Close cannot close the send channel between the two steps. It
// reports false when the hub has already shut down.
func (h *Hub) register(client *wsClient, welcome []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	select {
	case <-h.stop:
		return false
	default:
	}
	h.clients[client.id] = client
	if welcome != nil {
		client.send <- welcome
	}
	return true
}

func (h *Hub) unregister(client *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[client.id]; ok {
		delete(h.clients, client.id)
		close(client.send)
	}
	h.mu.Unlock()
}

// HandleConnection upgrades the request and streams events until the peer
// goes away. The first frame is always CONNECTION_ESTABLISHED.
func (h *Hub) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	client := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, clientSendBuffer),
	}

	welcome, _ := json.Marshal(events.Event{
		Type:      events.EventConnectionEstablished,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"connection_id": client.id},
	})
	if !h.register(client, welcome) {
		conn.Close()
		return
	}

	go client.writePump(h)
	go client.readPump(h)
}

func (c *wsClient) writePump(h *Hub) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains the connection; dashboards never send payloads, but the
// read loop is what detects the peer closing.
func (c *wsClient) readPump(h *Hub) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug().Err(err).Str("connection_id", c.id).Msg("Websocket read error")
			}
			return
		}
	}
}
