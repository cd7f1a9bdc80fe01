// Package feed streams alert lifecycle events to connected operator
// dashboards over WebSocket, broadcast-only and read-only from the
// operator's perspective. The connection/hub shape and ping/pong
// keepalive follow the teacher's notifications websocket manager,
// trimmed to the one thing this platform needs: pushing every alert
// state change to everyone watching.
package feed

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/carbonscribe/sentinel-core/internal/domain"
)

// Event is a single alert lifecycle change pushed to every connection.
type Event struct {
	Type      string      `json:"type"` // "alert_created" | "alert_updated" | "alert_resolved"
	Alert     domain.Alert `json:"alert"`
	Timestamp time.Time   `json:"timestamp"`
}

// Connection is one operator's live socket.
type Connection struct {
	id   string
	conn *websocket.Conn
	send chan Event
}

// Hub fans Events out to every registered Connection.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	broadcast   chan Event
	register    chan *Connection
	unregister  chan *Connection
	stop        chan struct{}
	upgrader    websocket.Upgrader
}

// NewHub constructs and starts a feed Hub. CheckOrigin is left
// permissive here; the HTTP layer that mounts HandleConnection is
// expected to authenticate operators before the upgrade.
func NewHub() *Hub {
	h := &Hub{
		connections: make(map[string]*Connection),
		broadcast:   make(chan Event, 256),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		stop:        make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	go h.run()
	return h
}

// HandleConnection upgrades an HTTP request to a WebSocket and begins
// streaming alert events to it.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &Connection{id: uuid.New().String(), conn: conn, send: make(chan Event, 64)}

	h.mu.Lock()
	h.connections[c.id] = c
	h.mu.Unlock()
	h.register <- c

	go h.readPump(c)
	go h.writePump(c)
	return nil
}

// readPump exists only to detect disconnects and drain client pings;
// operators never send feed commands.
func (h *Hub) readPump(c *Connection) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (h *Hub) writePump(c *Connection) {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			log.Printf("operator feed connection registered: %s", c.id)
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[c.id]; ok {
				delete(h.connections, c.id)
				close(c.send)
			}
			h.mu.Unlock()
		case event := <-h.broadcast:
			h.mu.RLock()
			for _, c := range h.connections {
				select {
				case c.send <- event:
				default:
					// slow consumer: drop rather than block the hub loop
				}
			}
			h.mu.RUnlock()
		case <-h.stop:
			h.mu.Lock()
			for id, c := range h.connections {
				close(c.send)
				delete(h.connections, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Publish broadcasts an alert lifecycle event to every connected
// operator. Non-blocking: a full broadcast buffer drops the event
// rather than stalling the caller.
func (h *Hub) Publish(eventType string, alert domain.Alert) {
	event := Event{Type: eventType, Alert: alert, Timestamp: time.Now().UTC()}
	select {
	case h.broadcast <- event:
	default:
		log.Printf("operator feed broadcast buffer full, dropping %s for alert %s", eventType, alert.ID)
	}
}

// Close stops the hub and disconnects every operator.
func (h *Hub) Close() {
	close(h.stop)
}
