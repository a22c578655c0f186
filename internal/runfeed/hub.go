package runfeed

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeTimeout is the deadline for a single write to a client.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong response before treating the
	// connection as dead.
	pongWait = 60 * time.Second

	// pingPeriod controls how often ping frames are sent. Must be less than
	// pongWait.
	pingPeriod = (pongWait * 9) / 10

	// sendBufSize is the per-client outgoing buffer headroom beyond a full
	// history replay.
	sendBufSize = 16

	// defaultHistory is how many finished runs a new client is caught up
	// with on connect.
	defaultHistory = 50
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin checks belong to the reverse proxy in front of the harness.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Record summarizes one plugin run.
type Record struct {
	Trigger    string    `json:"trigger"`
	Plugin     string    `json:"plugin"`
	TaskID     string    `json:"task_id"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	FinishedAt time.Time `json:"finished_at"`
}

// Message is the JSON envelope sent to clients.
type Message struct {
	Event string `json:"event"`
	Data  Record `json:"data"`
}

// Hub manages WebSocket clients and fans published run records out to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	history []Record
	maxHist int
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func New() *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		maxHist: defaultHistory,
	}
}

// Run blocks until ctx is cancelled, then closes every active connection.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Publish records a finished run and sends it to every connected client.
func (h *Hub) Publish(rec Record) {
	data, err := json.Marshal(Message{Event: "run", Data: rec})
	if err != nil {
		return
	}

	// Sends happen under the lock so a concurrent unregister or closeAll
	// cannot close a channel between the snapshot and the send. The select
	// never blocks, so the lock is held only briefly.
	h.mu.Lock()
	defer h.mu.Unlock()

	h.history = append(h.history, rec)
	if len(h.history) > h.maxHist {
		h.history = h.history[len(h.history)-h.maxHist:]
	}
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Client's outgoing buffer is full, disconnect it.
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// ServeHTTP upgrades the connection and serves the client until it closes.
// Recent history is replayed first so the client starts with context.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}

	c := &client{
		conn: conn,
		// Sized to hold a full history replay plus live records queued
		// before the write pump catches up.
		send: make(chan []byte, h.maxHist+sendBufSize),
	}

	// Replaying under the lock, before registration, keeps the backlog
	// ordered ahead of any record published after the snapshot.
	h.mu.Lock()
	for _, rec := range h.history {
		if data, err := json.Marshal(Message{Event: "run", Data: rec}); err == nil {
			c.send <- data
		}
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	defer h.unregister(c)

	go c.writePump()
	c.readPump()
}

// Count returns the number of currently connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes control frames and detects disconnects.
func (c *client) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
