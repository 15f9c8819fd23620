package status

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/goodtune/stuffwatch/internal/metrics"
	"github.com/goodtune/stuffwatch/internal/monitor"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Message types sent to WebSocket clients.
const (
	MsgSnapshot = "snapshot"
	MsgUpdate   = "update"
)

// Message is the WebSocket envelope.
type Message struct {
	Type     string           `json:"type"`
	Statuses []monitor.Status `json:"statuses"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, 64),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// Broadcaster fans feed status out to WebSocket clients. It implements
// monitor.Observer.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	latest   map[string]monitor.Status
	lastSent map[string]time.Time
	interval time.Duration
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewBroadcaster creates a broadcaster that pushes routine updates for a feed
// at most once per interval. State changes and alarms are always pushed.
func NewBroadcaster(interval time.Duration, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		clients:  make(map[*client]bool),
		latest:   make(map[string]monitor.Status),
		lastSent: make(map[string]time.Time),
		interval: interval,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With().Str("component", "status").Logger(),
	}
}

// Observe records the feed's latest status and broadcasts it when due.
func (b *Broadcaster) Observe(st monitor.Status) {
	b.mu.Lock()
	prev, seen := b.latest[st.Feed]
	b.latest[st.Feed] = st
	due := !seen ||
		st.Fired ||
		prev.Engine.State != st.Engine.State ||
		st.At.Sub(b.lastSent[st.Feed]) >= b.interval
	if due {
		b.lastSent[st.Feed] = st.At
	}
	b.mu.Unlock()

	if due {
		b.broadcast(Message{Type: MsgUpdate, Statuses: []monitor.Status{st}})
	}
}

// Snapshot returns the latest status of every feed, sorted by feed name.
func (b *Broadcaster) Snapshot() []monitor.Status {
	b.mu.RLock()
	defer b.mu.RUnlock()

	statuses := make([]monitor.Status, 0, len(b.latest))
	for _, st := range b.latest {
		statuses = append(statuses, st)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Feed < statuses[j].Feed })
	return statuses
}

// ServeHTTP upgrades the request to a WebSocket and streams status messages.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := b.addClient(conn)
	b.logger.Debug().Str("remote", r.RemoteAddr).Msg("Status client connected")

	go func() {
		defer func() {
			b.removeClient(c)
			b.logger.Debug().Str("remote", r.RemoteAddr).Msg("Status client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

func (b *Broadcaster) addClient(conn *websocket.Conn) *client {
	c := newClient(conn)

	data, _ := json.Marshal(Message{Type: MsgSnapshot, Statuses: b.Snapshot()})

	b.mu.Lock()
	b.clients[c] = true
	metrics.StatusClients.Set(float64(len(b.clients)))
	b.mu.Unlock()

	select {
	case c.send <- data:
	default:
	}
	return c
}

func (b *Broadcaster) removeClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
	metrics.StatusClients.Set(float64(len(b.clients)))
	b.mu.Unlock()
}

func (b *Broadcaster) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to marshal status")
		return
	}

	var slow []*client
	b.mu.RLock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	b.mu.RUnlock()

	// Client can't keep up, disconnect it
	for _, c := range slow {
		b.logger.Warn().Msg("Status client too slow, disconnecting")
		b.removeClient(c)
	}
}
