package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/framecast-project/framecast/internal/events"
)

const streamWriteTimeout = 5 * time.Second

// StreamMessage is one JSON message pushed to stream subscribers.
type StreamMessage struct {
	Type    events.EventType `json:"type"`
	Time    time.Time        `json:"time"`
	Payload interface{}      `json:"payload"`
}

// StatsStream pushes statistics windows and client lifecycle events to
// websocket subscribers.
type StatsStream struct {
	mu       sync.Mutex // guards clients and serializes writes
	clients  map[*websocket.Conn]bool
	closed   bool
	upgrader websocket.Upgrader
}

// NewStatsStream creates an empty stream.
func NewStatsStream() *StatsStream {
	return &StatsStream{
		clients: make(map[*websocket.Conn]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Origins are enforced by the CORS middleware for the REST API;
			// the stream is read-only.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Subscribe forwards the streamed event types from bus.
func (ss *StatsStream) Subscribe(bus *events.EventBus) {
	forward := func(ctx context.Context, e events.Event) error {
		ss.Broadcast(e.Type, e.Payload)
		return nil
	}
	bus.Subscribe(events.EventStatsWindow, "api.stream", func(ctx context.Context, e events.Event) error {
		if p, ok := e.Payload.(events.StatsWindowPayload); ok {
			ss.Broadcast(e.Type, newStatsWindowView(p))
		}
		return nil
	})
	bus.Subscribe(events.EventClientRegistered, "api.stream", forward)
	bus.Subscribe(events.EventClientDeregistered, "api.stream", forward)
	bus.Subscribe(events.EventEpochChanged, "api.stream", forward)
}

// Broadcast sends one message to every subscriber. Subscribers that fail a
// write are dropped.
func (ss *StatsStream) Broadcast(eventType events.EventType, payload interface{}) {
	data, err := json.Marshal(StreamMessage{Type: eventType, Time: time.Now().UTC(), Payload: payload})
	if err != nil {
		return
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()
	for conn := range ss.clients {
		conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			delete(ss.clients, conn)
			conn.Close()
		}
	}
}

// statsWindowView is a closed statistics window as the stream presents it.
type statsWindowView struct {
	WindowSec float64               `json:"window_sec"`
	Total     windowView            `json:"total"`
	Clients   map[string]windowView `json:"clients"`
}

func newStatsWindowView(p events.StatsWindowPayload) statsWindowView {
	window := p.Window.Seconds()
	v := statsWindowView{
		WindowSec: window,
		Total:     newWindowView(p.Total, window),
		Clients:   make(map[string]windowView, len(p.Clients)),
	}
	for slot, c := range p.Clients {
		v.Clients[strconv.Itoa(slot)] = newWindowView(c, window)
	}
	return v
}

// ClientCount returns the number of connected subscribers.
func (ss *StatsStream) ClientCount() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return len(ss.clients)
}

// Close disconnects every subscriber and refuses new ones.
func (ss *StatsStream) Close() {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.closed = true
	for conn := range ss.clients {
		conn.Close()
		delete(ss.clients, conn)
	}
}

// handleStatsStream upgrades the request and holds the connection until
// the subscriber goes away.
func (s *Server) handleStatsStream(c *gin.Context) {
	ss := s.stream
	conn, err := ss.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	ss.mu.Lock()
	if ss.closed {
		ss.mu.Unlock()
		conn.Close()
		return
	}
	ss.clients[conn] = true
	ss.mu.Unlock()

	s.logger.Debug().Str("client_ip", c.ClientIP()).Msg("stats stream subscriber connected")

	// Inbound messages are ignored; reading detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	ss.mu.Lock()
	delete(ss.clients, conn)
	ss.mu.Unlock()
	conn.Close()
}
