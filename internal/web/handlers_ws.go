package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"hass-sync/internal/hub"
)

const (
	wsSendBuffer   = 64
	wsQueueSize    = 256
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 4096
)

// Messages a WebSocket client may send.
const (
	wsSubscribe = "subscribe" // {"type":"subscribe","entity_ids":[...]}, empty list means all
	wsSnapshot  = "snapshot"  // {"type":"snapshot"} re-sends the entity list
)

// EventStream fans hub events out to WebSocket clients. Each client may
// narrow the entity events it receives; hub_state events always go out.
type EventStream struct {
	clients map[*wsClient]struct{}
	mu      sync.RWMutex
	logger  *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	queue      chan hub.Event

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte

	filterMu sync.RWMutex
	filter   map[string]bool
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}
}

// setFilter restricts entity events to ids; nil or empty clears the filter.
func (c *wsClient) setFilter(ids []string) {
	var filter map[string]bool
	if len(ids) > 0 {
		filter = make(map[string]bool, len(ids))
		for _, id := range ids {
			filter[id] = true
		}
	}
	c.filterMu.Lock()
	c.filter = filter
	c.filterMu.Unlock()
}

func (c *wsClient) wants(entityID string) bool {
	if entityID == "" {
		return true
	}
	c.filterMu.RLock()
	defer c.filterMu.RUnlock()
	return c.filter == nil || c.filter[entityID]
}

// NewEventStream creates a stream; call Run to start delivering.
func NewEventStream(logger *slog.Logger) *EventStream {
	return &EventStream{
		clients:    make(map[*wsClient]struct{}),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		queue:      make(chan hub.Event, wsQueueSize),
		done:       make(chan struct{}),
	}
}

// Run delivers queued events until Stop is called.
func (es *EventStream) Run() {
	for {
		select {
		case <-es.done:
			es.mu.Lock()
			for c := range es.clients {
				close(c.send)
				delete(es.clients, c)
			}
			es.mu.Unlock()
			return

		case c := <-es.register:
			es.mu.Lock()
			es.clients[c] = struct{}{}
			total := len(es.clients)
			es.mu.Unlock()
			es.logger.Debug("ws client connected", "total", total)

		case c := <-es.unregister:
			es.mu.Lock()
			if _, ok := es.clients[c]; ok {
				delete(es.clients, c)
				close(c.send)
			}
			total := len(es.clients)
			es.mu.Unlock()
			es.logger.Debug("ws client disconnected", "total", total)

		case event := <-es.queue:
			es.deliver(event)
		}
	}
}

// deliver marshals event once and hands it to every interested client.
// Clients whose buffer is full are dropped.
func (es *EventStream) deliver(event hub.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		es.logger.Error("ws marshal", "type", event.Type, "err", err)
		return
	}
	var entityID string
	if ev, ok := event.Data.(hub.EntityEvent); ok {
		entityID = ev.EntityID
	}

	es.mu.Lock()
	defer es.mu.Unlock()
	for c := range es.clients {
		if !c.wants(entityID) {
			continue
		}
		select {
		case c.send <- data:
		default:
			delete(es.clients, c)
			close(c.send)
			es.logger.Warn("ws client evicted (too slow)", "type", event.Type)
		}
	}
}

// Stop shuts the stream down and closes every client. Safe to call twice.
func (es *EventStream) Stop() {
	es.stopOnce.Do(func() {
		close(es.done)
	})
}

// Publish queues an event for delivery without blocking; when the queue is
// full the event is dropped.
func (es *EventStream) Publish(event hub.Event) {
	select {
	case es.queue <- event:
	default:
		es.logger.Warn("ws queue full, dropping event", "type", event.Type)
	}
}

// snapshotMessage lists every tracked entity. It is the first message on a
// new connection.
func (s *Server) snapshotMessage() ([]byte, error) {
	clients := s.hub.List()
	views := make([]EntityView, 0, len(clients))
	for _, c := range clients {
		views = append(views, entityView(c))
	}
	return json.Marshal(hub.Event{Type: wsSnapshot, Data: views})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)

	client := newWSClient(conn)
	if snap, err := s.snapshotMessage(); err == nil {
		client.send <- snap
	} else {
		s.logger.Error("ws snapshot", "err", err)
	}

	select {
	case s.stream.register <- client:
	case <-s.stream.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWriteLoop(client)
	s.wsReadLoop(client)
}

func (s *Server) wsWriteLoop(client *wsClient) {
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	client.conn.Close(websocket.StatusNormalClosure, "")
}

// wsRequest is a message from the browser.
type wsRequest struct {
	Type      string   `json:"type"`
	EntityIDs []string `json:"entity_ids"`
}

func (s *Server) wsReadLoop(client *wsClient) {
	defer func() {
		select {
		case s.stream.unregister <- client:
		case <-s.stream.done:
			client.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stream.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		_, data, err := client.conn.Read(ctx)
		if err != nil {
			return
		}
		var req wsRequest
		if err := json.Unmarshal(data, &req); err != nil {
			s.logger.Debug("ws bad message", "err", err)
			continue
		}
		switch req.Type {
		case wsSubscribe:
			client.setFilter(req.EntityIDs)
		case wsSnapshot:
			snap, err := s.snapshotMessage()
			if err != nil {
				s.logger.Error("ws snapshot", "err", err)
				continue
			}
			s.stream.mu.RLock()
			_, live := s.stream.clients[client]
			if live {
				select {
				case client.send <- snap:
				default:
				}
			}
			s.stream.mu.RUnlock()
		default:
			s.logger.Debug("ws unknown message", "type", req.Type)
		}
	}
}
