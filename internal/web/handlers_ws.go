package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"kc868-go-home/internal/controller"
)

const (
	wsSendBuffer   = 64
	wsQueueSize    = 256
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// WSHub fans controller events out to WebSocket clients. Each client may
// restrict the event types it receives.
type WSHub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	logger  *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	events     chan controller.Event

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn  *websocket.Conn
	send  chan []byte
	types map[string]bool // nil receives every event
}

func (c *wsClient) wants(typ string) bool {
	return c.types == nil || c.types[typ]
}

// parseTypes turns "outputs,inputs" into a filter set; empty means no filter.
func parseTypes(q string) map[string]bool {
	var types map[string]bool
	for _, t := range strings.Split(q, ",") {
		if t = strings.TrimSpace(t); t == "" {
			continue
		}
		if types == nil {
			types = make(map[string]bool)
		}
		types[t] = true
	}
	return types
}

// NewWSHub creates a hub. Call Run to start it.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		events:     make(chan controller.Event, wsQueueSize),
		done:       make(chan struct{}),
	}
}

// Run serves registrations and events until Stop.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.closeAll()
			return
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c, "ws client disconnected")
		case ev := <-h.events:
			h.fanout(ev)
		}
	}
}

func (h *WSHub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("ws client connected", "clients", n)
}

func (h *WSHub) remove(c *wsClient, msg string) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug(msg, "clients", n)
}

func (h *WSHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// fanout encodes ev once and queues it for every interested client. A client
// whose buffer is full is dropped.
func (h *WSHub) fanout(ev controller.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("ws encode event", "type", ev.Type, "err", err)
		return
	}

	var stale []*wsClient
	h.mu.RLock()
	for c := range h.clients {
		if !c.wants(ev.Type) {
			continue
		}
		select {
		case c.send <- data:
		default:
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		h.logger.Warn("ws client too slow, dropping", "type", ev.Type)
		h.remove(c, "ws client evicted")
	}
}

// Stop shuts the hub down and closes every client. It may be called more
// than once.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Broadcast queues ev without blocking the controller. Events are dropped
// while the queue is full.
func (h *WSHub) Broadcast(ev controller.Event) {
	select {
	case h.events <- ev:
	default:
		h.logger.Warn("ws queue full, dropping event", "type", ev.Type)
	}
}

// handleWS upgrades the request and streams events. The optional "types"
// query parameter is a comma-separated list of event types to receive; the
// initial status snapshot is always sent.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	var opts websocket.AcceptOptions
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	conn, err := websocket.Accept(w, r, &opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	c := &wsClient{
		conn:  conn,
		send:  make(chan []byte, wsSendBuffer),
		types: parseTypes(r.URL.Query().Get("types")),
	}
	if snap, err := json.Marshal(controller.Event{Type: controller.EventStatus, Data: s.ctrl.Status()}); err == nil {
		c.send <- snap
	}

	select {
	case s.wsHub.register <- c:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWriter(c)
	s.wsReader(c)
}

// wsWriter drains the client's queue and pings it while idle.
func (s *Server) wsWriter(c *wsClient) {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				s.logger.Debug("ws write", "err", err)
				return
			}
		case <-ping.C:
			ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				s.logger.Debug("ws ping", "err", err)
				return
			}
		}
	}
}

// wsReader ignores incoming messages and unregisters the client once the
// connection ends.
func (s *Server) wsReader(c *wsClient) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			break
		}
	}

	select {
	case s.wsHub.unregister <- c:
	case <-s.wsHub.done:
		c.conn.Close(websocket.StatusGoingAway, "server shutdown")
	}
}
