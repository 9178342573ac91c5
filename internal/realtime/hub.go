// Package realtime pushes monitor state to dashboards over WebSocket.
//
// Four event types flow through the hub: live snapshots, finished analyses,
// risk alerts and threshold changes. The latest snapshot and the latest
// thresholds are kept and replayed to each client as it connects, so a
// dashboard renders current state without waiting for the next change.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/finomaly/finomaly/internal/metrics"
)

// EventType names what an Event carries.
type EventType string

const (
	EventDashboard EventType = "dashboard"
	EventAnalysis  EventType = "analysis"
	EventAlert     EventType = "alert"
	EventSettings  EventType = "settings"
)

// replayed holds the event types whose latest value is sent on connect.
var replayed = []EventType{EventDashboard, EventSettings}

// Event is the JSON frame written to clients.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// AlertData is the payload of an EventAlert.
type AlertData struct {
	TransactionID string  `json:"transactionId"`
	Account       string  `json:"account,omitempty"`
	Amount        float64 `json:"amount"`
	RiskScore     int     `json:"riskScore"`
	Tier          string  `json:"tier"`
	Source        string  `json:"source"`
}

// Subscription is sent by a client to narrow what it receives. Empty
// fields do not filter. The alert filters apply to alerts only.
type Subscription struct {
	EventTypes   []EventType `json:"eventTypes"`
	MinRiskScore int         `json:"minRiskScore"`
	Tiers        []string    `json:"tiers"`
	Accounts     []string    `json:"accounts"`
}

// Wants reports whether an event of type t carrying data passes s.
func (s Subscription) Wants(t EventType, data any) bool {
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, t) {
		return false
	}
	alert, ok := data.(AlertData)
	if t != EventAlert || !ok {
		return true
	}
	if alert.RiskScore < s.MinRiskScore {
		return false
	}
	if len(s.Tiers) > 0 && !slices.Contains(s.Tiers, alert.Tier) {
		return false
	}
	if len(s.Accounts) > 0 && !slices.Contains(s.Accounts, alert.Account) {
		return false
	}
	return true
}

// MaxClients bounds concurrent WebSocket connections.
const MaxClients = 10000

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
	maxFrame     = 64 * 1024
)

// Stats summarizes hub activity for /api/v1/realtime/stats.
type Stats struct {
	Connected int   `json:"connectedClients"`
	Peak      int64 `json:"peakClients"`
	Total     int64 `json:"totalClients"`
	Events    int64 `json:"totalEvents"`
	Dropped   int64 `json:"droppedClients"`
}

type published struct {
	event *Event
	frame []byte
}

// Hub fans events out to connected dashboards.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader
	queue    chan published

	mu      sync.RWMutex
	clients map[*client]struct{}
	latest  map[EventType]published
	stopped bool

	events  atomic.Int64
	total   atomic.Int64
	peak    atomic.Int64
	dropped atomic.Int64
}

// NewHub creates a hub accepting browser connections from origins. "*"
// accepts any origin; an empty list accepts only same-host pages. Requests
// without an Origin header are always accepted.
func NewHub(logger *slog.Logger, origins []string) *Hub {
	h := &Hub{
		logger:  logger,
		queue:   make(chan published, 256),
		clients: make(map[*client]struct{}),
		latest:  make(map[EventType]published),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(origins),
	}
	return h
}

func originChecker(origins []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || slices.Contains(origins, "*") || slices.Contains(origins, origin) {
			return true
		}
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	}
}

// Publish queues an event of type t. It never blocks; when the queue is
// full the event is dropped and logged.
func (h *Hub) Publish(t EventType, data any) {
	ev := &Event{Type: t, Timestamp: time.Now().UTC(), Data: data}
	frame, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("realtime event not encodable", "type", t, "error", err)
		return
	}
	select {
	case h.queue <- published{event: ev, frame: frame}:
	default:
		h.logger.Warn("realtime queue full, dropping event", "type", t)
	}
}

// Run delivers queued events until ctx ends, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			h.stopped = true
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return
		case p := <-h.queue:
			h.deliver(p)
		}
	}
}

func (h *Hub) deliver(p published) {
	h.events.Add(1)

	h.mu.Lock()
	defer h.mu.Unlock()
	if slices.Contains(replayed, p.event.Type) {
		h.latest[p.event.Type] = p
	}
	for c := range h.clients {
		if !c.subscription().Wants(p.event.Type, p.event.Data) {
			continue
		}
		select {
		case c.send <- p.frame:
		default:
			// Slow client.
			h.dropLocked(c)
			h.dropped.Add(1)
		}
	}
	metrics.ActiveWebSocketClients.Set(float64(len(h.clients)))
}

// Stats returns connection and event counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return Stats{
		Connected: n,
		Peak:      h.peak.Load(),
		Total:     h.total.Load(),
		Events:    h.events.Load(),
		Dropped:   h.dropped.Load(),
	}
}

// HandleWebSocket upgrades the request and attaches a client.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	stopped, n := h.stopped, len(h.clients)
	h.mu.RUnlock()
	if stopped {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	if n >= MaxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
	if !h.attach(c) {
		_ = conn.Close()
		return
	}
	go c.writeLoop()
	go c.readLoop()
}

// attach registers c and queues the replayed events for it.
func (h *Hub) attach(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	h.clients[c] = struct{}{}
	for _, t := range replayed {
		if p, ok := h.latest[t]; ok {
			c.send <- p.frame
		}
	}

	n := int64(len(h.clients))
	h.total.Add(1)
	if n > h.peak.Load() {
		h.peak.Store(n)
	}
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Debug("dashboard connected", "clients", n)
	return true
}

func (h *Hub) detach(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		h.dropLocked(c)
		metrics.ActiveWebSocketClients.Set(float64(len(h.clients)))
		h.logger.Debug("dashboard disconnected", "clients", len(h.clients))
	}
}

func (h *Hub) dropLocked(c *client) {
	delete(h.clients, c)
	close(c.send)
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu  sync.RWMutex
	sub Subscription
}

func (c *client) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

// readLoop applies subscription updates until the connection fails.
func (c *client) readLoop() {
	defer func() {
		c.hub.detach(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrame)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.hub.logger.Debug("websocket read ended", "error", err)
			}
			return
		}
		var sub Subscription
		if err := json.Unmarshal(msg, &sub); err != nil {
			c.hub.logger.Debug("ignoring malformed subscription", "error", err)
			continue
		}
		c.mu.Lock()
		c.sub = sub
		c.mu.Unlock()
	}
}

// writeLoop drains send and keeps the connection alive with pings. A closed
// send channel ends the connection with a close frame.
func (c *client) writeLoop() {
	ping := time.NewTicker(pingInterval)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.hub.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
