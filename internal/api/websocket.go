package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-esphome/internal/host"
	"github.com/nerrad567/gray-logic-esphome/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-esphome/internal/infrastructure/logging"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

// wsQueueSize is how many outbound messages a slow client may fall behind
// before further events are dropped for it.
const wsQueueSize = 256

// Event channels. ChannelAll receives every device event.
const (
	ChannelAll           = "device.*"
	ChannelStateChanged  = "device.state_changed"
	ChannelErrorChanged  = "device.error_changed"
	ChannelDeviceAdded   = "device.added"
	ChannelDeviceRemoved = "device.removed"
)

var eventChannels = map[host.EventType]string{
	host.EventStateChanged:  ChannelStateChanged,
	host.EventErrorChanged:  ChannelErrorChanged,
	host.EventDeviceAdded:   ChannelDeviceAdded,
	host.EventDeviceRemoved: ChannelDeviceRemoved,
}

// WSMessage is every frame exchanged with a client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload selects channels and, optionally, devices. An empty
// DeviceIDs list means every device. Unsubscribing a device ID narrows the
// device filter; unsubscribing the last one widens it to all devices again.
type WSSubscribePayload struct {
	Channels  []string `json:"channels"`
	DeviceIDs []string `json:"device_ids,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Hub fans device events out to WebSocket clients. It is registered with the
// host runtime as a StateSink.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*WSClient]struct{}
}

var _ host.StateSink = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{cfg: cfg, logger: logger, clients: make(map[*WSClient]struct{})}
}

// Run blocks until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*WSClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.shutdown()
	}
}

// HandleEvent implements host.StateSink.
func (h *Hub) HandleEvent(ev host.Event) {
	if channel, ok := eventChannels[ev.Type]; ok {
		h.Broadcast(channel, ev.DeviceID, ev)
	}
}

// Broadcast queues payload for every client whose filter matches channel
// and deviceID.
func (h *Hub) Broadcast(channel, deviceID string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.wants(channel, deviceID) {
			c.queue(data)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) add(c *WSClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)
}

func (h *Hub) remove(c *WSClient) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	c.shutdown()
	h.logger.Debug("websocket client disconnected", "clients", n)
}

// WSClient is one connection and its event filter.
type WSClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	done     chan struct{}
	doneOnce sync.Once

	mu       sync.RWMutex
	channels map[string]struct{}
	devices  map[string]struct{}
}

// shutdown stops the client. writeLoop then sends a close frame and closes
// the connection, which ends readLoop.
func (c *WSClient) shutdown() {
	c.doneOnce.Do(func() { close(c.done) })
}

// queue drops data when the client is gone or too far behind.
func (c *WSClient) queue(data []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- data:
	default:
		c.hub.logger.Debug("websocket client too slow, event dropped")
	}
}

func (c *WSClient) wants(channel, deviceID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, all := c.channels[ChannelAll]
	_, one := c.channels[channel]
	if !all && !one {
		return false
	}
	if len(c.devices) == 0 || deviceID == "" {
		return true
	}
	_, ok := c.devices[deviceID]
	return ok
}

// handleWebSocket upgrades the connection; authMiddleware has already run.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &WSClient{
		hub:      s.hub,
		conn:     conn,
		send:     make(chan []byte, wsQueueSize),
		done:     make(chan struct{}),
		channels: make(map[string]struct{}),
		devices:  make(map[string]struct{}),
	}
	s.hub.add(c)

	t := newWSTimings(s.wsCfg)
	go c.writeLoop(t)
	go c.readLoop(t, int64(s.wsCfg.MaxMessageSize))
}

// wsTimings are the keepalive intervals derived from config.
type wsTimings struct {
	ping     time.Duration
	pongWait time.Duration
}

func newWSTimings(cfg config.WebSocketConfig) wsTimings {
	return wsTimings{
		ping:     time.Duration(cfg.PingInterval) * time.Second,
		pongWait: time.Duration(cfg.PongTimeout) * time.Second,
	}
}

func (t wsTimings) readDeadline() time.Time  { return time.Now().Add(t.ping + t.pongWait) }
func (t wsTimings) writeDeadline() time.Time { return time.Now().Add(t.pongWait) }

func (c *WSClient) readLoop(t wsTimings, limit int64) {
	defer c.hub.remove(c)

	c.conn.SetReadLimit(limit)
	c.conn.SetReadDeadline(t.readDeadline()) //nolint:errcheck // a failed read reports it
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(t.readDeadline())
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(t.readDeadline()) //nolint:errcheck // a failed read reports it
		c.handleMessage(data)
	}
}

func (c *WSClient) writeLoop(t wsTimings) {
	ticker := time.NewTicker(t.ping)
	defer func() {
		ticker.Stop()
		c.conn.Close() //nolint:errcheck // nothing left to report to
	}()

	for {
		var (
			kind    = websocket.TextMessage
			payload []byte
		)
		select {
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage, nil, t.writeDeadline()) //nolint:errcheck // connection is going away
			return
		case payload = <-c.send:
		case <-ticker.C:
			kind = websocket.PingMessage
		}

		c.conn.SetWriteDeadline(t.writeDeadline()) //nolint:errcheck // a failed write reports it
		if err := c.conn.WriteMessage(kind, payload); err != nil {
			c.shutdown()
			return
		}
	}
}

func (c *WSClient) handleMessage(data []byte) {
	var msg struct {
		Type    string             `json:"type"`
		ID      string             `json:"id"`
		Payload WSSubscribePayload `json:"payload"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		c.reply("", WSTypeError, map[string]string{"message": "invalid JSON message"})
		return
	}

	switch msg.Type {
	case WSTypeSubscribe:
		c.subscribe(msg.Payload, true)
		c.reply(msg.ID, WSTypeResponse, map[string]any{"subscribed": msg.Payload.Channels, "device_ids": msg.Payload.DeviceIDs})
	case WSTypeUnsubscribe:
		c.subscribe(msg.Payload, false)
		c.reply(msg.ID, WSTypeResponse, map[string]any{"unsubscribed": msg.Payload.Channels, "device_ids": msg.Payload.DeviceIDs})
	case WSTypePing:
		c.reply(msg.ID, WSTypePong, nil)
	default:
		c.reply(msg.ID, WSTypeError, map[string]string{"message": "unknown message type: " + msg.Type})
	}
}

func (c *WSClient) subscribe(p WSSubscribePayload, add bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	apply := func(set map[string]struct{}, keys []string) {
		for _, k := range keys {
			if add {
				set[k] = struct{}{}
			} else {
				delete(set, k)
			}
		}
	}
	apply(c.channels, p.Channels)
	apply(c.devices, p.DeviceIDs)
}

func (c *WSClient) reply(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err == nil {
		c.queue(data)
	}
}
