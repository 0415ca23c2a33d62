package wshub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"crabstack.local/projects/conversatrait/internal/events"
)

const (
	ActionJoin  = "join_analysis"
	ActionLeave = "leave_analysis"

	maxClientMessageBytes int64 = 4 << 10
	sendBufferSize              = 64
	writeTimeout                = 10 * time.Second
)

// SnapshotFunc returns the current state of a session as an event, sent to
// a client right after it joins so it does not miss earlier progress.
type SnapshotFunc func(ctx context.Context, sessionID string) (events.Event, bool)

type Option func(*Hub)

func WithSnapshot(fn SnapshotFunc) Option {
	return func(h *Hub) {
		h.snapshot = fn
	}
}

// Hub pushes session events to websocket clients that joined the session's
// room.
type Hub struct {
	logger   zerolog.Logger
	snapshot SnapshotFunc
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	rooms   map[string]map[*client]struct{}
	closed  bool
}

type client struct {
	conn  *websocket.Conn
	send  chan []byte
	rooms map[string]*watermark
	once  sync.Once
}

// watermark is what a client has already been sent for one session. The
// join snapshot and queued live events race, so anything older than the
// watermark or after a terminal event is dropped.
type watermark struct {
	progress int
	done     bool
}

type clientMessage struct {
	Action    string `json:"action"`
	SessionID string `json:"session_id"`
}

type ackMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

func New(logger zerolog.Logger, opts ...Option) *Hub {
	h := &Hub{
		logger:  logger.With().Str("subscriber", "websocket").Logger(),
		clients: make(map[*client]struct{}),
		rooms:   make(map[string]map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: isWebSocketOriginAllowed}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

func (h *Hub) Name() string {
	return "websocket"
}

// Handle fans event out to the session's room. Clients that cannot keep up
// are disconnected.
func (h *Hub) Handle(_ context.Context, event events.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.rooms[event.SessionID] {
		h.deliverLocked(c, event, payload)
	}
	return nil
}

// deliverLocked sends event to c unless c has already seen later progress
// or the end of the session.
func (h *Hub) deliverLocked(c *client, event events.Event, payload []byte) {
	mark, ok := c.rooms[event.SessionID]
	if !ok || mark.done || event.Progress < mark.progress {
		return
	}
	mark.progress = event.Progress
	mark.done = event.Terminal()

	select {
	case c.send <- payload:
	default:
		h.logger.Warn().Str("session_id", event.SessionID).Msg("websocket client too slow, disconnecting")
		h.dropLocked(c)
	}
}

// ServeHTTP upgrades the request and serves join/leave messages until the
// client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxClientMessageBytes)

	c := &client{
		conn:  conn,
		send:  make(chan []byte, sendBufferSize),
		rooms: make(map[string]*watermark),
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writeLoop(c)
	}()

	h.readLoop(r.Context(), c)

	h.mu.Lock()
	h.dropLocked(c)
	h.mu.Unlock()
	<-done
}

func (h *Hub) readLoop(ctx context.Context, c *client) {
	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		sessionID := strings.TrimSpace(msg.SessionID)
		if sessionID == "" {
			h.reply(c, ackMessage{Type: "error", Error: "session_id is required"})
			continue
		}

		switch msg.Action {
		case ActionJoin:
			h.join(c, sessionID)
			h.reply(c, ackMessage{Type: "joined_analysis", SessionID: sessionID})
			if h.snapshot != nil {
				if event, ok := h.snapshot(ctx, sessionID); ok {
					h.sendSnapshot(c, event)
				}
			}
		case ActionLeave:
			h.leave(c, sessionID)
			h.reply(c, ackMessage{Type: "left_analysis", SessionID: sessionID})
		default:
			h.reply(c, ackMessage{Type: "error", SessionID: sessionID, Error: "unsupported action"})
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	for payload := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			_ = c.conn.Close()
			for range c.send {
			}
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = c.conn.Close()
}

func (h *Hub) reply(c *client, msg ackMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.enqueue(c, payload)
}

func (h *Hub) enqueue(c *client, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- payload:
	default:
		h.dropLocked(c)
	}
}

func (h *Hub) sendSnapshot(c *client, event events.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	h.deliverLocked(c, event, payload)
}

func (h *Hub) join(c *client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	room, ok := h.rooms[sessionID]
	if !ok {
		room = make(map[*client]struct{})
		h.rooms[sessionID] = room
	}
	room[c] = struct{}{}
	if _, joined := c.rooms[sessionID]; !joined {
		c.rooms[sessionID] = &watermark{}
	}
}

func (h *Hub) leave(c *client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, sessionID)
}

func (h *Hub) leaveLocked(c *client, sessionID string) {
	delete(c.rooms, sessionID)
	room := h.rooms[sessionID]
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, sessionID)
	}
}

func (h *Hub) dropLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	for sessionID := range c.rooms {
		h.leaveLocked(c, sessionID)
	}
	c.once.Do(func() { close(c.send) })
}

// RoomSize is the number of clients watching sessionID.
func (h *Hub) RoomSize(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[sessionID])
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.dropLocked(c)
	}
}

func isWebSocketOriginAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	parsedOrigin, err := url.Parse(origin)
	if err != nil || strings.TrimSpace(parsedOrigin.Host) == "" {
		return false
	}
	return strings.EqualFold(parsedOrigin.Host, r.Host)
}
