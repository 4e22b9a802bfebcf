package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second // must be less than pongWait
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

// Hub keeps one websocket connection per user and fans inbound events out to
// the handler. A second connection for the same user replaces the first.
type Hub struct {
	handler  Handler
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*client
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Mobile clients connect from app webviews/native code; origin
			// enforcement happens at the auth layer, not here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[string]*client),
	}
}

// Bind installs the event handler. The hub and its handler reference each
// other, so the handler is attached after both exist and before Serve is
// reachable.
func (h *Hub) Bind(handler Handler) {
	h.handler = handler
}

type client struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
	once   sync.Once
	done   chan struct{}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Serve upgrades the request and runs the connection's read loop until the
// client goes away. The caller must have authenticated userID already.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("websocket upgrade: %w", err)
	}

	cl := &client{
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if prev, ok := h.conns[userID]; ok {
		prev.close()
	}
	h.conns[userID] = cl
	h.mu.Unlock()

	h.log.Debug("socket connected", "user_id", userID)

	go h.writePump(cl)
	h.readPump(r.Context(), cl)

	h.mu.Lock()
	if h.conns[userID] == cl {
		delete(h.conns, userID)
	}
	h.mu.Unlock()
	cl.close()

	h.log.Debug("socket disconnected", "user_id", userID)
	return nil
}

func (h *Hub) readPump(ctx context.Context, cl *client) {
	cl.conn.SetReadLimit(maxMessageSize)
	_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("socket read error", "user_id", cl.userID, "err", err)
			}
			return
		}

		var ev ClientEvent
		if err := json.Unmarshal(raw, &ev); err != nil || ev.Event == "" {
			h.send(cl, Ack{Event: "ack", OK: false, Code: "INVALID_PAYLOAD", Message: "malformed event envelope"})
			continue
		}

		// Each event is an independent unit of work; a slow store operation
		// must not block the read loop or other events on this connection.
		go func(ev ClientEvent) {
			defer func() {
				if p := recover(); p != nil {
					h.log.Error("event handler panic", "user_id", cl.userID, "event", ev.Event, "panic", p)
				}
			}()
			if ack := h.handler.HandleEvent(ctx, cl.userID, ev); ack != nil {
				h.send(cl, *ack)
			}
		}(ev)
	}
}

func (h *Hub) writePump(cl *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-cl.send:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = cl.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := cl.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				cl.close()
				return
			}
		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				cl.close()
				return
			}
		case <-cl.done:
			return
		}
	}
}

func (h *Hub) send(cl *client, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		h.log.Error("marshal outbound message", "err", err)
		return
	}
	select {
	case cl.send <- raw:
	default:
		// Slow consumer; drop rather than block every other sender.
		h.log.Warn("send buffer full, dropping message", "user_id", cl.userID)
	}
}

type serverEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// EmitToUser delivers an event to the user's live connection on this node.
// A user without a connection is not an error; the caller decides whether a
// push fallback applies.
func (h *Hub) EmitToUser(_ context.Context, userID, event string, payload any) error {
	h.mu.RLock()
	cl, ok := h.conns[userID]
	h.mu.RUnlock()
	if !ok {
		return errors.New("transport: user not connected")
	}
	h.send(cl, serverEvent{Event: event, Data: payload})
	return nil
}

func (h *Hub) IsUserReachable(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[userID]
	return ok
}

// Close tears down every connection, for graceful shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, cl := range h.conns {
		cl.close()
	}
	h.conns = make(map[string]*client)
}
