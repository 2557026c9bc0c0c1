// Package ws implements the WebSocket adapter streaming session progress to
// connected observers. Connections subscribe to a single session; the engine
// pushes an update after every component invocation.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload"`
}

// conn wraps a single WebSocket connection and the session it follows.
type conn struct {
	ws        *websocket.Conn
	sessionID string
	cancel    context.CancelFunc
}

// Hub manages active WebSocket connections grouped by session.
type Hub struct {
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[*conn]struct{}
}

// NewHub creates a WebSocket hub. A nil logger falls back to slog.Default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		conns:  make(map[*conn]struct{}),
	}
}

// HandleWS upgrades the request to a WebSocket subscribed to the session
// named by the {sessionID} route parameter.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		h.logger.Error("websocket accept failed", "error", err)
		return
	}

	// net/http cancels r.Context() the moment the handler returns, which
	// would tear the connection down right after the upgrade. Detach from the
	// request context and hold the handler open for the connection lifetime.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	c := &conn{ws: ws, sessionID: sessionID, cancel: cancel}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	h.logger.Info("websocket connected", "session_id", sessionID, "remote", r.RemoteAddr)

	defer func() {
		h.remove(c)
		_ = ws.Close(websocket.StatusNormalClosure, "")
	}()

	// Read loop: detects disconnects and consumes pings. Writes happen on the
	// broadcast path.
	for {
		if _, _, err := ws.Read(ctx); err != nil {
			return
		}
	}
}

// BroadcastToSession sends a message to every connection following the given
// session.
func (h *Hub) BroadcastToSession(ctx context.Context, sessionID string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("websocket marshal failed", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.conns {
		if c.sessionID != sessionID {
			continue
		}
		if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
			h.logger.Debug("websocket write failed", "session_id", sessionID, "error", err)
			go h.remove(c)
		}
	}
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// SessionConnectionCount returns the number of connections following one
// session.
func (h *Hub) SessionConnectionCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for c := range h.conns {
		if c.sessionID == sessionID {
			n++
		}
	}
	return n
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c]; ok {
		c.cancel()
		delete(h.conns, c)
		h.logger.Info("websocket disconnected", "session_id", c.sessionID)
	}
}
