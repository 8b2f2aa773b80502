package web

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mdwoicke/dentix-ortho-sub015/internal/logger"
)

// hubMessage is the envelope pushed to websocket clients.
type hubMessage struct {
	Type        string      `json:"type"`
	RunID       string      `json:"runId,omitempty"`
	CallID      string      `json:"callId,omitempty"`
	Environment string      `json:"environment,omitempty"`
	Data        interface{} `json:"data"`
}

// clientFilter narrows what a client receives. Empty fields match anything.
type clientFilter struct {
	RunID       string
	Environment string
}

func (f clientFilter) matches(msg hubMessage) bool {
	if f.RunID != "" && f.RunID != msg.RunID {
		return false
	}
	if f.Environment != "" && !strings.EqualFold(f.Environment, msg.Environment) {
		return false
	}
	return true
}

// WebsocketHub fans run events out to live connections.
type WebsocketHub struct {
	logger  logger.Logger
	clients map[*websocket.Conn]clientFilter
	mu      sync.RWMutex
	writeMu sync.Mutex

	upgrader websocket.Upgrader
}

// NewWebsocketHub creates a new hub.
func NewWebsocketHub(log logger.Logger) *WebsocketHub {
	return &WebsocketHub{
		logger:  log,
		clients: make(map[*websocket.Conn]clientFilter),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Upgrade upgrades the HTTP connection to WebSocket.
func (h *WebsocketHub) Upgrade(w http.ResponseWriter, r *http.Request, filter clientFilter) (*websocket.Conn, error) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	h.register(conn, filter)
	return conn, nil
}

func (h *WebsocketHub) register(conn *websocket.Conn, filter clientFilter) {
	h.mu.Lock()
	h.clients[conn] = filter
	h.mu.Unlock()

	go h.readLoop(conn)
}

func (h *WebsocketHub) readLoop(conn *websocket.Conn) {
	defer h.unregister(conn)

	conn.SetReadLimit(1024)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WebsocketHub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.clients[conn]
	delete(h.clients, conn)
	h.mu.Unlock()

	if ok {
		conn.Close()
	}
}

// Clients returns the number of live connections.
func (h *WebsocketHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends msg to every connection whose filter matches.
func (h *WebsocketHub) Broadcast(msg hubMessage) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn, filter := range h.clients {
		if filter.matches(msg) {
			conns = append(conns, conn)
		}
	}
	h.mu.RUnlock()

	if len(conns) == 0 {
		return
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal websocket payload", "error", err)
		return
	}

	// gorilla connections allow one concurrent writer.
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.logger.Warn("Failed to write to websocket client", "error", err)
			h.unregister(conn)
		}
	}
}

// Close terminates all connections.
func (h *WebsocketHub) Close() {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.clients = make(map[*websocket.Conn]clientFilter)
	h.mu.Unlock()

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	for _, conn := range conns {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}
}
