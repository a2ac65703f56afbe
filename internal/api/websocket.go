package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mescon/panoguard/internal/config"
	"github.com/mescon/panoguard/internal/domain"
	"github.com/mescon/panoguard/internal/eventbus"
	"github.com/mescon/panoguard/internal/logger"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	writeWait  = 10 * time.Second
)

// newUpgrader returns an upgrader whose origin check follows the CORS setting:
// "*" allows everything, a list allows its members, and an empty setting
// allows only same-host origins.
func newUpgrader(corsOrigins string) websocket.Upgrader {
	allowedOrigins := make(map[string]bool)
	if corsOrigins != "" && corsOrigins != "*" {
		for _, origin := range strings.Split(corsOrigins, ",") {
			allowedOrigins[strings.TrimSpace(origin)] = true
		}
	}

	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			switch {
			case corsOrigins == "*":
				return true
			case origin == "":
				return true // No origin header = same-origin request
			case corsOrigins == "":
				return strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://") == r.Host
			}
			return allowedOrigins[origin]
		},
	}
}

// WebSocketHub relays lifecycle events and log lines to connected clients.
type WebSocketHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan interface{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.Mutex
	upgrader   websocket.Upgrader
	logCh      chan logger.LogEntry
	done       chan struct{}
	closeOnce  sync.Once
}

func NewWebSocketHub(eventBus *eventbus.EventBus) *WebSocketHub {
	h := &WebSocketHub{
		broadcast:  make(chan interface{}, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		clients:    make(map[*websocket.Conn]bool),
		upgrader:   newUpgrader(config.Get().CORSOrigin),
		done:       make(chan struct{}),
	}

	if eventBus != nil {
		eventBus.SubscribeAll(func(e domain.Event) {
			h.send(map[string]interface{}{
				"type": "event",
				"data": e,
			})
		})
	}

	h.logCh = logger.Subscribe()
	go func() {
		for entry := range h.logCh {
			h.send(map[string]interface{}{
				"type": "log",
				"data": entry,
			})
		}
	}()

	go h.run()
	return h
}

// send queues a message unless the hub is closed.
func (h *WebSocketHub) send(msg interface{}) {
	select {
	case h.broadcast <- msg:
	case <-h.done:
	}
}

func (h *WebSocketHub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				_ = client.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			logger.Debugf("WebSocket client connected (Total: %d)", len(h.clients))
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				if err := client.Close(); err != nil {
					logger.Debugf("WebSocket close error: %v", err)
				}
				logger.Debugf("WebSocket client disconnected")
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				_ = client.SetWriteDeadline(time.Now().Add(writeWait))
				if err := client.WriteJSON(message); err != nil {
					// Logged at debug: an error-level line would be broadcast again
					logger.Debugf("WebSocket write error: %v", err)
					_ = client.Close()
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *WebSocketHub) HandleConnection(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("Failed to upgrade to WebSocket: %v", err)
		return
	}
	select {
	case h.register <- ws:
	case <-h.done:
		_ = ws.Close()
		return
	}

	h.mu.Lock()
	if err := ws.WriteJSON(gin.H{"type": "ping", "timestamp": time.Now()}); err != nil {
		logger.Debugf("Failed to send initial ping: %v", err)
	}
	h.mu.Unlock()

	if err := ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Debugf("Failed to set initial read deadline: %v", err)
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go h.pingLoop(ws, stopPing)

	defer func() {
		select {
		case h.unregister <- ws:
		case <-h.done:
		}
	}()

	// Clients never send anything meaningful; reading drives the pong handler
	// and notices the close.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WebSocketHub) pingLoop(ws *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-h.done:
			return
		case <-ticker.C:
		}

		h.mu.Lock()
		if !h.clients[ws] {
			h.mu.Unlock()
			return
		}
		// Write while holding the mutex so pings never interleave with broadcasts
		err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
		h.mu.Unlock()
		if err != nil {
			logger.Debugf("WebSocket ping error: %v", err)
			return
		}
	}
}

// ClientCount returns the number of connected WebSocket clients
func (h *WebSocketHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and stops relaying.
func (h *WebSocketHub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		logger.Unsubscribe(h.logCh)
	})
}
