package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cliniops/nhi-agent/internal/logging"
	"github.com/cliniops/nhi-agent/internal/nhicard"
	"github.com/cliniops/nhi-agent/internal/patient"
	"github.com/cliniops/nhi-agent/internal/records"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local use
	},
}

// WSMessage represents a WebSocket message
type WSMessage struct {
	Type    string          `json:"type"`              // Message type
	ID      string          `json:"id,omitempty"`      // Request ID for request/response matching
	Payload json.RawMessage `json:"payload,omitempty"` // Message payload
	Error   string          `json:"error,omitempty"`   // Error message if any
}

// WSClient represents a connected WebSocket client
type WSClient struct {
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub
}

// WSHub manages all WebSocket connections. Every client receives the
// acquisition lifecycle broadcasts; there is one physical reader, so
// there is nothing to subscribe to per client.
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan []byte
	register   chan *WSClient
	unregister chan *WSClient
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan []byte, 16),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
	}
}

// Run starts the hub's main loop
func (h *WSHub) Run() {
	// Re-panic after logging since hub crash is fatal
	defer logging.RecoverAndLog("WebSocket hub", true)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// BroadcastEvent pushes one acquisition lifecycle event to every client.
// It is the reader's event sink; the front-desk UI animates off these.
func (h *WSHub) BroadcastEvent(event string, fields map[string]any) {
	msg, err := json.Marshal(map[string]any{
		"type":    "event",
		"event":   event,
		"payload": fields,
	})
	if err != nil {
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		logging.Warn(logging.CatWebSocket, "Event broadcast dropped", map[string]any{
			"event": event,
		})
	}
}

// Global hub instance
var wsHub *WSHub

// InitWebSocket initializes the WebSocket hub, attaches it to the card
// reader's event stream, and returns the handler.
func InitWebSocket() http.HandlerFunc {
	wsHub = NewWSHub()
	go wsHub.Run()

	if cardReader != nil {
		cardReader.SetEventSink(wsHub.BroadcastEvent)
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Error(logging.CatWebSocket, "WebSocket upgrade failed", map[string]any{
				"error":      err.Error(),
				"remoteAddr": r.RemoteAddr,
			})
			return
		}

		logging.Info(logging.CatWebSocket, "Client connected", map[string]any{
			"remoteAddr": r.RemoteAddr,
		})

		client := &WSClient{
			conn: conn,
			send: make(chan []byte, 256),
			hub:  wsHub,
		}

		wsHub.register <- client

		go client.writePump()
		go client.readPump()
	}
}

func (c *WSClient) readPump() {
	// Recover from panics (runs last due to LIFO)
	defer logging.RecoverAndLog("WebSocket readPump", false)
	// Cleanup (runs first)
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn(logging.CatWebSocket, "WebSocket unexpected close", map[string]any{
					"error": err.Error(),
				})
			} else {
				logging.Debug(logging.CatWebSocket, "Client disconnected", nil)
			}
			break
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError("", "invalid message format")
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	// Recover from panics (runs last due to LIFO)
	defer logging.RecoverAndLog("WebSocket writePump", false)
	// Cleanup (runs first)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			if _, err := w.Write(message); err != nil {
				return
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(msg WSMessage) {
	logging.Debug(logging.CatWebSocket, "Received message", map[string]any{
		"type": msg.Type,
		"id":   msg.ID,
	})

	switch msg.Type {
	case "read_card":
		c.handleReadCard(msg.ID)
	case "last_record":
		c.handleLastRecord(msg.ID)
	case "driver_status":
		c.handleDriverStatus(msg.ID)
	case "version":
		c.handleVersion(msg.ID)
	case "health":
		c.handleHealth(msg.ID)
	default:
		logging.Warn(logging.CatWebSocket, "Unknown message type", map[string]any{
			"type": msg.Type,
		})
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

func (c *WSClient) sendResponse(id string, msgType string, payload interface{}) {
	payloadBytes, _ := json.Marshal(payload)
	response := WSMessage{
		Type:    msgType,
		ID:      id,
		Payload: payloadBytes,
	}
	responseBytes, _ := json.Marshal(response)
	c.send <- responseBytes
}

func (c *WSClient) sendError(id string, errMsg string) {
	response := WSMessage{
		Type:  "error",
		ID:    id,
		Error: errMsg,
	}
	responseBytes, _ := json.Marshal(response)
	c.send <- responseBytes
}

// handleReadCard starts a read. The acknowledgement carries the request
// ID; the record itself arrives on the broadcast stream so every open
// window updates, not just the one that clicked.
func (c *WSClient) handleReadCard(id string) {
	// A Busy rejection arrives through the failure callback before
	// ReadPatient returns; it goes back to the requesting client only,
	// and no read_started acknowledgement follows.
	busyRejected := false
	reqID := cardReader.ReadPatient(
		func(requestID string, rec *patient.Record) {
			appendAudit(requestID, rec, records.OpRead, 0)
			c.hub.BroadcastEvent("read.record", map[string]any{
				"request_id": requestID,
				"record":     rec,
			})
		},
		func(requestID string, cerr *nhicard.CardError) {
			if cerr.Kind == nhicard.KindBusy {
				busyRejected = true
				c.sendError(id, cerr.Message)
				return
			}
			c.hub.BroadcastEvent("read.error", map[string]any{
				"request_id":  requestID,
				"kind":        string(cerr.Kind),
				"error":       cerr.Message,
				"retryable":   cerr.Retryable(),
				"remediation": nhicard.Remediation(cerr),
			})
		},
	)
	if busyRejected {
		return
	}

	c.sendResponse(id, "read_started", map[string]string{
		"requestId": reqID,
	})
}

func (c *WSClient) handleLastRecord(id string) {
	last, err := recordsMgr.Last()
	if err != nil {
		c.sendError(id, err.Error())
		return
	}
	if last == nil {
		c.sendError(id, "no records today")
		return
	}
	c.sendResponse(id, "last_record", last)
}

func (c *WSClient) handleDriverStatus(id string) {
	c.sendResponse(id, "driver_status", cardReader.Status())
}

func (c *WSClient) handleVersion(id string) {
	c.sendResponse(id, "version", map[string]string{
		"version":   Version,
		"buildTime": BuildTime,
		"gitCommit": GitCommit,
	})
}

func (c *WSClient) handleHealth(id string) {
	st := cardReader.Status()
	c.sendResponse(id, "health", map[string]interface{}{
		"status":  "ok",
		"bound":   st.Bound,
		"offline": st.Offline,
	})
}
