package api

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cliniops/nhi-agent/internal/nhicard"
	"github.com/cliniops/nhi-agent/internal/patient"
)

func TestNewWSHub(t *testing.T) {
	hub := NewWSHub()

	if hub == nil {
		t.Fatal("NewWSHub() returned nil")
	}
	if hub.clients == nil {
		t.Error("clients map should be initialized")
	}
	if hub.broadcast == nil {
		t.Error("broadcast channel should be initialized")
	}
	if hub.register == nil {
		t.Error("register channel should be initialized")
	}
	if hub.unregister == nil {
		t.Error("unregister channel should be initialized")
	}
}

func TestWSHubRegisterUnregister(t *testing.T) {
	hub := NewWSHub()
	go hub.Run()

	client := &WSClient{
		send: make(chan []byte, 256),
		hub:  hub,
	}

	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	if !hub.clients[client] {
		t.Error("client not registered")
	}
	hub.mu.RUnlock()

	hub.unregister <- client
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	if hub.clients[client] {
		t.Error("client not unregistered")
	}
	hub.mu.RUnlock()

	// send channel is closed on unregister
	if _, ok := <-client.send; ok {
		t.Error("send channel should be closed")
	}
}

func TestWSHubBroadcastEvent(t *testing.T) {
	hub := NewWSHub()
	go hub.Run()

	client := &WSClient{
		send: make(chan []byte, 256),
		hub:  hub,
	}
	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	hub.BroadcastEvent("read.started", map[string]any{"request_id": "abc"})

	select {
	case raw := <-client.send:
		var msg struct {
			Type    string         `json:"type"`
			Event   string         `json:"event"`
			Payload map[string]any `json:"payload"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatal(err)
		}
		if msg.Type != "event" || msg.Event != "read.started" {
			t.Errorf("msg = %+v", msg)
		}
		if msg.Payload["request_id"] != "abc" {
			t.Errorf("payload = %v", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no broadcast received")
	}
}

// dial connects a test websocket client to a fresh handler.
func dial(t *testing.T) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(InitWebSocket())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, req WSMessage) WSMessage {
	t.Helper()
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp WSMessage
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	return resp
}

func TestWebSocketVersion(t *testing.T) {
	setupOffline(t)
	conn := dial(t)

	resp := roundTrip(t, conn, WSMessage{Type: "version", ID: "1"})
	if resp.Type != "version" || resp.ID != "1" {
		t.Errorf("resp = %+v", resp)
	}

	var payload map[string]string
	if err := json.Unmarshal(resp.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload["version"] == "" {
		t.Error("missing version")
	}
}

func TestWebSocketDriverStatus(t *testing.T) {
	setupOffline(t)
	conn := dial(t)

	resp := roundTrip(t, conn, WSMessage{Type: "driver_status", ID: "2"})
	if resp.Type != "driver_status" {
		t.Errorf("resp = %+v", resp)
	}

	var payload struct {
		Offline bool `json:"offline"`
	}
	if err := json.Unmarshal(resp.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if !payload.Offline {
		t.Error("expected offline status")
	}
}

func TestWebSocketUnknownType(t *testing.T) {
	setupOffline(t)
	conn := dial(t)

	resp := roundTrip(t, conn, WSMessage{Type: "bogus", ID: "3"})
	if resp.Type != "error" || resp.Error == "" {
		t.Errorf("resp = %+v", resp)
	}
}

// A read on an offline reader acknowledges the request, then broadcasts
// the failure event to every connected client.
func TestWebSocketReadCardOffline(t *testing.T) {
	setupOffline(t)
	conn := dial(t)

	resp := roundTrip(t, conn, WSMessage{Type: "read_card", ID: "4"})
	if resp.Type != "read_started" {
		t.Fatalf("ack = %+v", resp)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var event struct {
		Type    string `json:"type"`
		Event   string `json:"event"`
		Payload struct {
			Kind        string `json:"kind"`
			Remediation string `json:"remediation"`
		} `json:"payload"`
	}
	// Skip lifecycle events until the terminal one arrives
	for {
		if err := conn.ReadJSON(&event); err != nil {
			t.Fatalf("read event: %v", err)
		}
		if event.Event == "read.error" {
			break
		}
	}
	if event.Payload.Kind != "offline" {
		t.Errorf("event = %+v", event)
	}
	if !strings.Contains(event.Payload.Remediation, "manual entry") {
		t.Errorf("remediation = %q", event.Payload.Remediation)
	}
}

// A second read while one is in flight gets the busy message on its own
// connection only; no acknowledgement and no broadcast follow.
func TestWebSocketReadCardBusy(t *testing.T) {
	setupOffline(t)
	cardReader = &scriptedReader{
		read: func(_ func(string, *patient.Record), fail func(string, *nhicard.CardError)) string {
			fail("req-1", &nhicard.CardError{Kind: nhicard.KindBusy, Message: "a card read is already in progress"})
			return "req-1"
		},
	}
	conn := dial(t)

	resp := roundTrip(t, conn, WSMessage{Type: "read_card", ID: "6"})
	if resp.Type != "error" || !strings.Contains(resp.Error, "in progress") {
		t.Errorf("resp = %+v", resp)
	}
}

func TestWebSocketLastRecordEmpty(t *testing.T) {
	setupOffline(t)
	conn := dial(t)

	resp := roundTrip(t, conn, WSMessage{Type: "last_record", ID: "5"})
	if resp.Type != "error" {
		t.Errorf("resp = %+v", resp)
	}
}
