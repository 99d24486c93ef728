package web

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"hue-connector/internal/events"
)

func newTestHub() *WSHub {
	return NewWSHub(testLogger())
}

func testEvent(typ string) events.Event {
	return events.Event{Type: typ, Time: time.Now(), Data: events.Device{ID: "l1", Name: "Desk"}}
}

func TestWSHubRegisterUnregister(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client

	// Give hub time to process
	time.Sleep(10 * time.Millisecond)

	if n := hub.Clients(); n != 1 {
		t.Errorf("after register: count = %d, want 1", n)
	}

	hub.unregister <- client
	time.Sleep(10 * time.Millisecond)

	if n := hub.Clients(); n != 0 {
		t.Errorf("after unregister: count = %d, want 0", n)
	}
	if _, ok := <-client.send; ok {
		t.Error("send channel should be closed after unregister")
	}

	// Unregistering twice must not close the channel again.
	hub.unregister <- client
	time.Sleep(10 * time.Millisecond)
}

func TestWSHubBroadcast(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	c1 := &wsClient{send: make(chan []byte, 16)}
	c2 := &wsClient{send: make(chan []byte, 16)}

	hub.register <- c1
	hub.register <- c2
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(testEvent(events.DeviceAdded))
	time.Sleep(10 * time.Millisecond)

	for i, c := range []*wsClient{c1, c2} {
		select {
		case msg := <-c.send:
			var ev struct {
				Type string         `json:"type"`
				Data map[string]any `json:"data"`
			}
			if err := json.Unmarshal(msg, &ev); err != nil {
				t.Fatalf("c%d: %v", i+1, err)
			}
			if ev.Type != events.DeviceAdded || ev.Data["id"] != "l1" {
				t.Errorf("c%d received %s", i+1, msg)
			}
		default:
			t.Errorf("c%d did not receive broadcast", i+1)
		}
	}
}

func TestWSHubSlowClientEviction(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	slow := &wsClient{send: make(chan []byte, 1)}
	fast := &wsClient{send: make(chan []byte, 64)}

	hub.register <- slow
	hub.register <- fast
	time.Sleep(10 * time.Millisecond)

	// The first message fills the slow client's buffer, the second evicts it.
	hub.Broadcast(testEvent(events.DeviceState))
	time.Sleep(10 * time.Millisecond)
	hub.Broadcast(testEvent(events.DeviceState))
	time.Sleep(10 * time.Millisecond)

	hub.mu.Lock()
	_, slowPresent := hub.clients[slow]
	_, fastPresent := hub.clients[fast]
	hub.mu.Unlock()

	if slowPresent {
		t.Error("slow client should have been evicted")
	}
	if !fastPresent {
		t.Error("fast client should still be present")
	}
}

func TestWSHubBroadcastDropsWhenFull(t *testing.T) {
	hub := newTestHub()
	// Not running: nothing drains the broadcast channel.
	for i := 0; i < cap(hub.broadcast); i++ {
		hub.Broadcast(testEvent(events.DeviceState))
	}

	done := make(chan struct{})
	go func() {
		hub.Broadcast(testEvent(events.DeviceState))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked on a full channel")
	}
	if len(hub.broadcast) != cap(hub.broadcast) {
		t.Errorf("queued = %d, want %d", len(hub.broadcast), cap(hub.broadcast))
	}
}

func TestWSHubStop(t *testing.T) {
	hub := newTestHub()
	stopped := make(chan struct{})
	go func() {
		hub.Run()
		close(stopped)
	}()

	client := &wsClient{send: make(chan []byte, 1)}
	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	hub.Stop()
	hub.Stop()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
	if _, ok := <-client.send; ok {
		t.Error("client send channel should be closed on stop")
	}
	if n := hub.Clients(); n != 0 {
		t.Errorf("clients after stop = %d", n)
	}
}

func TestWSSnapshotThenEvents(t *testing.T) {
	ts := setupTestServer(t)
	httpSrv := httptest.NewServer(ts.srv)
	defer httpSrv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	read := func() map[string]any {
		t.Helper()
		_, msg, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var ev map[string]any
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("decode %s: %v", msg, err)
		}
		return ev
	}

	snap := read()
	if snap["type"] != snapshotEvent {
		t.Fatalf("first message type = %v, want snapshot", snap["type"])
	}
	if devices, _ := snap["data"].([]any); len(devices) != 2 {
		t.Errorf("snapshot devices = %v", snap["data"])
	}

	// Wait for the hub to register the client before emitting.
	deadline := time.Now().Add(2 * time.Second)
	for ts.srv.wsHub.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	ts.bus.Emit(events.DeviceRenamed, events.Device{ID: "l1", Name: "Lamp", OldName: "Desk"})
	ev := read()
	if ev["type"] != events.DeviceRenamed {
		t.Errorf("event type = %v", ev["type"])
	}
	if data, _ := ev["data"].(map[string]any); data["old_name"] != "Desk" {
		t.Errorf("event data = %v", ev["data"])
	}
}
