package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"hass-sync/internal/hub"
)

func waitClients(t *testing.T, es *EventStream, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		es.mu.RLock()
		got := len(es.clients)
		es.mu.RUnlock()
		if got == n {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", got, n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// waitDrained waits until Run has taken every queued event, so a client
// registered afterwards sees none of them.
func waitDrained(t *testing.T, es *EventStream) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for len(es.queue) > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("queue still holds %d events", len(es.queue))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func recvEvent(t *testing.T, c *wsClient) hub.Event {
	t.Helper()
	select {
	case data, ok := <-c.send:
		if !ok {
			t.Fatal("client channel closed")
		}
		var ev hub.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatal(err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
	return hub.Event{}
}

func TestEventStreamEvictsSlowClient(t *testing.T) {
	es := NewEventStream(testLogger())
	go es.Run()
	defer es.Stop()

	slow := &wsClient{send: make(chan []byte, 1)}
	fast := &wsClient{send: make(chan []byte, 8)}
	es.register <- slow
	es.register <- fast
	waitClients(t, es, 2)

	es.Publish(hub.Event{Type: hub.EventHubState, Data: "started"})
	es.Publish(hub.Event{Type: hub.EventHubState, Data: "stopped"})
	waitClients(t, es, 1)

	es.mu.RLock()
	_, fastPresent := es.clients[fast]
	es.mu.RUnlock()
	if !fastPresent {
		t.Fatal("fast client evicted")
	}
	if ev := recvEvent(t, fast); ev.Type != hub.EventHubState || ev.Data != "started" {
		t.Errorf("event = %+v", ev)
	}
}

func TestEventStreamFilter(t *testing.T) {
	es := NewEventStream(testLogger())
	go es.Run()
	defer es.Stop()

	c := &wsClient{send: make(chan []byte, 8)}
	c.setFilter([]string{"light.porch"})
	es.register <- c
	waitClients(t, es, 1)

	es.Publish(hub.Event{Type: hub.EventEntityState, Data: hub.EntityEvent{EntityID: "sensor.temp"}})
	es.Publish(hub.Event{Type: hub.EventEntityState, Data: hub.EntityEvent{EntityID: "light.porch"}})
	es.Publish(hub.Event{Type: hub.EventHubState, Data: "stopped"})

	if ev := recvEvent(t, c); ev.Type != hub.EventEntityState || !strings.Contains(mustMarshal(t, ev.Data), "light.porch") {
		t.Errorf("first event = %+v, want light.porch state", ev)
	}
	if ev := recvEvent(t, c); ev.Type != hub.EventHubState {
		t.Errorf("second event = %+v, want hub_state", ev)
	}

	c.setFilter(nil)
	if !c.wants("sensor.temp") {
		t.Error("cleared filter should accept every entity")
	}
}

func mustMarshal(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestEventStreamPublishNeverBlocks(t *testing.T) {
	es := NewEventStream(testLogger())
	// Run is not started, so the queue fills up.
	done := make(chan struct{})
	go func() {
		for range 2 * wsQueueSize {
			es.Publish(hub.Event{Type: hub.EventHubState})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Publish blocked when the queue is full")
	}
}

func TestEventStreamStop(t *testing.T) {
	es := NewEventStream(testLogger())
	go es.Run()

	client := &wsClient{send: make(chan []byte, 1)}
	es.register <- client
	waitClients(t, es, 1)

	es.Stop()
	es.Stop()

	select {
	case _, ok := <-client.send:
		if ok {
			t.Error("client.send delivered a message instead of closing")
		}
	case <-time.After(time.Second):
		t.Error("client.send not closed after Stop")
	}
}

type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func readWS(ctx context.Context, t *testing.T, conn *websocket.Conn) wsMessage {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatal(err)
	}
	return msg
}

func dialWS(ctx context.Context, t *testing.T, ts *testServer) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(ts.srv)
	t.Cleanup(srv.Close)
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func TestWSPushesHubEvents(t *testing.T) {
	ts := newTestServer(t, false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dialWS(ctx, t, ts)

	if msg := readWS(ctx, t, conn); msg.Type != wsSnapshot || string(msg.Data) != "[]" {
		t.Fatalf("first message = %s %s, want empty snapshot", msg.Type, msg.Data)
	}
	waitClients(t, ts.srv.stream, 1)

	ts.track(t, "light.kitchen", "on")
	if rec := ts.do(t, http.MethodPost, "/api/entities/light.kitchen/refresh", nil); rec.Code != http.StatusOK {
		t.Fatalf("refresh: status = %d", rec.Code)
	}

	var types []string
	for len(types) < 2 {
		msg := readWS(ctx, t, conn)
		types = append(types, msg.Type)
		if msg.Type == hub.EventEntityState && !strings.Contains(string(msg.Data), `"state":"on"`) {
			t.Errorf("state event data = %s", msg.Data)
		}
	}
	want := []string{hub.EventEntityTracked, hub.EventEntityState}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", types, want)
	}
}

func TestWSSnapshotAndSubscribe(t *testing.T) {
	ts := newTestServer(t, false)
	ts.track(t, "light.kitchen", "on")
	ts.track(t, "switch.fan", "off")
	waitDrained(t, ts.srv.stream)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dialWS(ctx, t, ts)

	msg := readWS(ctx, t, conn)
	if msg.Type != wsSnapshot {
		t.Fatalf("first message type = %q", msg.Type)
	}
	var views []EntityView
	if err := json.Unmarshal(msg.Data, &views); err != nil {
		t.Fatal(err)
	}
	if len(views) != 2 || views[0].EntityID != "light.kitchen" || views[1].EntityID != "switch.fan" {
		t.Fatalf("snapshot = %+v", views)
	}
	waitClients(t, ts.srv.stream, 1)

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"subscribe","entity_ids":["switch.fan"]}`)); err != nil {
		t.Fatal(err)
	}
	// The snapshot request is handled after the subscribe on the same
	// connection, so its reply proves the filter is in place.
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"snapshot"}`)); err != nil {
		t.Fatal(err)
	}
	if msg := readWS(ctx, t, conn); msg.Type != wsSnapshot {
		t.Fatalf("reply type = %q, want snapshot", msg.Type)
	}

	for _, id := range []string{"light.kitchen", "switch.fan"} {
		if rec := ts.do(t, http.MethodPost, "/api/entities/"+id+"/refresh", nil); rec.Code != http.StatusOK {
			t.Fatalf("refresh %s: status = %d", id, rec.Code)
		}
	}
	msg = readWS(ctx, t, conn)
	if msg.Type != hub.EventEntityState || !strings.Contains(string(msg.Data), "switch.fan") {
		t.Errorf("event = %s %s, want switch.fan state only", msg.Type, msg.Data)
	}
}
