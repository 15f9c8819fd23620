package status

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goodtune/stuffwatch/internal/engine"
	"github.com/goodtune/stuffwatch/internal/monitor"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	return msg
}

func waitForClients(t *testing.T, b *Broadcaster, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for b.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount() = %d, want %d", b.ClientCount(), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func status(feed string, frame int, state engine.State, at time.Time) monitor.Status {
	return monitor.Status{
		Feed:  feed,
		Frame: frame,
		At:    at,
		Engine: engine.Snapshot{
			State:     state,
			StateName: state.String(),
		},
	}
}

func TestBroadcaster_SnapshotOnConnect(t *testing.T) {
	b := NewBroadcaster(time.Second, zerolog.Nop())
	now := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	b.Observe(status("porch", 1, engine.StateArmed, now))
	b.Observe(status("kitchen", 7, engine.StateCalibrating, now))

	srv := httptest.NewServer(b)
	defer srv.Close()

	conn := dial(t, srv)
	msg := readMessage(t, conn)

	if msg.Type != MsgSnapshot {
		t.Fatalf("Type = %q, want %q", msg.Type, MsgSnapshot)
	}
	if len(msg.Statuses) != 2 {
		t.Fatalf("snapshot has %d statuses, want 2", len(msg.Statuses))
	}
	if msg.Statuses[0].Feed != "kitchen" || msg.Statuses[1].Feed != "porch" {
		t.Errorf("snapshot feeds = %s, %s; want sorted", msg.Statuses[0].Feed, msg.Statuses[1].Feed)
	}
	if msg.Statuses[1].Engine.StateName != "armed" {
		t.Errorf("porch state = %q, want armed", msg.Statuses[1].Engine.StateName)
	}
}

func TestBroadcaster_Throttle(t *testing.T) {
	b := NewBroadcaster(time.Second, zerolog.Nop())
	srv := httptest.NewServer(b)
	defer srv.Close()

	conn := dial(t, srv)
	if msg := readMessage(t, conn); msg.Type != MsgSnapshot || len(msg.Statuses) != 0 {
		t.Fatalf("initial message = %+v, want empty snapshot", msg)
	}
	waitForClients(t, b, 1)

	start := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	// First sighting goes out, the second frame is throttled.
	b.Observe(status("porch", 1, engine.StateArmed, start))
	b.Observe(status("porch", 2, engine.StateArmed, start.Add(100*time.Millisecond)))
	// State changes always go out.
	alarm := status("porch", 3, engine.StateAlarmed, start.Add(200*time.Millisecond))
	alarm.Fired = true
	b.Observe(alarm)
	// So do routine frames once the interval has elapsed.
	b.Observe(status("porch", 4, engine.StateAlarmed, start.Add(2*time.Second)))

	var frames []int
	for i := 0; i < 3; i++ {
		msg := readMessage(t, conn)
		if msg.Type != MsgUpdate || len(msg.Statuses) != 1 {
			t.Fatalf("message %d = %+v", i, msg)
		}
		frames = append(frames, msg.Statuses[0].Frame)
	}

	want := []int{1, 3, 4}
	for i := range want {
		if frames[i] != want[i] {
			t.Errorf("update frames = %v, want %v", frames, want)
			break
		}
	}

	if got := b.Snapshot(); len(got) != 1 || got[0].Frame != 4 {
		t.Errorf("Snapshot() = %+v, want latest frame 4", got)
	}
}

func TestBroadcaster_ClientDisconnect(t *testing.T) {
	b := NewBroadcaster(time.Second, zerolog.Nop())
	srv := httptest.NewServer(b)
	defer srv.Close()

	conn := dial(t, srv)
	readMessage(t, conn)
	waitForClients(t, b, 1)

	_ = conn.Close()
	waitForClients(t, b, 0)
}

func TestBroadcaster_RemoveDuringBroadcast(t *testing.T) {
	b := NewBroadcaster(time.Hour, zerolog.Nop())

	clients := make([]*client, 300)
	b.mu.Lock()
	for i := range clients {
		clients[i] = &client{send: make(chan []byte, 1)}
		b.clients[clients[i]] = true
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, c := range clients {
			b.removeClient(c)
		}
	}()

	start := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 3000; i++ {
		st := status("kitchen", i, engine.StateAlarmed, start.Add(time.Duration(i)*time.Millisecond))
		st.Fired = true
		b.Observe(st)
	}
	<-done

	if got := b.ClientCount(); got != 0 {
		t.Errorf("ClientCount() = %d, want 0", got)
	}
}
