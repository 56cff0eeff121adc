package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"

	"github.com/mschirtzinger/offsync/internal/engine"
	"github.com/mschirtzinger/offsync/internal/events"
	"github.com/mschirtzinger/offsync/internal/metrics"
)

type fakeStatus struct {
	statuses []*engine.Status
}

func (f *fakeStatus) GetAllStatus(context.Context) ([]*engine.Status, error) {
	return f.statuses, nil
}

func startServer(t *testing.T) *Server {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	status := &fakeStatus{statuses: []*engine.Status{
		{Collection: "inbox", Phase: engine.PhaseIdle, State: "idle", Pending: 2},
	}}
	server := NewServer(&Config{Addr: "127.0.0.1:0", Gatherer: metrics.NewRegistry(), Logger: logger}, status)
	if err := server.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { server.Stop() })
	return server
}

func dial(t *testing.T, ctx context.Context, server *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	return msg
}

// TestWebSocketWelcome tests that a new client first receives a status snapshot.
func TestWebSocketWelcome(t *testing.T) {
	server := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, server)
	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeStatus {
		t.Fatalf("welcome type = %s, want %s", msg.Type, MessageTypeStatus)
	}
	var statuses []*engine.Status
	if err := json.Unmarshal(msg.Data, &statuses); err != nil {
		t.Fatalf("Unmarshal(data) failed: %v", err)
	}
	if len(statuses) != 1 || statuses[0].Collection != "inbox" || statuses[0].Pending != 2 {
		t.Errorf("welcome statuses = %+v", statuses)
	}
	if n := server.ClientCount(); n != 1 {
		t.Errorf("ClientCount() = %d, want 1", n)
	}
}

// TestHandlerForwardsEvents tests the bus to WebSocket bridge.
func TestHandlerForwardsEvents(t *testing.T) {
	server := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conns := []*websocket.Conn{dial(t, ctx, server), dial(t, ctx, server)}
	for _, c := range conns {
		readMessage(t, ctx, c)
	}

	bus := events.NewBus()
	ch, unsubscribe := bus.Subscribe(8)
	defer unsubscribe()
	go NewHandler(server, nil).Forward(ctx, ch)

	bus.Publish(events.Event{
		Type:       events.SyncCompleted,
		Collection: "inbox",
		Data:       &engine.Summary{CycleID: "c-1", Collection: "inbox", Applied: 3},
	})

	for i, c := range conns {
		msg := readMessage(t, ctx, c)
		if msg.Type != MessageTypeSyncCompleted || msg.Collection != "inbox" {
			t.Fatalf("client %d got %+v", i, msg)
		}
		var sum engine.Summary
		if err := json.Unmarshal(msg.Data, &sum); err != nil {
			t.Fatalf("Unmarshal(summary) failed: %v", err)
		}
		if sum.CycleID != "c-1" || sum.Applied != 3 {
			t.Errorf("client %d summary = %+v", i, sum)
		}
	}
}

// TestHTTPEndpoints tests /health, /status and /metrics.
func TestHTTPEndpoints(t *testing.T) {
	server := startServer(t)
	base := "http://" + server.Addr()

	get := func(path string) (string, string) {
		t.Helper()
		resp, err := http.Get(base + path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", path, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s = %d", path, resp.StatusCode)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("ReadAll() failed: %v", err)
		}
		return resp.Header.Get("Content-Type"), string(body)
	}

	_, body := get("/health")
	if !strings.Contains(body, `"status":"ok"`) {
		t.Errorf("/health = %s", body)
	}

	ctype, body := get("/status")
	if ctype != "application/json" || !strings.Contains(body, `"collection":"inbox"`) {
		t.Errorf("/status = %s %s", ctype, body)
	}

	_, body = get("/metrics")
	if !strings.Contains(body, "go_goroutines") {
		t.Errorf("/metrics missing runtime metrics")
	}

	resp, err := http.Get(base + "/nope")
	if err != nil {
		t.Fatalf("GET /nope failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET /nope = %d, want 404", resp.StatusCode)
	}
}

// TestBroadcastNeverBlocks tests that a full queue drops instead of blocking.
func TestBroadcastNeverBlocks(t *testing.T) {
	server := NewServer(&Config{Addr: "127.0.0.1:0"}, nil)
	done := make(chan struct{})
	go func() {
		for range 500 {
			server.Broadcast(Message{Type: MessageTypeStateChanged})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast() blocked without a running server")
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
}
