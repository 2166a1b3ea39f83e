package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/wickhunter/internal/telemetry"
)

func startHub(t *testing.T) (*telemetry.Broadcaster, *httptest.Server) {
	t.Helper()
	source := telemetry.NewBroadcaster()
	hub := NewHub(source, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{Mode: "Engine"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.Run(ctx)
	}()
	waitFor(t, func() bool { return source.Subscribers() == 1 })

	ts := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(func() {
		ts.Close()
		cancel()
		<-done
	})
	return source, ts
}

func dial(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != websocket.TextMessage {
		t.Fatalf("expected text frame, got %d", kind)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return m
}

func frame(configID string, price float64) []byte {
	b, _ := json.Marshal(map[string]any{
		"type": "tick",
		"data": map[string]any{"configId": configID, "price": price},
	})
	return b
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestHubSendsHelloThenFrames(t *testing.T) {
	source, ts := startHub(t)
	conn := dial(t, ts, "")

	hello := readJSON(t, conn)
	if hello["type"] != "hello" {
		t.Fatalf("expected hello, got %v", hello["type"])
	}
	if data := hello["data"].(map[string]any); data["mode"] != "engine" {
		t.Fatalf("expected normalised mode, got %v", data["mode"])
	}

	source.Publish(frame("eth-1", 100))
	got := readJSON(t, conn)
	if got["type"] != "tick" {
		t.Fatalf("expected tick frame, got %v", got)
	}
}

func TestHubFiltersByConfig(t *testing.T) {
	source, ts := startHub(t)
	conn := dial(t, ts, "?config=btc-1")
	readJSON(t, conn) // hello

	source.Publish(frame("eth-1", 100))
	source.Publish(frame("btc-1", 50000))

	got := readJSON(t, conn)
	data := got["data"].(map[string]any)
	if data["configId"] != "btc-1" {
		t.Fatalf("expected only btc-1 frames, got %v", data["configId"])
	}
}

func TestHubSubscribeMessage(t *testing.T) {
	source, ts := startHub(t)
	conn := dial(t, ts, "?config=none")
	readJSON(t, conn)

	if err := conn.WriteJSON(subscribeMsg{Action: "subscribe", Configs: []string{"eth-1"}}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	// The subscription is applied asynchronously; publish until one lands.
	received := make(chan map[string]any, 1)
	go func() {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			close(received)
			return
		}
		var m map[string]any
		_ = json.Unmarshal(data, &m)
		received <- m
	}()

	deadline := time.After(2 * time.Second)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case m, ok := <-received:
			if !ok {
				t.Fatalf("expected a frame after subscribing")
			}
			if m["data"].(map[string]any)["configId"] != "eth-1" {
				t.Fatalf("unexpected frame %v", m)
			}
			return
		case <-ticker.C:
			source.Publish(frame("eth-1", 100))
		case <-deadline:
			t.Fatalf("timed out waiting for subscribed frame")
		}
	}
}

func TestFrameConfigID(t *testing.T) {
	if got := frameConfigID(frame("eth-1", 1)); got != "eth-1" {
		t.Fatalf("expected eth-1, got %q", got)
	}
	if got := frameConfigID([]byte("not json")); got != "" {
		t.Fatalf("expected empty id, got %q", got)
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://dash.example/"})
	tests := []struct {
		name   string
		origin string
		host   string
		want   bool
	}{
		{"no origin header", "", "api.example", true},
		{"allowed origin", "https://dash.example", "api.example", true},
		{"same host", "http://api.example", "api.example", true},
		{"foreign origin", "https://evil.example", "api.example", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := check(r); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}

	if !originChecker(nil)(httptest.NewRequest(http.MethodGet, "/ws", nil)) {
		t.Fatalf("expected empty allow-list to accept everything")
	}
}

func TestHubDropsClientsOnShutdown(t *testing.T) {
	source := telemetry.NewBroadcaster()
	hub := NewHub(source, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.Run(ctx)
	}()
	waitFor(t, func() bool { return source.Subscribers() == 1 })

	ts := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer ts.Close()
	conn := dial(t, ts, "")
	readJSON(t, conn)
	waitFor(t, func() bool { return hub.Clients() == 1 })

	cancel()
	<-done
	if hub.Clients() != 0 {
		t.Fatalf("expected no clients after shutdown, got %d", hub.Clients())
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected connection closed after shutdown")
	}
}
