// Package ws serves engine telemetry to observers over websockets.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// sendBufferSize is the per-client backlog; a client that falls this far
	// behind is disconnected.
	sendBufferSize = 256

	// allConfigs subscribes a client to every engine.
	allConfigs = "*"
)

// Source yields telemetry frames. telemetry.Broadcaster satisfies it.
type Source interface {
	Subscribe(buffer int) (<-chan []byte, func())
}

// Config captures runtime metadata sent to clients on connect.
type Config struct {
	Mode      string
	StartedAt time.Time
	// AllowedOrigins limits browser connections. Empty or "*" allows all.
	AllowedOrigins []string
}

// Hub fans telemetry frames out to connected websocket clients. Frames are
// routed by their data.configId.
type Hub struct {
	source    Source
	logger    *slog.Logger
	mode      string
	startedAt time.Time
	upgrader  websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub creates a hub that drains source once Run is called.
func NewHub(source Source, logger *slog.Logger, cfg Config) *Hub {
	mode := strings.TrimSpace(strings.ToLower(cfg.Mode))
	if mode == "" {
		mode = "unknown"
	}
	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}

	return &Hub{
		source:    source,
		logger:    logger.With(slog.String("component", "ws_hub")),
		mode:      mode,
		startedAt: startedAt,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		clients: make(map[*client]struct{}),
	}
}

// originChecker accepts non-browser clients (no Origin header) and browsers
// from the allowed origins.
func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/"))] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(set) == 0 || set["*"] {
			return true
		}
		if set[strings.ToLower(origin)] {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}

// Run drains the source and routes frames until ctx is cancelled, then
// closes every client.
func (h *Hub) Run(ctx context.Context) error {
	frames, cancel := h.source.Subscribe(sendBufferSize)
	defer cancel()
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				h.logger.Warn("ws: telemetry source closed")
				<-ctx.Done()
				return ctx.Err()
			}
			h.route(frame)
		}
	}
}

func (h *Hub) route(frame []byte) {
	configID := frameConfigID(frame)

	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		if !c.isSubscribed(configID) {
			continue
		}
		if !c.enqueue(frame) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("ws: disconnecting slow client", slog.String("remote_addr", c.remote))
		h.remove(c)
	}
}

// frameConfigID extracts data.configId from a telemetry frame.
func frameConfigID(frame []byte) string {
	var envelope struct {
		Data struct {
			ConfigID string `json:"configId"`
		} `json:"data"`
	}
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return ""
	}
	return envelope.Data.ConfigID
}

// HandleWS upgrades the request and attaches the client. ?config=<id>
// narrows the stream to one engine.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	initial := allConfigs
	if id := strings.TrimSpace(r.URL.Query().Get("config")); id != "" {
		initial = id
	}
	c := newClient(h, conn, r.RemoteAddr, initial)
	c.enqueue(h.hello())
	if !h.add(c) {
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("ws: client connected", slog.Int("total_clients", n))
	return true
}

// remove detaches c and closes its send queue. It is idempotent.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.logger.Info("ws: client disconnected", slog.Int("total_clients", n))
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// hello is the first frame on every connection so dashboards can mark the
// link healthy before the first tick.
func (h *Hub) hello() []byte {
	uptime := max(int64(time.Since(h.startedAt).Seconds()), 0)
	msg, _ := json.Marshal(map[string]any{
		"type": "hello",
		"data": map[string]any{
			"mode":          h.mode,
			"uptimeSeconds": uptime,
		},
	})
	return msg
}
