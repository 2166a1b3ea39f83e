package hyperliquid

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/wickhunter/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// readWait is how long the connection may stay silent. The server answers
	// every ping, so it only expires on a dead link.
	readWait = 90 * time.Second

	// PingPeriod is the application-level keepalive interval.
	PingPeriod = 30 * time.Second
)

// TradeHandler receives each parsed trade batch in arrival order.
type TradeHandler func(ticks []domain.Tick)

// WSClient is one websocket connection to the trade feed. It does not
// reconnect; the owner dials a new client when Done fires.
type WSClient struct {
	wsURL      string
	pingPeriod time.Duration
	onTrades   TradeHandler
	now        func() time.Time

	mu   sync.Mutex
	conn *websocket.Conn

	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	err       error
}

// NewWSClient creates a client for wsURL. onTrades is called from the read
// goroutine.
func NewWSClient(wsURL string, onTrades TradeHandler) *WSClient {
	return &WSClient{
		wsURL:      wsURL,
		pingPeriod: PingPeriod,
		onTrades:   onTrades,
		now:        time.Now,
		done:       make(chan struct{}),
	}
}

// SetPingPeriod overrides the keepalive interval. Call before Connect.
func (w *WSClient) SetPingPeriod(d time.Duration) {
	if d > 0 {
		w.pingPeriod = d
	}
}

// Connect dials the feed and starts the read and ping loops.
func (w *WSClient) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("hyperliquid/ws: connect: %w", err)
	}
	conn.SetReadDeadline(time.Now().Add(readWait))

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	go w.readLoop(conn)
	go w.pingLoop()
	return nil
}

// SubscribeTrades subscribes to the trade channel of coin.
func (w *WSClient) SubscribeTrades(coin string) error {
	if err := w.send(wsCommand{
		Method:       "subscribe",
		Subscription: &wsSubscription{Type: "trades", Coin: coin},
	}); err != nil {
		return fmt.Errorf("hyperliquid/ws: subscribe trades %s: %w", coin, err)
	}
	return nil
}

// Done is closed when the connection ends for any reason.
func (w *WSClient) Done() <-chan struct{} {
	return w.done
}

// Err returns why the connection ended, or nil while it is up.
func (w *WSClient) Err() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.err
}

// Close sends a close frame and tears the connection down. It is safe to
// call more than once.
func (w *WSClient) Close() error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		_ = conn.Close()
	}
	w.finish(fmt.Errorf("hyperliquid/ws: closed: %w", domain.ErrWSDisconnect))
	return nil
}

func (w *WSClient) finish(err error) {
	w.closeOnce.Do(func() {
		w.errMu.Lock()
		w.err = err
		w.errMu.Unlock()
		close(w.done)
	})
}

func (w *WSClient) send(cmd wsCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return fmt.Errorf("not connected: %w", domain.ErrWSDisconnect)
	}
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *WSClient) readLoop(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			w.finish(fmt.Errorf("hyperliquid/ws: read: %v: %w", err, domain.ErrWSDisconnect))
			return
		}
		conn.SetReadDeadline(time.Now().Add(readWait))
		w.handleMessage(message)
	}
}

func (w *WSClient) pingLoop() {
	ticker := time.NewTicker(w.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			if err := w.send(wsCommand{Method: "ping"}); err != nil {
				w.finish(fmt.Errorf("hyperliquid/ws: ping: %v: %w", err, domain.ErrWSDisconnect))
				return
			}
		}
	}
}

func (w *WSClient) handleMessage(raw []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}
	if env.Channel != "trades" || w.onTrades == nil {
		return
	}
	ticks := ParseTrades(env.Data, w.now())
	if len(ticks) > 0 {
		w.onTrades(ticks)
	}
}

// ParseTrades converts a trades channel payload into ticks, preserving order.
// Prints with an unparseable or non-positive price are dropped.
func ParseTrades(data []byte, receivedAt time.Time) []domain.Tick {
	var trades []wsTrade
	if err := json.Unmarshal(data, &trades); err != nil {
		return nil
	}
	ticks := make([]domain.Tick, 0, len(trades))
	for _, t := range trades {
		px := parseFloat(t.Px)
		if px <= 0 {
			continue
		}
		ticks = append(ticks, domain.Tick{
			Symbol:       t.Coin,
			Price:        px,
			Size:         parseFloat(t.Sz),
			ExchangeTime: time.UnixMilli(t.Time),
			ReceivedAt:   receivedAt,
		})
	}
	return ticks
}
