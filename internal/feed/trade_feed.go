package feed

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/wickhunter/internal/domain"
	"github.com/alanyoungcy/wickhunter/internal/metrics"
	"github.com/alanyoungcy/wickhunter/internal/platform/hyperliquid"
)

const defaultReconnectDelay = time.Second

// TickHandler receives trade batches in arrival order.
type TickHandler func(ctx context.Context, ticks []domain.Tick)

// TradeFeedConfig configures a TradeFeed.
type TradeFeedConfig struct {
	WSURL          string
	Coin           string
	ReconnectDelay time.Duration
	PingPeriod     time.Duration
}

// TradeFeed keeps one trade subscription alive for a coin. It reconnects
// after a fixed delay for as long as it runs; there is no retry limit.
type TradeFeed struct {
	cfg       TradeFeedConfig
	onTicks   TickHandler
	logger    *slog.Logger
	connected atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewTradeFeed creates a feed for cfg.Coin.
func NewTradeFeed(cfg TradeFeedConfig, onTicks TickHandler, logger *slog.Logger) *TradeFeed {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = hyperliquid.PingPeriod
	}
	return &TradeFeed{
		cfg:     cfg,
		onTicks: onTicks,
		logger: logger.With(
			slog.String("component", "trade_feed"),
			slog.String("coin", cfg.Coin),
		),
		done: make(chan struct{}),
	}
}

// Run connects, subscribes and reconnects until ctx is cancelled or Close
// is called.
func (f *TradeFeed) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}

		err := f.runConnection(ctx)
		f.connected.Store(false)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		metrics.FeedReconnects.WithLabelValues(f.cfg.Coin).Inc()
		f.logger.Warn("trade feed disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", f.cfg.ReconnectDelay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		case <-time.After(f.cfg.ReconnectDelay):
		}
	}
}

// runConnection returns nil on a requested stop and the disconnect cause
// otherwise.
func (f *TradeFeed) runConnection(ctx context.Context) error {
	client := hyperliquid.NewWSClient(f.cfg.WSURL, func(ticks []domain.Tick) {
		f.onTicks(ctx, ticks)
	})
	client.SetPingPeriod(f.cfg.PingPeriod)
	defer client.Close()

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err := client.Connect(dialCtx)
	cancel()
	if err != nil {
		return err
	}
	if err := client.SubscribeTrades(f.cfg.Coin); err != nil {
		return err
	}

	f.connected.Store(true)
	f.logger.Info("trade feed subscribed")

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.done:
		return nil
	case <-client.Done():
		return client.Err()
	}
}

// Connected reports whether a subscription is currently live.
func (f *TradeFeed) Connected() bool {
	return f.connected.Load()
}

// Close stops the feed. It is safe to call more than once.
func (f *TradeFeed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}
