// Package engine runs one Wick Hunter instance: it serializes trades from the
// feed through statistics, signal evaluation and the position ledger, and
// runs telemetry and reconciliation on their own timers.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/wickhunter/internal/domain"
	"github.com/alanyoungcy/wickhunter/internal/feed"
	"github.com/alanyoungcy/wickhunter/internal/metrics"
	"github.com/alanyoungcy/wickhunter/internal/service"
	"github.com/alanyoungcy/wickhunter/internal/strategy"
)

const (
	defaultTelemetryInterval = 200 * time.Millisecond
	defaultReconcileInterval = time.Second
	defaultHeatmapLevels     = 20

	defaultReconcileRetryDelay = 500 * time.Millisecond
	maxReconcileRetryDelay     = 30 * time.Second

	tickBuffer = 1024
	logBuffer  = 256
)

// ErrAlreadyRunning is returned by Run on an engine that was started before.
var ErrAlreadyRunning = errors.New("engine: already started")

// Config configures an Engine.
type Config struct {
	ConfigID          string
	Symbol            string
	Signal            strategy.SignalConfig
	TradeSizeUSD      float64
	HeatmapBinSize    float64
	HeatmapDecayRate  float64
	HeatmapLevels     int
	TelemetryInterval time.Duration
	ReconcileInterval time.Duration
	// ReconcileRetryDelay is the first backoff step of the startup
	// reconcile. It doubles up to 30s.
	ReconcileRetryDelay time.Duration
}

// Feed is the trade stream an engine consumes.
type Feed interface {
	Run(ctx context.Context) error
	Connected() bool
	Close()
}

// FeedFactory builds the engine's feed around its tick handler.
type FeedFactory func(onTicks feed.TickHandler) Feed

// Publisher receives encoded telemetry frames.
type Publisher interface {
	Publish(frame []byte)
}

// Deps are the collaborators of an Engine. Only Ledger is required.
type Deps struct {
	Ledger    *service.PositionLedger
	NewFeed   FeedFactory
	Logs      domain.SignalLogStore
	Bus       domain.SignalBus
	Prices    domain.PriceCache
	Telemetry Publisher
	// Closers run once after the engine stops, in order.
	Closers []func()
}

// Engine is one running strategy instance. Construct with New; an Engine
// runs at most once.
type Engine struct {
	cfg    Config
	deps   Deps
	feed   Feed
	logger *slog.Logger

	stats   *strategy.RollingStats
	diff    *strategy.DifferentialTracker
	heat    *strategy.Heatmap
	signals *strategy.SignalEngine

	ticks chan domain.Tick
	logs  chan domain.SignalLog

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	mu   sync.RWMutex
	last lastTick
}

// lastTick is the most recent decision input, sampled by telemetry.
type lastTick struct {
	price      float64
	stats      domain.Stats
	diff       domain.DifferentialState
	samples    int
	exchangeAt time.Time
	receivedAt time.Time
	latency    time.Duration
}

// New creates an Engine.
func New(cfg Config, deps Deps, logger *slog.Logger) *Engine {
	if cfg.TelemetryInterval <= 0 {
		cfg.TelemetryInterval = defaultTelemetryInterval
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = defaultReconcileInterval
	}
	if cfg.HeatmapLevels <= 0 {
		cfg.HeatmapLevels = defaultHeatmapLevels
	}
	if cfg.ReconcileRetryDelay <= 0 {
		cfg.ReconcileRetryDelay = defaultReconcileRetryDelay
	}

	e := &Engine{
		cfg:   cfg,
		deps:  deps,
		ticks: make(chan domain.Tick, tickBuffer),
		logs:  make(chan domain.SignalLog, logBuffer),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		logger: logger.With(
			slog.String("component", "engine"),
			slog.String("config_id", cfg.ConfigID),
			slog.String("symbol", cfg.Symbol),
		),
		stats: strategy.NewRollingStats(cfg.Signal.WindowSize),
		diff:  strategy.NewDifferentialTracker(),
		heat:  strategy.NewHeatmap(cfg.HeatmapBinSize, cfg.HeatmapDecayRate),
	}
	decisions := strategy.NewDecisionLog(cfg.ConfigID, cfg.Symbol, e.enqueueLog, e.logger)
	e.signals = strategy.NewSignalEngine(cfg.Signal, decisions)
	if deps.NewFeed != nil {
		e.feed = deps.NewFeed(e.HandleTicks)
	}
	return e
}

// Run reconciles once, then processes trades until ctx is cancelled or Stop
// is called. Shutdown waits for an in-flight position write to settle.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(e.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-e.stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	defer e.shutdown()

	// Adopt a persisted round before the first tick is evaluated.
	if err := e.startupReconcile(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	st := e.deps.Ledger.State()
	e.logger.Info("engine started",
		slog.String("position", string(st.PositionState)),
		slog.Float64("entry_price", st.EntryPrice),
		slog.Int("window_size", e.cfg.Signal.WindowSize),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.decisionLoop(gctx) })
	g.Go(func() error { return e.logLoop(gctx) })
	g.Go(func() error { return e.telemetryLoop(gctx) })
	g.Go(func() error { return e.reconcileLoop(gctx) })
	if e.feed != nil {
		g.Go(func() error { return e.feed.Run(gctx) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// startupReconcile retries the first reconcile until it succeeds. Trades
// queue in the meantime and are evaluated only against the adopted state.
func (e *Engine) startupReconcile(ctx context.Context) error {
	delay := e.cfg.ReconcileRetryDelay
	for attempt := 1; ; attempt++ {
		err := e.deps.Ledger.Reconcile(ctx, 0, time.Now())
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.logger.Warn("startup reconcile failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay = min(delay*2, maxReconcileRetryDelay)
	}
}

// Stop cancels the engine. It is idempotent and returns once Run has
// finished shutting down. An engine stopped before Run exits immediately
// when started.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
	if e.started.Load() {
		<-e.done
	}
}

func (e *Engine) shutdown() {
	if e.feed != nil {
		e.feed.Close()
	}
	e.deps.Ledger.Wait()
	for _, c := range e.deps.Closers {
		c()
	}
	st := e.deps.Ledger.State()
	e.logger.Info("engine stopped",
		slog.String("position", string(st.PositionState)),
		slog.String("round_id", st.RoundID),
	)
}

// HandleTicks queues ticks for the decision loop in arrival order. It blocks
// while the queue is full.
func (e *Engine) HandleTicks(ctx context.Context, ticks []domain.Tick) {
	for _, t := range ticks {
		select {
		case e.ticks <- t:
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) decisionLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-e.ticks:
			e.process(ctx, t)
		}
	}
}

// process runs one trade to completion.
func (e *Engine) process(ctx context.Context, t domain.Tick) {
	if t.Price <= 0 {
		return
	}
	at := t.ExchangeTime
	if at.IsZero() {
		at = t.ReceivedAt
	}
	if t.ReceivedAt.IsZero() {
		t.ReceivedAt = time.Now()
	}

	stats := e.stats.Update(t.Price)
	diff := e.diff.Observe(t.Price, at)
	e.heat.Update(t.Price, t.Size, t.ReceivedAt)

	var latency time.Duration
	if !t.ExchangeTime.IsZero() {
		latency = t.ReceivedAt.Sub(t.ExchangeTime)
	}
	e.mu.Lock()
	e.last = lastTick{
		price:      t.Price,
		stats:      stats,
		diff:       diff,
		samples:    e.stats.Len(),
		exchangeAt: at,
		receivedAt: t.ReceivedAt,
		latency:    latency,
	}
	e.mu.Unlock()
	metrics.TicksTotal.WithLabelValues(e.cfg.Symbol).Inc()

	in := strategy.SignalInput{
		Price:   t.Price,
		Stats:   stats,
		Diff:    diff,
		State:   e.deps.Ledger.State(),
		Samples: e.stats.Len(),
		Now:     at,
	}
	sig := e.signals.Evaluate(in)
	if sig.IsNone() {
		return
	}
	metrics.SignalsTotal.WithLabelValues(e.cfg.Symbol, string(sig.Action), string(sig.Reason)).Inc()

	switch sig.Action {
	case domain.ActionBuy:
		amount := e.cfg.TradeSizeUSD / t.Price
		if !e.deps.Ledger.OpenOrAverageAsync(ctx, t.Price, amount, at, in.Snapshot()) {
			e.logger.Debug("buy dropped, position write in flight")
		}
	case domain.ActionSell:
		if !e.deps.Ledger.CloseAsync(ctx, t.Price, sig.Reason, at) {
			e.logger.Debug("sell dropped, position write in flight")
		}
	}
}

// enqueueLog hands a decision event to the log writer without blocking the
// decision loop.
func (e *Engine) enqueueLog(entry domain.SignalLog) {
	if e.deps.Logs == nil && e.deps.Bus == nil {
		return
	}
	select {
	case e.logs <- entry:
	default:
		e.logger.Warn("decision log queue full, dropping event", slog.String("event", entry.Event))
	}
}

func (e *Engine) logLoop(ctx context.Context) error {
	stream := "signals:" + e.cfg.ConfigID
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry := <-e.logs:
			if e.deps.Logs != nil {
				if err := e.deps.Logs.Append(ctx, entry); err != nil {
					e.logger.Warn("signal log append failed", slog.String("error", err.Error()))
				}
			}
			if e.deps.Bus != nil {
				payload, err := json.Marshal(entry)
				if err != nil {
					continue
				}
				if err := e.deps.Bus.StreamAppend(ctx, stream, payload); err != nil {
					e.logger.Warn("signal stream append failed", slog.String("error", err.Error()))
				}
			}
		}
	}
}

func (e *Engine) telemetryLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.TelemetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			e.broadcast(ctx, now)
		}
	}
}

// broadcast samples the latest tick and publishes one telemetry frame.
func (e *Engine) broadcast(ctx context.Context, now time.Time) {
	msg, ok := e.TickMessage(now)
	if !ok {
		return
	}
	metrics.LastPrice.WithLabelValues(e.cfg.Symbol).Set(msg.Data.Price)
	metrics.ZScore.WithLabelValues(e.cfg.Symbol).Set(msg.Data.ZScore)

	if e.deps.Telemetry != nil {
		frame, err := json.Marshal(msg)
		if err != nil {
			e.logger.Warn("encode telemetry failed", slog.String("error", err.Error()))
			return
		}
		e.deps.Telemetry.Publish(frame)
	}
	if e.deps.Prices != nil {
		e.mu.RLock()
		at := e.last.exchangeAt
		e.mu.RUnlock()
		if err := e.deps.Prices.SetPrice(ctx, e.cfg.Symbol, msg.Data.Price, at); err != nil {
			e.logger.Debug("price cache write failed", slog.String("error", err.Error()))
		}
	}
}

// TickMessage builds the telemetry frame for now. It reports false until
// the first trade has been processed.
func (e *Engine) TickMessage(now time.Time) (domain.TickMessage, bool) {
	e.mu.RLock()
	last := e.last
	e.mu.RUnlock()
	if last.price <= 0 {
		return domain.TickMessage{}, false
	}

	return domain.TickMessage{
		Type: domain.TickMessageType,
		Data: domain.TickData{
			ConfigID:        e.cfg.ConfigID,
			Symbol:          e.cfg.Symbol,
			Timestamp:       now.UnixMilli(),
			Price:           last.price,
			Median:          last.stats.Median,
			MAD:             last.stats.MAD,
			ZScore:          last.stats.ZScore,
			HeatmapSnapshot: e.heat.Snapshot(last.price, now, e.cfg.HeatmapLevels),
			WSLatency:       last.latency.Milliseconds(),
		},
	}, true
}

func (e *Engine) reconcileLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			e.mu.RLock()
			price := e.last.price
			e.mu.RUnlock()
			if err := e.deps.Ledger.Reconcile(ctx, price, now); err != nil && ctx.Err() == nil {
				e.logger.Warn("reconcile failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Status is a point-in-time view of an engine.
type Status struct {
	ConfigID      string                   `json:"configId"`
	Symbol        string                   `json:"symbol"`
	Running       bool                     `json:"running"`
	FeedConnected bool                     `json:"feedConnected"`
	LastPrice     float64                  `json:"lastPrice"`
	LastTradeAt   *time.Time               `json:"lastTradeAt,omitempty"`
	Samples       int                      `json:"samples"`
	WindowSize    int                      `json:"windowSize"`
	Stats         domain.Stats             `json:"stats"`
	Diff          domain.DifferentialState `json:"differential"`
	Position      PositionStatus           `json:"position"`
}

// PositionStatus is the ledger mirror as reported by Status.
type PositionStatus struct {
	State        domain.PositionState `json:"state"`
	RoundID      string               `json:"roundId,omitempty"`
	EntryPrice   float64              `json:"entryPrice"`
	Amount       float64              `json:"amount"`
	DCACount     int                  `json:"dcaCount"`
	IsPersisting bool                 `json:"isPersisting"`
	PnLPercent   float64              `json:"pnlPercent"`
}

// Status returns the current engine snapshot.
func (e *Engine) Status() Status {
	e.mu.RLock()
	last := e.last
	e.mu.RUnlock()
	st := e.deps.Ledger.State()

	s := Status{
		ConfigID:   e.cfg.ConfigID,
		Symbol:     e.cfg.Symbol,
		Running:    e.started.Load() && !e.stopped(),
		LastPrice:  last.price,
		Samples:    last.samples,
		WindowSize: e.cfg.Signal.WindowSize,
		Stats:      last.stats,
		Diff:       last.diff,
		Position: PositionStatus{
			State:        st.PositionState,
			RoundID:      st.RoundID,
			EntryPrice:   st.EntryPrice,
			Amount:       st.Amount,
			DCACount:     st.DCACount,
			IsPersisting: st.IsPersisting,
		},
	}
	if e.feed != nil {
		s.FeedConnected = e.feed.Connected()
	}
	if !last.exchangeAt.IsZero() {
		at := last.exchangeAt
		s.LastTradeAt = &at
	}
	if st.IsLong() && last.price > 0 {
		s.Position.PnLPercent = st.PnLPercent(last.price)
	}
	return s
}

func (e *Engine) stopped() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}
