package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alanyoungcy/wickhunter/internal/domain"
	"github.com/alanyoungcy/wickhunter/internal/feed"
	"github.com/alanyoungcy/wickhunter/internal/service"
	"github.com/alanyoungcy/wickhunter/internal/store/memory"
	"github.com/alanyoungcy/wickhunter/internal/strategy"
)

const cfgID = "eth-1"

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type framePublisher struct {
	mu     sync.Mutex
	frames [][]byte
}

func (p *framePublisher) Publish(frame []byte) {
	p.mu.Lock()
	p.frames = append(p.frames, frame)
	p.mu.Unlock()
}

func (p *framePublisher) last() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.frames) == 0 {
		return nil
	}
	return p.frames[len(p.frames)-1]
}

type harness struct {
	engine *Engine
	store  *memory.Store
	ledger *service.PositionLedger
	pub    *framePublisher
	errCh  chan error
	closed atomic.Int32
	clock  time.Time
}

func newHarness(t *testing.T, seed func(*memory.Store)) *harness {
	t.Helper()
	st := memory.New()
	ctx := context.Background()
	if err := st.Control().UpsertConfig(ctx, domain.EngineConfig{ID: cfgID, Symbol: "ETH", IsRunning: true}); err != nil {
		t.Fatalf("upsert config: %v", err)
	}
	if seed != nil {
		seed(st)
	}

	logger := silentLogger()
	ledger := service.NewPositionLedger(service.LedgerConfig{ConfigID: cfgID, Symbol: "ETH", MaxDCAEntries: 2},
		st.Rounds(), st.Control(), nil, logger)
	h := &harness{store: st, ledger: ledger, pub: &framePublisher{}, errCh: make(chan error, 1)}
	h.engine = New(Config{
		ConfigID: cfgID,
		Symbol:   "ETH",
		Signal: strategy.SignalConfig{
			WindowSize:          5,
			ZScoreThreshold:     2,
			MinZScoreExit:       0,
			StopLossPercent:     5,
			TakeProfitPercent:   1,
			SoftTimeout:         time.Minute,
			MaxDCAEntries:       2,
			DCAZScoreMultiplier: 1.5,
		},
		TradeSizeUSD:      1000,
		HeatmapBinSize:    1,
		HeatmapDecayRate:  0.1,
		HeatmapLevels:     5,
		TelemetryInterval: 10 * time.Millisecond,
		ReconcileInterval: 10 * time.Millisecond,
	}, Deps{
		Ledger:    ledger,
		Logs:      st.SignalLogs(),
		Telemetry: h.pub,
		Closers:   []func(){func() { h.closed.Add(1) }},
	}, logger)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	go func() { h.errCh <- h.engine.Run(context.Background()) }()
	t.Cleanup(h.engine.Stop)
}

// send delivers one batch of trades spaced 100ms apart on the harness clock.
func (h *harness) send(prices ...float64) {
	if h.clock.IsZero() {
		h.clock = time.Now()
	}
	ticks := make([]domain.Tick, len(prices))
	for i, p := range prices {
		h.clock = h.clock.Add(100 * time.Millisecond)
		at := h.clock
		ticks[i] = domain.Tick{Symbol: "ETH", Price: p, Size: 1, ExchangeTime: at, ReceivedAt: at.Add(5 * time.Millisecond)}
	}
	h.engine.HandleTicks(context.Background(), ticks)
}

func (h *harness) settled() bool {
	return !h.ledger.State().IsPersisting
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEngineEntersOnWickAndTakesProfit(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.send(100, 101, 99, 100, 100, 90)
	waitFor(t, "entry", func() bool { return h.ledger.State().IsLong() && h.settled() })

	st := h.ledger.State()
	if st.EntryPrice != 90 {
		t.Fatalf("expected entry at 90, got %v", st.EntryPrice)
	}
	if math.Abs(st.Amount-1000.0/90) > 1e-9 {
		t.Fatalf("expected amount %.6f, got %.6f", 1000.0/90, st.Amount)
	}
	roundID := st.RoundID

	h.send(92)
	waitFor(t, "exit", func() bool { return !h.ledger.State().IsLong() && h.settled() })

	round, err := h.store.Rounds().GetRound(context.Background(), roundID)
	if err != nil {
		t.Fatalf("get round: %v", err)
	}
	if round.Status != domain.RoundClosed || round.SellReason != domain.SellTakeProfit {
		t.Fatalf("expected CLOSED/TAKE_PROFIT, got %s/%s", round.Status, round.SellReason)
	}
	if round.FinalPnL == nil || math.Abs(*round.FinalPnL-2*1000.0/90) > 1e-9 {
		t.Fatalf("unexpected pnl %v", round.FinalPnL)
	}

	waitFor(t, "signal logs", func() bool {
		n := 0
		for _, l := range h.store.SignalLogs().All() {
			if l.Level == domain.LogSignal {
				n++
			}
		}
		return n >= 2
	})
}

func TestEngineAdoptsOpenRoundOnStart(t *testing.T) {
	h := newHarness(t, func(st *memory.Store) {
		err := st.Rounds().OpenRound(context.Background(), domain.Round{
			ID: "r-1", ConfigID: cfgID, Symbol: "ETH", BuyPrice: 80, BuyAmount: 2, BuyTime: time.Now(), Status: domain.RoundOpen,
		})
		if err != nil {
			t.Fatalf("open round: %v", err)
		}
	})
	h.start(t)

	waitFor(t, "adoption", func() bool { return h.ledger.State().IsLong() })
	st := h.ledger.State()
	if st.RoundID != "r-1" || st.EntryPrice != 80 || st.Amount != 2 {
		t.Fatalf("unexpected adopted state %+v", st)
	}
	status := h.engine.Status()
	if status.Position.State != domain.PositionLong || status.Position.EntryPrice != 80 {
		t.Fatalf("unexpected status %+v", status.Position)
	}
}

func TestEngineManualCloseAtLastPrice(t *testing.T) {
	h := newHarness(t, func(st *memory.Store) {
		ctx := context.Background()
		if err := st.Rounds().OpenRound(ctx, domain.Round{
			ID: "r-1", ConfigID: cfgID, Symbol: "ETH", BuyPrice: 100, BuyAmount: 1, BuyTime: time.Now(), Status: domain.RoundOpen,
		}); err != nil {
			t.Fatalf("open round: %v", err)
		}
		if err := st.Control().UpdateState(ctx, domain.ControlState{ConfigID: cfgID, PendingCommand: domain.CommandManualClose}); err != nil {
			t.Fatalf("update state: %v", err)
		}
	})
	h.start(t)
	waitFor(t, "adoption", func() bool { return h.ledger.State().IsLong() })

	h.send(103)
	waitFor(t, "manual close", func() bool { return !h.ledger.State().IsLong() && h.settled() })

	round, err := h.store.Rounds().GetRound(context.Background(), "r-1")
	if err != nil {
		t.Fatalf("get round: %v", err)
	}
	if round.SellReason != domain.SellManual || round.SellPrice == nil || *round.SellPrice != 103 {
		t.Fatalf("expected MANUAL close at 103, got %+v", round)
	}
	cs, err := h.store.Control().GetState(context.Background(), cfgID)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if cs.PendingCommand != domain.CommandNone || cs.AckedAt == nil {
		t.Fatalf("expected command acknowledged, got %+v", cs)
	}
}

func TestEngineBroadcastsTelemetry(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.send(100, 100.4, 100.2)
	waitFor(t, "telemetry", func() bool {
		var msg domain.TickMessage
		frame := h.pub.last()
		return frame != nil && json.Unmarshal(frame, &msg) == nil && msg.Data.Price == 100.2
	})

	var msg domain.TickMessage
	if err := json.Unmarshal(h.pub.last(), &msg); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if msg.Type != "tick" || msg.Data.ConfigID != cfgID || msg.Data.Symbol != "ETH" {
		t.Fatalf("unexpected envelope %+v", msg)
	}
	if msg.Data.WSLatency != 5 {
		t.Fatalf("expected 5ms latency, got %d", msg.Data.WSLatency)
	}
	if len(msg.Data.HeatmapSnapshot) == 0 {
		t.Fatal("expected heatmap levels")
	}
}

func TestEngineNoTelemetryBeforeFirstTrade(t *testing.T) {
	h := newHarness(t, nil)
	if _, ok := h.engine.TickMessage(time.Now()); ok {
		t.Fatal("expected no frame before the first trade")
	}
}

func TestEngineStopIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	waitFor(t, "running", func() bool { return h.engine.Status().Running })

	h.engine.Stop()
	h.engine.Stop()

	select {
	case err := <-h.errCh:
		if err != nil {
			t.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not return")
	}
	if n := h.closed.Load(); n != 1 {
		t.Fatalf("expected closers to run once, ran %d", n)
	}
	if h.engine.Status().Running {
		t.Fatal("expected engine reported stopped")
	}
	if err := h.engine.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestEngineStopBeforeRun(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.Stop()

	done := make(chan error, 1)
	go func() { done <- h.engine.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run of a stopped engine did not return")
	}
}

// stubFeed delivers a fixed batch once and records Close.
type stubFeed struct {
	onTicks feed.TickHandler
	batch   []domain.Tick
	closed  atomic.Bool
}

func (f *stubFeed) Run(ctx context.Context) error {
	f.onTicks(ctx, f.batch)
	<-ctx.Done()
	return nil
}

func (f *stubFeed) Connected() bool { return !f.closed.Load() }
func (f *stubFeed) Close()          { f.closed.Store(true) }

func TestEngineRunsFeed(t *testing.T) {
	h := newHarness(t, nil)
	var sf *stubFeed
	now := time.Now()
	h.engine = New(h.engine.cfg, Deps{
		Ledger: h.ledger,
		NewFeed: func(onTicks feed.TickHandler) Feed {
			sf = &stubFeed{onTicks: onTicks, batch: []domain.Tick{{Price: 10, Size: 1, ExchangeTime: now, ReceivedAt: now}}}
			return sf
		},
	}, silentLogger())
	h.start(t)

	waitFor(t, "tick from feed", func() bool { return h.engine.Status().LastPrice == 10 })
	if !h.engine.Status().FeedConnected {
		t.Fatal("expected feed connected")
	}
	h.engine.Stop()
	if !sf.closed.Load() {
		t.Fatal("expected feed closed on stop")
	}
}

// outageRounds fails open-round lookups until healed.
type outageRounds struct {
	*memory.RoundStore
	down     atomic.Bool
	failures atomic.Int32
}

func (o *outageRounds) GetOpenRound(ctx context.Context, configID string) (domain.Round, error) {
	if o.down.Load() {
		o.failures.Add(1)
		return domain.Round{}, errors.New("postgres: connection refused")
	}
	return o.RoundStore.GetOpenRound(ctx, configID)
}

func TestEngineWaitsForStartupReconcile(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	if err := st.Control().UpsertConfig(ctx, domain.EngineConfig{ID: cfgID, Symbol: "ETH", IsRunning: true}); err != nil {
		t.Fatalf("upsert config: %v", err)
	}
	if err := st.Rounds().OpenRound(ctx, domain.Round{
		ID: "r-1", ConfigID: cfgID, Symbol: "ETH", BuyPrice: 100, BuyAmount: 1, BuyTime: time.Now(), Status: domain.RoundOpen,
	}); err != nil {
		t.Fatalf("open round: %v", err)
	}
	rounds := &outageRounds{RoundStore: st.Rounds()}
	rounds.down.Store(true)

	logger := silentLogger()
	ledger := service.NewPositionLedger(service.LedgerConfig{ConfigID: cfgID, Symbol: "ETH", MaxDCAEntries: 2},
		rounds, st.Control(), nil, logger)
	e := New(Config{
		ConfigID: cfgID,
		Symbol:   "ETH",
		Signal: strategy.SignalConfig{
			WindowSize:        5,
			ZScoreThreshold:   2,
			StopLossPercent:   50,
			TakeProfitPercent: 50,
			SoftTimeout:       time.Hour,
			MaxDCAEntries:     2,
		},
		TradeSizeUSD:        1000,
		HeatmapBinSize:      1,
		ReconcileInterval:   time.Hour,
		ReconcileRetryDelay: 5 * time.Millisecond,
	}, Deps{Ledger: ledger, Logs: st.SignalLogs()}, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(context.Background()) }()
	t.Cleanup(e.Stop)

	clock := time.Now()
	var ticks []domain.Tick
	for _, p := range []float64{100, 101, 99, 100, 100, 90} {
		clock = clock.Add(100 * time.Millisecond)
		ticks = append(ticks, domain.Tick{Symbol: "ETH", Price: p, Size: 1, ExchangeTime: clock, ReceivedAt: clock})
	}
	e.HandleTicks(context.Background(), ticks)

	waitFor(t, "retried reconcile", func() bool { return rounds.failures.Load() >= 3 })
	if n := e.Status().Samples; n != 0 {
		t.Fatalf("expected no trades evaluated before reconcile, got %d samples", n)
	}
	if ledger.State().IsLong() {
		t.Fatal("expected no position before reconcile succeeds")
	}

	rounds.down.Store(false)
	waitFor(t, "adoption", func() bool { return ledger.State().RoundID == "r-1" })
	waitFor(t, "ticks evaluated", func() bool { return e.Status().LastPrice == 90 })
	waitFor(t, "settled", func() bool { return !ledger.State().IsPersisting })

	open, err := st.Rounds().GetOpenRound(ctx, cfgID)
	if err != nil {
		t.Fatalf("get open round: %v", err)
	}
	if open.ID != "r-1" {
		t.Fatalf("expected the adopted round to stay the only open round, got %s", open.ID)
	}

	e.Stop()
	if err := <-errCh; err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
}

func TestEngineStopDuringStartupReconcile(t *testing.T) {
	st := memory.New()
	rounds := &outageRounds{RoundStore: st.Rounds()}
	rounds.down.Store(true)
	logger := silentLogger()
	ledger := service.NewPositionLedger(service.LedgerConfig{ConfigID: cfgID, Symbol: "ETH"},
		rounds, st.Control(), nil, logger)
	e := New(Config{
		ConfigID:            cfgID,
		Symbol:              "ETH",
		Signal:              strategy.SignalConfig{WindowSize: 5},
		ReconcileRetryDelay: time.Hour,
	}, Deps{Ledger: ledger}, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(context.Background()) }()
	waitFor(t, "first attempt", func() bool { return rounds.failures.Load() >= 1 })

	e.Stop()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("expected nil, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop during reconcile backoff")
	}
}
