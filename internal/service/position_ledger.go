package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/wickhunter/internal/domain"
	"github.com/alanyoungcy/wickhunter/internal/metrics"
)

// defaultFillSlippage is how far through the reference price live entry and
// exit orders are limited.
const defaultFillSlippage = 0.01

// fillDust is the fraction of a position below which an unsold remainder is
// treated as fully sold.
const fillDust = 1e-9

// ErrPersistInFlight is returned when a position mutation is requested while
// another one has not settled.
var ErrPersistInFlight = errors.New("position write in flight")

// OrderPlacer fills ledger entries and exits on the exchange in live mode.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error)
}

// Notifier receives lifecycle notifications.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// LedgerConfig configures a PositionLedger.
type LedgerConfig struct {
	ConfigID      string
	Symbol        string
	MarketKind    domain.MarketKind
	MaxDCAEntries int
	// FillSlippage bounds live orders relative to the decision price.
	FillSlippage float64
}

// PositionLedger owns the position lifecycle of one engine. It mirrors the
// persisted round locally and admits at most one outstanding mutation.
type PositionLedger struct {
	cfg      LedgerConfig
	rounds   domain.RoundStore
	control  domain.ControlStore
	orders   OrderPlacer
	bus      domain.SignalBus
	notifier Notifier
	logger   *slog.Logger

	mu       sync.Mutex
	state    domain.AlgorithmState
	inflight sync.WaitGroup
}

// NewPositionLedger creates a ledger in the NONE state. orders may be nil,
// in which case fills are recorded at the decision price (paper trading).
func NewPositionLedger(
	cfg LedgerConfig,
	rounds domain.RoundStore,
	control domain.ControlStore,
	orders OrderPlacer,
	logger *slog.Logger,
) *PositionLedger {
	if cfg.FillSlippage <= 0 {
		cfg.FillSlippage = defaultFillSlippage
	}
	if cfg.MarketKind == "" {
		cfg.MarketKind = domain.MarketSpot
	}
	return &PositionLedger{
		cfg:     cfg,
		rounds:  rounds,
		control: control,
		orders:  orders,
		state:   domain.AlgorithmState{PositionState: domain.PositionNone},
		logger: logger.With(
			slog.String("component", "position_ledger"),
			slog.String("config_id", cfg.ConfigID),
			slog.String("symbol", cfg.Symbol),
		),
	}
}

// WithEvents publishes round lifecycle events on bus and notifies on close.
func (l *PositionLedger) WithEvents(bus domain.SignalBus, notifier Notifier) *PositionLedger {
	l.bus = bus
	l.notifier = notifier
	return l
}

// State returns a copy of the current algorithm state.
func (l *PositionLedger) State() domain.AlgorithmState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// OpenOrAverage opens a round when flat, or averages into the open round.
// It blocks until the write settles.
func (l *PositionLedger) OpenOrAverage(ctx context.Context, price, amount float64, at time.Time, snap domain.DecisionSnapshot) error {
	if !l.begin() {
		return ErrPersistInFlight
	}
	defer l.end()
	return l.openOrAverage(ctx, price, amount, at, snap)
}

// Close closes the open round at price. It is a no-op when flat.
func (l *PositionLedger) Close(ctx context.Context, price float64, reason domain.SellReason, at time.Time) error {
	if !l.begin() {
		return ErrPersistInFlight
	}
	defer l.end()
	return l.close(ctx, price, reason, at)
}

// OpenOrAverageAsync marks the ledger as persisting before returning and
// performs the write in the background. It reports false when another
// mutation is still in flight.
func (l *PositionLedger) OpenOrAverageAsync(ctx context.Context, price, amount float64, at time.Time, snap domain.DecisionSnapshot) bool {
	return l.dispatch(ctx, "open_or_average", func(ctx context.Context) error {
		return l.openOrAverage(ctx, price, amount, at, snap)
	})
}

// CloseAsync is the background form of Close.
func (l *PositionLedger) CloseAsync(ctx context.Context, price float64, reason domain.SellReason, at time.Time) bool {
	return l.dispatch(ctx, "close", func(ctx context.Context) error {
		return l.close(ctx, price, reason, at)
	})
}

// Wait blocks until every background write has settled.
func (l *PositionLedger) Wait() {
	l.inflight.Wait()
}

func (l *PositionLedger) dispatch(ctx context.Context, op string, fn func(context.Context) error) bool {
	if !l.begin() {
		return false
	}
	l.inflight.Add(1)
	go func() {
		defer l.inflight.Done()
		defer l.end()

		// The write must finish even when the engine is shutting down.
		writeCtx := context.WithoutCancel(ctx)
		if err := fn(writeCtx); err != nil {
			level := slog.LevelError
			if errors.Is(err, domain.ErrEngineStopped) {
				level = slog.LevelWarn
			}
			l.logger.Log(writeCtx, level, "position write failed",
				slog.String("op", op),
				slog.String("error", err.Error()),
			)
		}
	}()
	return true
}

func (l *PositionLedger) begin() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.IsPersisting {
		return false
	}
	l.state.IsPersisting = true
	return true
}

func (l *PositionLedger) end() {
	l.mu.Lock()
	l.state.IsPersisting = false
	l.mu.Unlock()
}

// openOrAverage assumes the caller holds the persisting flag.
func (l *PositionLedger) openOrAverage(ctx context.Context, price, amount float64, at time.Time, snap domain.DecisionSnapshot) error {
	if price <= 0 || amount <= 0 {
		return fmt.Errorf("position_ledger: open %.8f @ %.8f: %w", amount, price, domain.ErrInvalidOrder)
	}

	// 1. Engine must still be switched on.
	engineCfg, err := l.control.GetConfig(ctx, l.cfg.ConfigID)
	if err != nil {
		metrics.LedgerWrites.WithLabelValues("open", "error").Inc()
		return fmt.Errorf("position_ledger: get config %s: %w", l.cfg.ConfigID, err)
	}
	if !engineCfg.IsRunning {
		metrics.LedgerWrites.WithLabelValues("open", "skipped").Inc()
		return fmt.Errorf("position_ledger: entry skipped: %w", domain.ErrEngineStopped)
	}

	st := l.State()
	if st.IsLong() && l.cfg.MaxDCAEntries > 0 && st.DCACount >= l.cfg.MaxDCAEntries {
		return fmt.Errorf("position_ledger: dca limit %d reached: %w", l.cfg.MaxDCAEntries, domain.ErrInvalidOrder)
	}

	// 2. Fill.
	fillPrice, fillAmount, err := l.fill(ctx, domain.OrderSideBuy, price, amount)
	if err != nil {
		metrics.LedgerWrites.WithLabelValues("open", "error").Inc()
		return err
	}

	// 3. Persist.
	if !st.IsLong() {
		round := domain.Round{
			ID:          uuid.New().String(),
			ConfigID:    l.cfg.ConfigID,
			Symbol:      l.cfg.Symbol,
			BuyPrice:    fillPrice,
			BuyAmount:   fillAmount,
			BuyTime:     at.UTC(),
			EntryMedian: snap.Stats.Median,
			EntryZScore: snap.Stats.ZScore,
			Status:      domain.RoundOpen,
		}
		if err := l.rounds.OpenRound(ctx, round); err != nil {
			metrics.LedgerWrites.WithLabelValues("open", "error").Inc()
			if l.orders != nil {
				l.logger.ErrorContext(ctx, "entry filled on exchange but round not persisted",
					slog.Float64("price", fillPrice),
					slog.Float64("amount", fillAmount),
				)
			}
			return fmt.Errorf("position_ledger: open round: %w", err)
		}

		l.mu.Lock()
		l.state.PositionState = domain.PositionLong
		l.state.RoundID = round.ID
		l.state.EntryPrice = fillPrice
		l.state.Amount = fillAmount
		l.state.DCACount = 0
		l.state.EntryTime = round.BuyTime
		l.state.RealizedPnL = 0
		l.mu.Unlock()

		metrics.LedgerWrites.WithLabelValues("open", "ok").Inc()
		l.publish(ctx, "round_opened", round.ID, fillPrice, fillAmount)
		l.logger.InfoContext(ctx, "round opened",
			slog.String("round_id", round.ID),
			slog.Float64("price", fillPrice),
			slog.Float64("amount", fillAmount),
			slog.Float64("z_score", snap.Stats.ZScore),
		)
		return nil
	}

	totalAmount := st.Amount + fillAmount
	avgPrice := (st.EntryPrice*st.Amount + fillPrice*fillAmount) / totalAmount
	dcaCount := st.DCACount + 1

	if err := l.rounds.AveragePosition(ctx, st.RoundID, avgPrice, totalAmount, dcaCount); err != nil {
		metrics.LedgerWrites.WithLabelValues("average", "error").Inc()
		return fmt.Errorf("position_ledger: average round %s: %w", st.RoundID, err)
	}

	l.mu.Lock()
	l.state.EntryPrice = avgPrice
	l.state.Amount = totalAmount
	l.state.DCACount = dcaCount
	l.mu.Unlock()

	metrics.LedgerWrites.WithLabelValues("average", "ok").Inc()
	l.publish(ctx, "round_averaged", st.RoundID, avgPrice, totalAmount)
	l.logger.InfoContext(ctx, "round averaged",
		slog.String("round_id", st.RoundID),
		slog.Float64("fill_price", fillPrice),
		slog.Float64("avg_price", avgPrice),
		slog.Float64("amount", totalAmount),
		slog.Int("dca_count", dcaCount),
	)
	return nil
}

// close assumes the caller holds the persisting flag.
func (l *PositionLedger) close(ctx context.Context, price float64, reason domain.SellReason, at time.Time) error {
	st := l.State()
	if !st.IsLong() || st.RoundID == "" {
		return nil
	}

	sellPrice, sold, err := l.fill(ctx, domain.OrderSideSell, price, st.Amount)
	if err != nil {
		metrics.LedgerWrites.WithLabelValues("close", "error").Inc()
		return err
	}
	if remaining := st.Amount - sold; remaining > st.Amount*fillDust {
		return l.reduce(ctx, st, sellPrice, sold, remaining)
	}

	pnl := st.RealizedPnL + (sellPrice-st.EntryPrice)*st.Amount
	rc := domain.RoundClose{
		Status:    reason.Status(),
		Reason:    reason,
		SellPrice: sellPrice,
		SellTime:  at.UTC(),
		FinalPnL:  pnl,
	}

	err = l.rounds.CloseRound(ctx, st.RoundID, rc)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		l.logger.WarnContext(ctx, "round vanished before close, resetting",
			slog.String("round_id", st.RoundID),
		)
	case err != nil:
		metrics.LedgerWrites.WithLabelValues("close", "error").Inc()
		return fmt.Errorf("position_ledger: close round %s: %w", st.RoundID, err)
	}

	l.reset()

	metrics.LedgerWrites.WithLabelValues("close", "ok").Inc()
	l.publish(ctx, "round_closed", st.RoundID, sellPrice, st.Amount)
	l.logger.InfoContext(ctx, "round closed",
		slog.String("round_id", st.RoundID),
		slog.String("status", string(rc.Status)),
		slog.String("reason", string(reason)),
		slog.Float64("sell_price", sellPrice),
		slog.Float64("pnl", pnl),
	)
	if l.notifier != nil {
		msg := fmt.Sprintf("%s %s closed (%s) at %.6f, pnl %.4f", l.cfg.Symbol, st.RoundID, reason, sellPrice, pnl)
		if nerr := l.notifier.Notify(ctx, "round_closed", "Round closed", msg); nerr != nil {
			l.logger.WarnContext(ctx, "round close notification failed", slog.String("error", nerr.Error()))
		}
	}
	return nil
}

// reduce records a partial exit. The round stays open with the unsold
// remainder so the next exit signal or command sells the rest.
func (l *PositionLedger) reduce(ctx context.Context, st domain.AlgorithmState, sellPrice, sold, remaining float64) error {
	realized := st.RealizedPnL + (sellPrice-st.EntryPrice)*sold

	if err := l.rounds.AveragePosition(ctx, st.RoundID, st.EntryPrice, remaining, st.DCACount); err != nil {
		metrics.LedgerWrites.WithLabelValues("close", "error").Inc()
		l.logger.ErrorContext(ctx, "partial exit filled on exchange but round not updated",
			slog.String("round_id", st.RoundID),
			slog.Float64("sold", sold),
			slog.Float64("remaining", remaining),
		)
		return fmt.Errorf("position_ledger: reduce round %s: %w", st.RoundID, err)
	}

	l.mu.Lock()
	l.state.Amount = remaining
	l.state.RealizedPnL = realized
	l.mu.Unlock()

	metrics.LedgerWrites.WithLabelValues("close", "partial").Inc()
	l.publish(ctx, "round_reduced", st.RoundID, sellPrice, remaining)
	l.logger.WarnContext(ctx, "exit partially filled, round kept open",
		slog.String("round_id", st.RoundID),
		slog.Float64("sell_price", sellPrice),
		slog.Float64("sold", sold),
		slog.Float64("remaining", remaining),
	)
	return fmt.Errorf("position_ledger: sold %.8f of %.8f: %w", sold, st.Amount, domain.ErrPartialFill)
}

// Reconcile brings the local mirror in line with the durable store. It
// handles a locally tracked round that is no longer open remotely, an open
// remote round with no local tracking, and then a pending manual or panic
// command. lastPrice is the most recent trade price, or zero when none is
// known.
func (l *PositionLedger) Reconcile(ctx context.Context, lastPrice float64, now time.Time) error {
	if err := l.syncRound(ctx); err != nil {
		return err
	}

	cs, err := l.control.GetState(ctx, l.cfg.ConfigID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("position_ledger: get control state: %w", err)
	case cs.PendingCommand != domain.CommandNone:
		return l.handleCommand(ctx, cs.PendingCommand, lastPrice, now)
	}
	return nil
}

// syncRound corrects round drift. Holding the flag keeps decisions out while
// the mirror may change.
func (l *PositionLedger) syncRound(ctx context.Context) error {
	if !l.begin() {
		return nil
	}
	defer l.end()

	st := l.State()
	if st.IsLong() {
		round, err := l.rounds.GetRound(ctx, st.RoundID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			l.logger.WarnContext(ctx, "tracked round deleted remotely, resetting",
				slog.String("round_id", st.RoundID),
			)
			l.reset()
		case err != nil:
			return fmt.Errorf("position_ledger: get round %s: %w", st.RoundID, err)
		case round.Status != domain.RoundOpen:
			l.logger.WarnContext(ctx, "tracked round closed remotely, resetting",
				slog.String("round_id", st.RoundID),
				slog.String("status", string(round.Status)),
			)
			l.reset()
		}
		return nil
	}

	round, err := l.rounds.GetOpenRound(ctx, l.cfg.ConfigID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("position_ledger: get open round: %w", err)
	}

	l.mu.Lock()
	l.state.PositionState = domain.PositionLong
	l.state.RoundID = round.ID
	l.state.EntryPrice = round.BuyPrice
	l.state.Amount = round.BuyAmount
	l.state.DCACount = round.DCACount
	l.state.EntryTime = round.BuyTime
	l.mu.Unlock()

	l.logger.WarnContext(ctx, "adopted open round",
		slog.String("round_id", round.ID),
		slog.Float64("entry_price", round.BuyPrice),
		slog.Float64("amount", round.BuyAmount),
		slog.Int("dca_count", round.DCACount),
	)
	return nil
}

func (l *PositionLedger) handleCommand(ctx context.Context, cmd domain.Command, lastPrice float64, now time.Time) error {
	st := l.State()
	if st.IsLong() {
		if lastPrice <= 0 {
			l.logger.WarnContext(ctx, "close command pending until a price is known",
				slog.String("command", string(cmd)),
			)
			return nil
		}
		if err := l.Close(ctx, lastPrice, cmd.SellReason(), now); err != nil {
			if errors.Is(err, ErrPersistInFlight) {
				return nil
			}
			return fmt.Errorf("position_ledger: %s: %w", cmd, err)
		}
	}

	if err := l.control.AckCommand(ctx, l.cfg.ConfigID, cmd); err != nil {
		return fmt.Errorf("position_ledger: ack %s: %w", cmd, err)
	}
	l.logger.InfoContext(ctx, "close command handled", slog.String("command", string(cmd)))
	return nil
}

func (l *PositionLedger) fill(ctx context.Context, side domain.OrderSide, price, amount float64) (float64, float64, error) {
	if l.orders == nil {
		return price, amount, nil
	}

	limit := price * (1 + l.cfg.FillSlippage)
	if side == domain.OrderSideSell {
		limit = price * (1 - l.cfg.FillSlippage)
	}
	res, err := l.orders.PlaceOrder(ctx, domain.OrderRequest{
		Symbol:      l.cfg.Symbol,
		Kind:        l.cfg.MarketKind,
		Side:        side,
		Type:        domain.OrderTypeLimit,
		Amount:      amount,
		LimitPrice:  limit,
		TimeInForce: domain.TimeInForceIOC,
		OneWayMode:  l.cfg.MarketKind == domain.MarketPerp,
		ReduceOnly:  side == domain.OrderSideSell && l.cfg.MarketKind == domain.MarketPerp,
		ClientID:    uuid.New().String(),
	})
	if err != nil {
		return 0, 0, fmt.Errorf("position_ledger: %s order: %w", side, err)
	}
	if !res.Filled() {
		return 0, 0, fmt.Errorf("position_ledger: %s order %s: %w", side, res.OrderID, domain.ErrOrderNotFilled)
	}
	return res.AvgPrice, res.FilledAmount, nil
}

func (l *PositionLedger) reset() {
	l.mu.Lock()
	persisting := l.state.IsPersisting
	l.state = domain.AlgorithmState{
		PositionState: domain.PositionNone,
		IsPersisting:  persisting,
	}
	l.mu.Unlock()
}

func (l *PositionLedger) publish(ctx context.Context, event, roundID string, price, amount float64) {
	if l.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"event":    event,
		"configId": l.cfg.ConfigID,
		"symbol":   l.cfg.Symbol,
		"roundId":  roundID,
		"price":    price,
		"amount":   amount,
	})
	if err := l.bus.Publish(ctx, "rounds", payload); err != nil {
		l.logger.WarnContext(ctx, "publish round event failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
