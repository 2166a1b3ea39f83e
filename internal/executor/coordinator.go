// Package executor runs two-leg liquidity operations: a spot buy hedged by a
// perp sell, with a compensating spot sell when the hedge cannot be placed.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/google/uuid"

	"github.com/alanyoungcy/wickhunter/internal/domain"
	"github.com/alanyoungcy/wickhunter/internal/metrics"
)

// Exchange is the venue surface the coordinator trades through.
type Exchange interface {
	Market(ctx context.Context, symbol string) (domain.Market, error)
	OrderBook(ctx context.Context, symbol string) (domain.OrderBook, error)
	PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error)
	Balances(ctx context.Context, kind domain.BalanceKind) ([]domain.Balance, error)
}

// Notifier receives escalations.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// CoordinatorConfig tunes a Coordinator.
type CoordinatorConfig struct {
	Account         string
	QuoteAsset      string
	Slippage        float64
	PollInterval    time.Duration
	BalanceInterval time.Duration
	BatchSize       int
	LockTTL         time.Duration
}

func (c *CoordinatorConfig) setDefaults() {
	if c.QuoteAsset == "" {
		c.QuoteAsset = "USDC"
	}
	if c.Slippage <= 0 {
		c.Slippage = 0.01
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.BalanceInterval <= 0 {
		c.BalanceInterval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 2 * time.Minute
	}
}

// Coordinator executes pending LiquidityOps one at a time. Op execution and
// balance polling share one mutex so they never interleave.
type Coordinator struct {
	cfg      CoordinatorConfig
	ops      domain.LiquidityOpStore
	balances domain.BalanceStore
	exchange Exchange
	locks    domain.LockManager
	notifier Notifier
	logger   *slog.Logger

	execMu sync.Mutex
	group  singleflight.Group
	done   *Dedup
}

// NewCoordinator creates a Coordinator. locks and notifier are optional.
func NewCoordinator(
	cfg CoordinatorConfig,
	ops domain.LiquidityOpStore,
	balances domain.BalanceStore,
	exchange Exchange,
	locks domain.LockManager,
	notifier Notifier,
	logger *slog.Logger,
) *Coordinator {
	cfg.setDefaults()
	return &Coordinator{
		cfg:      cfg,
		ops:      ops,
		balances: balances,
		exchange: exchange,
		locks:    locks,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "liquidity_coordinator")),
		done:     NewDedup(10 * time.Minute),
	}
}

// Run polls for pending ops and balances until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("liquidity coordinator started")
	defer c.logger.Info("liquidity coordinator stopped")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(c.cfg.PollInterval)
		defer ticker.Stop()
		for {
			c.PollOnce(ctx)
			c.done.Cleanup()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	})
	g.Go(func() error {
		ticker := time.NewTicker(c.cfg.BalanceInterval)
		defer ticker.Stop()
		for {
			c.PollBalances(ctx)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	})
	return g.Wait()
}

// PollOnce processes one batch of pending ops in creation order.
func (c *Coordinator) PollOnce(ctx context.Context) {
	ops, err := c.ops.GetPendingOps(ctx, c.cfg.BatchSize)
	if err != nil {
		c.logger.Warn("fetch pending ops failed", slog.String("error", err.Error()))
		return
	}
	for _, op := range ops {
		if ctx.Err() != nil {
			return
		}
		if err := c.Process(ctx, op); err != nil {
			c.logger.Error("liquidity op failed",
				slog.String("op_id", op.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Process runs op end to end. Concurrent calls for the same op id share one
// execution. An op that is no longer PENDING is skipped.
func (c *Coordinator) Process(ctx context.Context, op domain.LiquidityOp) error {
	_, err, _ := c.group.Do(op.ID, func() (any, error) {
		return nil, c.process(ctx, op)
	})
	return err
}

func (c *Coordinator) process(ctx context.Context, op domain.LiquidityOp) error {
	c.execMu.Lock()
	defer c.execMu.Unlock()

	if c.done.Seen(op.ID) {
		return nil
	}

	if c.locks != nil {
		unlock, err := c.locks.Acquire(ctx, "liquidity-op:"+op.ID, c.cfg.LockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			c.logger.Debug("liquidity op held by another worker", slog.String("op_id", op.ID))
			return nil
		}
		if err != nil {
			return fmt.Errorf("executor: lock op %s: %w", op.ID, err)
		}
		defer unlock()
	}

	// Claim. Losing the race to another worker is not an error.
	err := c.ops.UpdateOpStatus(ctx, op.ID, domain.OpPending, domain.OpExecuting, domain.OpPatch{})
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("executor: claim op %s: %w", op.ID, err)
	}

	log := c.logger.With(slog.String("op_id", op.ID), slog.String("symbol", op.Symbol))
	log.Info("liquidity op claimed",
		slog.Float64("spot_usd", op.SpotAmountUSD),
		slog.Float64("perp_usd", op.PerpAmountUSD),
	)
	final := c.execute(ctx, op, log)
	c.done.Mark(op.ID)
	metrics.LiquidityOps.WithLabelValues(string(final)).Inc()
	return nil
}

// execute drives a claimed op to a terminal status and returns it.
func (c *Coordinator) execute(ctx context.Context, op domain.LiquidityOp, log *slog.Logger) domain.OpStatus {
	spotSym := op.Symbol + "/" + c.cfg.QuoteAsset
	perpSym := op.Symbol + "/" + c.cfg.QuoteAsset + ":" + c.cfg.QuoteAsset

	// 1. Both markets must exist.
	if _, err := c.exchange.Market(ctx, spotSym); err != nil {
		return c.fail(ctx, op.ID, domain.OpExecuting, domain.OpPatch{}, err, log)
	}
	if _, err := c.exchange.Market(ctx, perpSym); err != nil {
		return c.fail(ctx, op.ID, domain.OpExecuting, domain.OpPatch{}, err, log)
	}
	c.step(ctx, op.ID, "markets validated: %s, %s", spotSym, perpSym)

	// 2. Depth on both legs.
	spotBook, err := c.checkLeg(ctx, spotSym, domain.OrderSideBuy, op.SpotAmountUSD)
	if err != nil {
		return c.fail(ctx, op.ID, domain.OpExecuting, domain.OpPatch{}, err, log)
	}
	if _, err := c.checkLeg(ctx, perpSym, domain.OrderSideSell, op.PerpAmountUSD); err != nil {
		return c.fail(ctx, op.ID, domain.OpExecuting, domain.OpPatch{}, err, log)
	}
	c.step(ctx, op.ID, "liquidity ok on both legs")

	// 3. Leg 1: spot buy.
	ask := spotBook.BestAsk()
	spotRes, err := c.exchange.PlaceOrder(ctx, domain.OrderRequest{
		Symbol:      spotSym,
		Kind:        domain.MarketSpot,
		Side:        domain.OrderSideBuy,
		Type:        domain.OrderTypeLimit,
		Amount:      op.SpotAmountUSD / ask,
		LimitPrice:  ask * (1 + c.cfg.Slippage),
		TimeInForce: domain.TimeInForceIOC,
		ClientID:    uuid.New().String(),
	})
	if err == nil && !spotRes.Filled() {
		err = fmt.Errorf("executor: spot order %s: %w", spotRes.OrderID, domain.ErrOrderNotFilled)
	}
	if err != nil {
		return c.fail(ctx, op.ID, domain.OpExecuting, domain.OpPatch{SpotOrderID: spotRes.OrderID}, err, log)
	}
	c.step(ctx, op.ID, "spot buy %s filled %.8f @ %.8f", spotRes.OrderID, spotRes.FilledAmount, spotRes.AvgPrice)

	// 4. Leg 2: perp sell. Anything failing from here on is compensated.
	perpRes, err := c.hedge(ctx, perpSym, op.PerpAmountUSD)
	if err != nil {
		return c.rollback(ctx, op, spotSym, spotRes, err, log)
	}
	c.step(ctx, op.ID, "perp sell %s filled %.8f @ %.8f", perpRes.OrderID, perpRes.FilledAmount, perpRes.AvgPrice)

	// 5. Done.
	patch := domain.OpPatch{SpotOrderID: spotRes.OrderID, PerpOrderID: perpRes.OrderID}
	if err := c.ops.UpdateOpStatus(ctx, op.ID, domain.OpExecuting, domain.OpCompleted, patch); err != nil {
		log.Error("mark op completed failed", slog.String("error", err.Error()))
		return domain.OpExecuting
	}
	log.Info("liquidity op completed",
		slog.String("spot_order_id", spotRes.OrderID),
		slog.String("perp_order_id", perpRes.OrderID),
	)
	return domain.OpCompleted
}

func (c *Coordinator) checkLeg(ctx context.Context, symbol string, side domain.OrderSide, notionalUSD float64) (domain.OrderBook, error) {
	book, err := c.exchange.OrderBook(ctx, symbol)
	if err != nil {
		return domain.OrderBook{}, fmt.Errorf("executor: book %s: %w", symbol, err)
	}
	if _, err := WalkDepth(book.Side(side), notionalUSD, c.cfg.Slippage); err != nil {
		return domain.OrderBook{}, fmt.Errorf("%s %s: %w", symbol, side, err)
	}
	return book, nil
}

func (c *Coordinator) hedge(ctx context.Context, perpSym string, notionalUSD float64) (domain.OrderResult, error) {
	book, err := c.checkLeg(ctx, perpSym, domain.OrderSideSell, notionalUSD)
	if err != nil {
		return domain.OrderResult{}, err
	}
	bid := book.BestBid()
	res, err := c.exchange.PlaceOrder(ctx, domain.OrderRequest{
		Symbol:      perpSym,
		Kind:        domain.MarketPerp,
		Side:        domain.OrderSideSell,
		Type:        domain.OrderTypeLimit,
		Amount:      notionalUSD / bid,
		LimitPrice:  bid * (1 - c.cfg.Slippage),
		TimeInForce: domain.TimeInForceIOC,
		OneWayMode:  true,
		ClientID:    uuid.New().String(),
	})
	if err != nil {
		return res, err
	}
	if !res.Filled() {
		return res, fmt.Errorf("executor: perp order %s: %w", res.OrderID, domain.ErrOrderNotFilled)
	}
	return res, nil
}

// rollback flattens the filled spot leg with a market sell.
func (c *Coordinator) rollback(ctx context.Context, op domain.LiquidityOp, spotSym string, spotRes domain.OrderResult, cause error, log *slog.Logger) domain.OpStatus {
	log.Warn("hedge failed, rolling back spot leg",
		slog.String("error", cause.Error()),
		slog.Float64("amount", spotRes.FilledAmount),
	)
	patch := domain.OpPatch{SpotOrderID: spotRes.OrderID, Error: cause.Error()}
	from := domain.OpRollbackInProgress
	if err := c.transition(ctx, op.ID, domain.OpExecuting, domain.OpRollbackInProgress, patch); err != nil {
		log.Error("mark rollback in progress failed", slog.String("error", err.Error()))
		from = domain.OpExecuting
	}
	c.step(ctx, op.ID, "rollback: selling %.8f spot after: %v", spotRes.FilledAmount, cause)

	res, err := c.exchange.PlaceOrder(ctx, domain.OrderRequest{
		Symbol:   spotSym,
		Kind:     domain.MarketSpot,
		Side:     domain.OrderSideSell,
		Type:     domain.OrderTypeMarket,
		Amount:   spotRes.FilledAmount,
		ClientID: uuid.New().String(),
	})
	if err == nil && res.FilledAmount < spotRes.FilledAmount {
		err = fmt.Errorf("executor: rollback sold %.8f of %.8f: %w", res.FilledAmount, spotRes.FilledAmount, domain.ErrOrderNotFilled)
	}
	if err != nil {
		msg := fmt.Sprintf("%s: rollback failed: %v (hedge error: %v)", domain.ManualInterventionMarker, err, cause)
		c.step(ctx, op.ID, "%s", msg)
		if uerr := c.transition(ctx, op.ID, from, domain.OpFailed, domain.OpPatch{
			SpotOrderID:        spotRes.OrderID,
			Error:              msg,
			ManualIntervention: true,
		}); uerr != nil {
			log.Error("mark op failed after rollback failure", slog.String("error", uerr.Error()))
		}
		log.Error("rollback failed, manual intervention required", slog.String("error", err.Error()))
		c.notify(ctx, "manual_intervention", "Manual intervention required",
			fmt.Sprintf("op %s (%s) holds %.8f unhedged spot: %s", op.ID, op.Symbol, spotRes.FilledAmount, msg))
		return domain.OpFailed
	}

	c.step(ctx, op.ID, "rollback sell %s filled %.8f @ %.8f", res.OrderID, res.FilledAmount, res.AvgPrice)
	if err := c.transition(ctx, op.ID, from, domain.OpRolledBack, patch); err != nil {
		log.Error("mark op rolled back failed", slog.String("error", err.Error()))
	}
	log.Warn("liquidity op rolled back")
	c.notify(ctx, "rollback", "Liquidity op rolled back",
		fmt.Sprintf("op %s (%s) rolled back: %v", op.ID, op.Symbol, cause))
	return domain.OpRolledBack
}

// transition moves an op from `from` to `to`. When that write fails it
// re-reads the op and applies `to` from whatever status the store holds,
// passing through ROLLBACK_IN_PROGRESS where the graph requires it.
func (c *Coordinator) transition(ctx context.Context, id string, from, to domain.OpStatus, patch domain.OpPatch) error {
	err := c.ops.UpdateOpStatus(ctx, id, from, to, patch)
	if err == nil {
		return nil
	}
	cur, gerr := c.ops.GetOp(ctx, id)
	if gerr != nil {
		return fmt.Errorf("executor: op %s %s -> %s: %w (reread: %v)", id, from, to, err, gerr)
	}
	switch {
	case cur.Status == to:
		return nil
	case cur.Status.CanTransition(to):
		return c.ops.UpdateOpStatus(ctx, id, cur.Status, to, patch)
	case cur.Status == domain.OpExecuting && domain.OpRollbackInProgress.CanTransition(to):
		if err := c.ops.UpdateOpStatus(ctx, id, domain.OpExecuting, domain.OpRollbackInProgress, patch); err != nil {
			return fmt.Errorf("executor: op %s %s -> %s: %w", id, cur.Status, domain.OpRollbackInProgress, err)
		}
		return c.ops.UpdateOpStatus(ctx, id, domain.OpRollbackInProgress, to, patch)
	}
	return fmt.Errorf("executor: op %s %s -> %s: %w", id, cur.Status, to, err)
}

func (c *Coordinator) fail(ctx context.Context, id string, from domain.OpStatus, patch domain.OpPatch, cause error, log *slog.Logger) domain.OpStatus {
	patch.Error = cause.Error()
	c.step(ctx, id, "failed: %v", cause)
	if err := c.ops.UpdateOpStatus(ctx, id, from, domain.OpFailed, patch); err != nil {
		log.Error("mark op failed failed", slog.String("error", err.Error()))
	}
	log.Warn("liquidity op failed", slog.String("error", cause.Error()))
	return domain.OpFailed
}

// step appends a line to the op's durable log.
func (c *Coordinator) step(ctx context.Context, id, format string, args ...any) {
	line := time.Now().UTC().Format(time.RFC3339Nano) + " " + fmt.Sprintf(format, args...)
	if err := c.ops.AppendOpLog(ctx, id, line); err != nil {
		c.logger.Warn("append op log failed", slog.String("op_id", id), slog.String("error", err.Error()))
	}
}

func (c *Coordinator) notify(ctx context.Context, event, title, msg string) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.Notify(ctx, event, title, msg); err != nil {
		c.logger.Warn("notification failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

// PollBalances refreshes spot and perp balances. Unknown response shapes are
// logged and not persisted.
func (c *Coordinator) PollBalances(ctx context.Context) {
	c.execMu.Lock()
	defer c.execMu.Unlock()

	for _, kind := range []domain.BalanceKind{domain.BalanceSpot, domain.BalancePerp} {
		bals, err := c.exchange.Balances(ctx, kind)
		if err != nil {
			level := slog.LevelWarn
			if errors.Is(err, domain.ErrUnknownBalanceShape) {
				level = slog.LevelError
			}
			c.logger.Log(ctx, level, "balance poll failed",
				slog.String("kind", string(kind)),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, b := range bals {
			if b.Kind == domain.BalanceUnknown {
				continue
			}
			if err := c.balances.UpdateBalance(ctx, b); err != nil {
				c.logger.Warn("persist balance failed",
					slog.String("asset", b.Asset),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
