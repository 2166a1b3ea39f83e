package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/wickhunter/internal/domain"
	"github.com/alanyoungcy/wickhunter/internal/engine"
	"github.com/alanyoungcy/wickhunter/internal/executor"
	"github.com/alanyoungcy/wickhunter/internal/feed"
	"github.com/alanyoungcy/wickhunter/internal/server"
	"github.com/alanyoungcy/wickhunter/internal/server/handler"
	"github.com/alanyoungcy/wickhunter/internal/server/ws"
	"github.com/alanyoungcy/wickhunter/internal/service"
	"github.com/alanyoungcy/wickhunter/internal/strategy"
	"github.com/alanyoungcy/wickhunter/internal/telemetry"
)

// shutdownTimeout bounds the HTTP server's graceful shutdown.
const shutdownTimeout = 10 * time.Second

// EngineMode runs one Wick Hunter engine, plus the archiver and the HTTP
// server when they are enabled.
func (a *App) EngineMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting engine mode",
		slog.String("config_id", a.cfg.Engine.ConfigID),
		slog.String("symbol", a.cfg.Engine.Symbol),
		slog.Bool("live_trading", a.cfg.Engine.LiveTrading),
	)
	return a.run(ctx, deps, true, false)
}

// LiquidityMode runs the execution coordinator and its balance poller.
func (a *App) LiquidityMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting liquidity mode")
	return a.run(ctx, deps, false, true)
}

// FullMode runs the engine and, when liquidity.enabled is set, the
// execution coordinator in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode",
		slog.Bool("liquidity", a.cfg.Liquidity.Enabled),
	)
	return a.run(ctx, deps, true, a.cfg.Liquidity.Enabled)
}

func (a *App) run(ctx context.Context, deps *Dependencies, withEngine, withLiquidity bool) error {
	g, ctx := errgroup.WithContext(ctx)

	broadcaster := telemetry.NewBroadcaster()
	defer broadcaster.Close()

	var eng *engine.Engine
	if withEngine {
		var err error
		eng, err = a.buildEngine(ctx, deps, broadcaster)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return eng.Run(ctx)
		})
		if deps.SignalBus != nil {
			bridge := telemetry.NewBridge(deps.SignalBus, a.logger)
			g.Go(func() error {
				return bridge.Forward(ctx, broadcaster, telemetry.Channel(a.cfg.Engine.ConfigID))
			})
		}
	} else if deps.SignalBus != nil && a.cfg.Server.Enabled {
		// No local engine: observers see every remote engine's frames.
		bridge := telemetry.NewBridge(deps.SignalBus, a.logger)
		g.Go(func() error {
			return bridge.Relay(ctx, telemetry.ChannelPrefix+"*", broadcaster)
		})
	}

	if withLiquidity {
		coord := a.buildCoordinator(deps)
		g.Go(func() error {
			return coord.Run(ctx)
		})
	}

	if deps.Archiver != nil {
		g.Go(func() error {
			err := deps.Archiver.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, broadcaster, eng)
	}

	return g.Wait()
}

// buildEngine wires the ledger, feed and telemetry of the configured engine
// and makes sure its control row exists.
func (a *App) buildEngine(ctx context.Context, deps *Dependencies, broadcaster *telemetry.Broadcaster) (*engine.Engine, error) {
	ec := a.cfg.Engine

	if err := ensureEngineConfig(ctx, deps.Control, ec.ConfigID, ec.Symbol); err != nil {
		return nil, err
	}

	kind := domain.MarketSpot
	if ec.Perp {
		kind = domain.MarketPerp
	}
	var orders service.OrderPlacer
	if ec.LiveTrading {
		orders = deps.Exchange
	}
	ledger := service.NewPositionLedger(service.LedgerConfig{
		ConfigID:      ec.ConfigID,
		Symbol:        ec.Symbol,
		MarketKind:    kind,
		MaxDCAEntries: ec.MaxDCAEntries,
		FillSlippage:  ec.FillSlippage,
	}, deps.Rounds, deps.Control, orders, a.logger)
	ledger.WithEvents(deps.SignalBus, deps.Notifier)

	feedCfg := feed.TradeFeedConfig{WSURL: a.cfg.Exchange.WSURL, Coin: ec.Symbol}
	newFeed := func(onTicks feed.TickHandler) engine.Feed {
		return feed.NewTradeFeed(feedCfg, onTicks, a.logger)
	}

	return engine.New(engine.Config{
		ConfigID: ec.ConfigID,
		Symbol:   ec.Symbol,
		Signal: strategy.SignalConfig{
			WindowSize:                  ec.WindowSize,
			ZScoreThreshold:             ec.ZScoreThreshold,
			MinZScoreExit:               ec.MinZScoreExit,
			StopLossPercent:             ec.StopLossPercent,
			TakeProfitPercent:           ec.TakeProfitPercent,
			SoftTimeout:                 ec.SoftTimeout.Duration,
			MaxDCAEntries:               ec.MaxDCAEntries,
			DCAZScoreMultiplier:         ec.DCAZScoreMultiplier,
			MinDCAPriceDeviationPercent: ec.MinDCAPriceDeviationPercent,
			MinMADThreshold:             ec.MinMADThreshold,
		},
		TradeSizeUSD:      ec.TradeSizeUSD,
		HeatmapBinSize:    ec.HeatmapBinSize,
		HeatmapDecayRate:  ec.HeatmapDecayRate,
		HeatmapLevels:     ec.HeatmapLevels,
		TelemetryInterval: ec.TelemetryInterval.Duration,
		ReconcileInterval: ec.ReconcileInterval.Duration,
	}, engine.Deps{
		Ledger:    ledger,
		NewFeed:   newFeed,
		Logs:      deps.SignalLogs,
		Bus:       deps.SignalBus,
		Prices:    deps.PriceCache,
		Telemetry: broadcaster,
	}, a.logger), nil
}

// ensureEngineConfig creates the engine's control row, switched on, when it
// does not exist yet. An existing row is left as the operator set it.
func ensureEngineConfig(ctx context.Context, control domain.ControlStore, configID, symbol string) error {
	_, err := control.GetConfig(ctx, configID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("app: read engine config %s: %w", configID, err)
	}
	if err := control.UpsertConfig(ctx, domain.EngineConfig{ID: configID, Symbol: symbol, IsRunning: true}); err != nil {
		return fmt.Errorf("app: create engine config %s: %w", configID, err)
	}
	return nil
}

func (a *App) buildCoordinator(deps *Dependencies) *executor.Coordinator {
	lc := a.cfg.Liquidity
	return executor.NewCoordinator(executor.CoordinatorConfig{
		Account:         deps.Account,
		QuoteAsset:      a.cfg.Exchange.QuoteAsset,
		Slippage:        lc.Slippage,
		PollInterval:    lc.PollInterval.Duration,
		BalanceInterval: lc.BalanceInterval.Duration,
		BatchSize:       lc.BatchSize,
		LockTTL:         lc.LockTTL.Duration,
	}, deps.LiquidityOps, deps.Balances, deps.Exchange, deps.LockManager, deps.Notifier, a.logger)
}

// startHTTPServer adds the hub and the HTTP server to g. The server is shut
// down gracefully when ctx is cancelled. eng is nil when no engine runs in
// this process.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, broadcaster *telemetry.Broadcaster, eng *engine.Engine) {
	hub := ws.NewHub(broadcaster, a.logger, ws.Config{
		Mode:           a.cfg.Mode,
		StartedAt:      time.Now().UTC(),
		AllowedOrigins: a.cfg.Server.CORSOrigins,
	})
	g.Go(func() error {
		err := hub.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	var status handler.EngineStatus
	if eng != nil {
		status = eng
	}
	handlers := server.Handlers{
		Health: handler.NewHealthHandler(deps.HealthChecks, a.logger),
		Status: handler.NewStatusHandler(a.cfg.Mode, status, deps.PriceCache, a.cfg.Engine.Symbol, a.logger),
	}
	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
