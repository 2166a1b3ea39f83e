package strategy

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/wickhunter/internal/domain"
)

const (
	defaultMinSignalInterval = 500 * time.Millisecond

	// Relaxed exit targets once a position outlives the soft timeout.
	softTimeoutExitZ       = -1.0
	doubleSoftTimeoutExitZ = -1.5

	// panicZMultiplier scales the entry threshold past which the
	// falling-knife filter is ignored.
	panicZMultiplier = 3.0
)

// SignalConfig holds the tunables of the signal state machine.
type SignalConfig struct {
	WindowSize                  int
	ZScoreThreshold             float64
	MinZScoreExit               float64
	StopLossPercent             float64
	TakeProfitPercent           float64
	SoftTimeout                 time.Duration
	MaxDCAEntries               int
	DCAZScoreMultiplier         float64
	MinDCAPriceDeviationPercent float64
	MinMADThreshold             float64
	MinSignalInterval           time.Duration
}

// SignalInput is everything one evaluation looks at.
type SignalInput struct {
	Price   float64
	Stats   domain.Stats
	Diff    domain.DifferentialState
	State   domain.AlgorithmState
	Samples int
	Now     time.Time
}

// Snapshot returns the decision context carried into the ledger.
func (in SignalInput) Snapshot() domain.DecisionSnapshot {
	return domain.DecisionSnapshot{Price: in.Price, Stats: in.Stats, Diff: in.Diff}
}

// SignalEngine turns statistics and position state into BUY/SELL decisions.
// It is not safe for concurrent use; each engine evaluates on its own
// decision goroutine.
type SignalEngine struct {
	cfg          SignalConfig
	log          *DecisionLog
	lastSignalAt time.Time
}

// NewSignalEngine creates a SignalEngine. log may be nil.
func NewSignalEngine(cfg SignalConfig, log *DecisionLog) *SignalEngine {
	if cfg.MinSignalInterval <= 0 {
		cfg.MinSignalInterval = defaultMinSignalInterval
	}
	return &SignalEngine{cfg: cfg, log: log}
}

// Config returns the engine's configuration.
func (e *SignalEngine) Config() SignalConfig { return e.cfg }

// Evaluate runs the decision rules in priority order and returns the first
// match, or domain.NoSignal.
func (e *SignalEngine) Evaluate(in SignalInput) domain.Signal {
	cfg := e.cfg
	st := in.State
	z := in.Stats.ZScore

	// 1. Warm-up and in-flight persistence.
	if in.Samples < cfg.WindowSize {
		e.log.Record(domain.LogInfo, "warmup",
			fmt.Sprintf("warming up %d/%d", in.Samples, cfg.WindowSize), in)
		return domain.NoSignal
	}
	if st.IsPersisting {
		e.log.Record(domain.LogInfo, "persisting", "position write in flight", in)
		return domain.NoSignal
	}

	if st.IsLong() {
		// 2. Hard exits.
		pnl := st.PnLPercent(in.Price)
		if pnl <= -cfg.StopLossPercent {
			return e.emit(in, domain.Signal{
				Action: domain.ActionSell,
				Reason: domain.SellStopLoss,
				Status: domain.RoundStoppedOut,
			}, fmt.Sprintf("stop loss hit at %.4f%%", pnl))
		}
		if pnl >= cfg.TakeProfitPercent {
			return e.emit(in, domain.Signal{
				Action: domain.ActionSell,
				Reason: domain.SellTakeProfit,
				Status: domain.RoundClosed,
			}, fmt.Sprintf("take profit hit at %.4f%%", pnl))
		}

		// 3. Mean-reversion exit with soft-timeout relaxation.
		target, reason := e.exitTarget(st.HeldFor(in.Now))
		if z >= target {
			if reason == domain.SellTimeDecay && target < 0 && in.Diff.Velocity < 0 {
				e.log.Record(domain.LogInfo, "exit_deferred",
					fmt.Sprintf("relaxed exit at z=%.3f deferred while price is falling", target), in)
				return domain.NoSignal
			}
			if e.debounced(in.Now) {
				e.log.Record(domain.LogInfo, "debounced", "exit inside minimum signal interval", in)
				return domain.NoSignal
			}
			return e.emit(in, domain.Signal{
				Action:  domain.ActionSell,
				Reason:  reason,
				Status:  domain.RoundClosed,
				TargetZ: target,
			}, fmt.Sprintf("exit z=%.3f >= target %.3f", z, target))
		}
	}

	// 4. Volatility floor for new entries.
	if in.Stats.MAD < cfg.MinMADThreshold {
		e.log.Record(domain.LogInfo, "volatility_floor",
			fmt.Sprintf("mad %.6f below floor %.6f", in.Stats.MAD, cfg.MinMADThreshold), in)
		return domain.NoSignal
	}

	// 5. DCA.
	if st.IsLong() {
		if st.DCACount >= cfg.MaxDCAEntries {
			return domain.NoSignal
		}
		dcaZ := -cfg.ZScoreThreshold * cfg.DCAZScoreMultiplier
		if z >= dcaZ {
			return domain.NoSignal
		}
		drawdown := -st.PnLPercent(in.Price)
		if drawdown < cfg.MinDCAPriceDeviationPercent {
			e.log.Record(domain.LogInfo, "dca_too_close",
				fmt.Sprintf("drawdown %.4f%% below %.4f%%", drawdown, cfg.MinDCAPriceDeviationPercent), in)
			return domain.NoSignal
		}
		if e.debounced(in.Now) {
			e.log.Record(domain.LogInfo, "debounced", "dca inside minimum signal interval", in)
			return domain.NoSignal
		}
		return e.emit(in, domain.Signal{Action: domain.ActionBuy, IsDCA: true},
			fmt.Sprintf("dca %d/%d at z=%.3f", st.DCACount+1, cfg.MaxDCAEntries, z))
	}

	// 6. First entry.
	if z >= -cfg.ZScoreThreshold {
		return domain.NoSignal
	}
	extreme := z < -cfg.ZScoreThreshold*panicZMultiplier
	if in.Diff.Velocity < 0 && in.Diff.Acceleration < 0 && !extreme {
		e.log.Record(domain.LogInfo, "falling_knife",
			fmt.Sprintf("entry at z=%.3f suppressed while price accelerates down", z), in)
		return domain.NoSignal
	}
	msg := fmt.Sprintf("entry at z=%.3f", z)
	if extreme {
		msg = fmt.Sprintf("panic entry at z=%.3f", z)
	}
	return e.emit(in, domain.Signal{Action: domain.ActionBuy}, msg)
}

// exitTarget returns the z-score an open position exits at after being held
// for held, and the reason recorded if it does. A relaxed target never makes
// the exit harder than MinZScoreExit.
func (e *SignalEngine) exitTarget(held time.Duration) (float64, domain.SellReason) {
	soft := e.cfg.SoftTimeout
	relaxed := e.cfg.MinZScoreExit
	switch {
	case soft > 0 && held >= 2*soft:
		relaxed = doubleSoftTimeoutExitZ
	case soft > 0 && held >= soft:
		relaxed = softTimeoutExitZ
	default:
		return e.cfg.MinZScoreExit, domain.SellMeanReversion
	}
	if relaxed >= e.cfg.MinZScoreExit {
		return e.cfg.MinZScoreExit, domain.SellMeanReversion
	}
	return relaxed, domain.SellTimeDecay
}

func (e *SignalEngine) debounced(now time.Time) bool {
	return !e.lastSignalAt.IsZero() && now.Sub(e.lastSignalAt) < e.cfg.MinSignalInterval
}

func (e *SignalEngine) emit(in SignalInput, sig domain.Signal, msg string) domain.Signal {
	e.lastSignalAt = in.Now
	event := "entry"
	switch {
	case sig.Action == domain.ActionSell:
		event = "exit_" + string(sig.Reason)
	case sig.IsDCA:
		event = "dca"
	}
	e.log.Record(domain.LogSignal, event, msg, in)
	return sig
}
