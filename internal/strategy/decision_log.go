package strategy

import (
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/wickhunter/internal/domain"
)

// defaultLogThrottle is the minimum spacing of non-SIGNAL decision events.
const defaultLogThrottle = 20 * time.Millisecond

// DecisionSink receives decision events that passed the throttle.
type DecisionSink func(domain.SignalLog)

// DecisionLog records decision events to slog and an optional sink. SIGNAL
// level events always pass; everything else is throttled.
type DecisionLog struct {
	configID string
	symbol   string
	throttle time.Duration
	sink     DecisionSink
	logger   *slog.Logger

	mu   sync.Mutex
	last time.Time
}

// NewDecisionLog creates a DecisionLog. A nil sink only logs.
func NewDecisionLog(configID, symbol string, sink DecisionSink, logger *slog.Logger) *DecisionLog {
	return &DecisionLog{
		configID: configID,
		symbol:   symbol,
		throttle: defaultLogThrottle,
		sink:     sink,
		logger:   logger,
	}
}

// Record emits an event for the given decision inputs. It reports whether
// the event was emitted.
func (l *DecisionLog) Record(level domain.LogLevel, event, message string, in SignalInput) bool {
	if l == nil {
		return false
	}
	if level != domain.LogSignal {
		l.mu.Lock()
		// Exchange time can step backwards; an older timestamp restarts the
		// window instead of muting events until the clock catches up.
		elapsed := in.Now.Sub(l.last)
		if !l.last.IsZero() && elapsed >= 0 && elapsed < l.throttle {
			l.mu.Unlock()
			return false
		}
		l.last = in.Now
		l.mu.Unlock()
	}

	entry := domain.SignalLog{
		ConfigID:      l.configID,
		Symbol:        l.symbol,
		Level:         level,
		Event:         event,
		Message:       message,
		Price:         in.Price,
		Median:        in.Stats.Median,
		MAD:           in.Stats.MAD,
		ZScore:        in.Stats.ZScore,
		Velocity:      in.Diff.Velocity,
		Acceleration:  in.Diff.Acceleration,
		PositionState: in.State.PositionState,
		EntryPrice:    in.State.EntryPrice,
		DCACount:      in.State.DCACount,
		CreatedAt:     in.Now,
	}

	if l.logger != nil {
		attrs := []any{
			slog.String("event", event),
			slog.Float64("price", in.Price),
			slog.Float64("median", in.Stats.Median),
			slog.Float64("mad", in.Stats.MAD),
			slog.Float64("z_score", in.Stats.ZScore),
			slog.Float64("velocity", in.Diff.Velocity),
			slog.Float64("acceleration", in.Diff.Acceleration),
			slog.String("position", string(in.State.PositionState)),
			slog.Int("dca_count", in.State.DCACount),
		}
		switch level {
		case domain.LogSignal:
			l.logger.Info(message, attrs...)
		case domain.LogWarn:
			l.logger.Warn(message, attrs...)
		default:
			l.logger.Debug(message, attrs...)
		}
	}

	if l.sink != nil {
		l.sink(entry)
	}
	return true
}
