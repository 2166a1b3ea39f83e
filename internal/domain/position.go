package domain

import "time"

// PositionState is the engine's local view of its position.
type PositionState string

const (
	PositionNone PositionState = "NONE"
	PositionLong PositionState = "LONG"
)

// AlgorithmState is the position mirror the signal engine evaluates against.
// IsPersisting is set while a store write for this position is in flight.
type AlgorithmState struct {
	PositionState PositionState
	RoundID       string
	EntryPrice    float64
	Amount        float64
	DCACount      int
	EntryTime     time.Time
	IsPersisting  bool
	// RealizedPnL accumulates partial exits of the current round. It is
	// folded into FinalPnL when the round closes.
	RealizedPnL float64
}

// IsLong reports whether a position is held.
func (s AlgorithmState) IsLong() bool {
	return s.PositionState == PositionLong
}

// PnLPercent returns the unrealised return of the position at price, in
// percent of the entry price.
func (s AlgorithmState) PnLPercent(price float64) float64 {
	if s.EntryPrice <= 0 {
		return 0
	}
	return (price - s.EntryPrice) / s.EntryPrice * 100
}

// HeldFor returns how long the position has been open at now. Zero when no
// entry time is known.
func (s AlgorithmState) HeldFor(now time.Time) time.Duration {
	if s.EntryTime.IsZero() {
		return 0
	}
	return now.Sub(s.EntryTime)
}

// RoundStatus is the persisted lifecycle status of a round.
type RoundStatus string

const (
	RoundOpen       RoundStatus = "OPEN"
	RoundClosed     RoundStatus = "CLOSED"
	RoundStoppedOut RoundStatus = "STOPPED_OUT"
)

// SellReason records why a round was closed.
type SellReason string

const (
	SellStopLoss      SellReason = "STOP_LOSS"
	SellTakeProfit    SellReason = "TAKE_PROFIT"
	SellMeanReversion SellReason = "MEAN_REVERSION"
	SellTimeDecay     SellReason = "TIME_DECAY"
	SellManual        SellReason = "MANUAL"
	SellPanic         SellReason = "PANIC"
)

// Status maps a sell reason to the terminal round status it produces.
func (r SellReason) Status() RoundStatus {
	if r == SellStopLoss {
		return RoundStoppedOut
	}
	return RoundClosed
}

// Round is one persisted position from first entry to exit. BuyPrice and
// BuyAmount are amount-weighted across DCA fills.
type Round struct {
	ID          string
	ConfigID    string
	Symbol      string
	BuyPrice    float64
	BuyAmount   float64
	BuyTime     time.Time
	DCACount    int
	EntryMedian float64
	EntryZScore float64
	Status      RoundStatus
	SellPrice   *float64
	SellTime    *time.Time
	FinalPnL    *float64
	SellReason  SellReason
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RoundClose is the terminal patch applied to a round.
type RoundClose struct {
	Status    RoundStatus
	Reason    SellReason
	SellPrice float64
	SellTime  time.Time
	FinalPnL  float64
}
