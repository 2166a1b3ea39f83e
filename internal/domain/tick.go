package domain

import "time"

// Tick is a single trade print from the exchange feed.
type Tick struct {
	Symbol       string
	Price        float64
	Size         float64
	ExchangeTime time.Time
	ReceivedAt   time.Time
}

// Stats is the rolling robust statistics for one tick.
type Stats struct {
	Median float64 `json:"median"`
	MAD    float64 `json:"mad"`
	ZScore float64 `json:"zScore"`
}

// DifferentialState holds the short-horizon price derivatives in price units
// per millisecond (velocity) and per millisecond squared (acceleration).
type DifferentialState struct {
	Velocity     float64 `json:"velocity"`
	Acceleration float64 `json:"acceleration"`
}

// DecisionSnapshot captures the inputs a decision was made on.
type DecisionSnapshot struct {
	Price float64
	Stats Stats
	Diff  DifferentialState
}
