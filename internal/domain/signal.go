package domain

import "time"

// Action is the decision emitted by the signal engine.
type Action string

const (
	ActionNone Action = "NONE"
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// Signal is a single decision. Reason and Status are set for sells; IsDCA is
// set for buys that average into an existing position.
type Signal struct {
	Action  Action
	IsDCA   bool
	Reason  SellReason
	Status  RoundStatus
	TargetZ float64
}

// NoSignal is the zero decision.
var NoSignal = Signal{Action: ActionNone}

// IsNone reports whether the signal carries no action.
func (s Signal) IsNone() bool {
	return s.Action == "" || s.Action == ActionNone
}

// LogLevel classifies decision-log events.
type LogLevel string

const (
	LogInfo   LogLevel = "INFO"
	LogWarn   LogLevel = "WARN"
	LogSignal LogLevel = "SIGNAL"
)

// SignalLog is one persisted decision-log event.
type SignalLog struct {
	ID            int64         `json:"id"`
	ConfigID      string        `json:"configId"`
	Symbol        string        `json:"symbol"`
	Level         LogLevel      `json:"level"`
	Event         string        `json:"event"`
	Message       string        `json:"message"`
	Price         float64       `json:"price"`
	Median        float64       `json:"median"`
	MAD           float64       `json:"mad"`
	ZScore        float64       `json:"zScore"`
	Velocity      float64       `json:"velocity"`
	Acceleration  float64       `json:"acceleration"`
	PositionState PositionState `json:"positionState"`
	EntryPrice    float64       `json:"entryPrice"`
	DCACount      int           `json:"dcaCount"`
	CreatedAt     time.Time     `json:"createdAt"`
}
