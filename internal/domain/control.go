package domain

import "time"

// Command is an externally issued instruction to an engine.
type Command string

const (
	CommandNone        Command = ""
	CommandManualClose Command = "MANUAL_CLOSE"
	CommandPanicClose  Command = "PANIC_CLOSE"
)

// SellReason returns the sell reason recorded when the command closes a round.
func (c Command) SellReason() SellReason {
	if c == CommandPanicClose {
		return SellPanic
	}
	return SellManual
}

// ControlState is the authoritative, externally writable control row of an
// engine.
type ControlState struct {
	ConfigID       string
	PendingCommand Command
	IssuedAt       *time.Time
	AckedAt        *time.Time
	UpdatedAt      time.Time
}

// EngineConfig is the persisted runtime record of an engine. IsRunning gates
// every new entry.
type EngineConfig struct {
	ID        string
	Symbol    string
	IsRunning bool
	UpdatedAt time.Time
}
