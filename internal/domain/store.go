package domain

import (
	"context"
	"time"
)

// RoundStore persists trading rounds.
type RoundStore interface {
	OpenRound(ctx context.Context, r Round) error
	AveragePosition(ctx context.Context, id string, buyPrice, buyAmount float64, dcaCount int) error
	CloseRound(ctx context.Context, id string, c RoundClose) error
	GetOpenRound(ctx context.Context, configID string) (Round, error)
	GetRound(ctx context.Context, id string) (Round, error)
	// ListClosedBetween returns terminal rounds sold in [from, to), oldest first.
	ListClosedBetween(ctx context.Context, from, to time.Time, limit int) ([]Round, error)
}

// ControlStore exposes the externally writable control plane of engines.
type ControlStore interface {
	GetState(ctx context.Context, configID string) (ControlState, error)
	UpdateState(ctx context.Context, st ControlState) error
	AckCommand(ctx context.Context, configID string, cmd Command) error
	GetConfig(ctx context.Context, configID string) (EngineConfig, error)
	UpsertConfig(ctx context.Context, cfg EngineConfig) error
}

// SignalLogStore persists decision-log events.
type SignalLogStore interface {
	Append(ctx context.Context, l SignalLog) error
	// ListBetween returns events created in [from, to), oldest first.
	ListBetween(ctx context.Context, from, to time.Time, limit int) ([]SignalLog, error)
}

// LiquidityOpStore persists two-leg liquidity operations.
type LiquidityOpStore interface {
	CreateOp(ctx context.Context, op LiquidityOp) error
	GetOp(ctx context.Context, id string) (LiquidityOp, error)
	GetPendingOps(ctx context.Context, limit int) ([]LiquidityOp, error)
	// UpdateOpStatus moves an op from `from` to `to`. It returns
	// ErrInvalidTransition when the graph forbids the move and ErrNotFound
	// when the op is not currently in `from`.
	UpdateOpStatus(ctx context.Context, id string, from, to OpStatus, patch OpPatch) error
	AppendOpLog(ctx context.Context, id, line string) error
}

// BalanceStore persists polled account balances.
type BalanceStore interface {
	UpdateBalance(ctx context.Context, b Balance) error
	GetBalance(ctx context.Context, account string, kind BalanceKind, asset string) (Balance, error)
}
